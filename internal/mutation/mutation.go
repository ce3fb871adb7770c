// Package mutation stages, applies and undoes changes to workspace records.
//
// Records and the mutation ledger live in one SQLite database. A staged
// mutation can be applied once, with the confirm token minted at staging,
// and undone once, with the undo token minted at apply time.
package mutation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/conductor/internal/workspace"
)

var (
	// ErrTokenMismatch is returned when a confirm or undo token does not
	// match the mutation it is presented for.
	ErrTokenMismatch = errors.New("mutation: token mismatch")

	// ErrAlreadyApplied is returned when applying a mutation that is no
	// longer staged.
	ErrAlreadyApplied = errors.New("mutation: already applied")

	// ErrNotApplied is returned when undoing a mutation that is not applied.
	ErrNotApplied = errors.New("mutation: not applied")

	// ErrMutationNotFound is returned for unknown mutation IDs.
	ErrMutationNotFound = errors.New("mutation: not found")

	// ErrRecordNotFound is returned for unknown record IDs.
	ErrRecordNotFound = errors.New("mutation: record not found")

	// ErrInvalidOperation is returned when a staged operation names an
	// unknown kind or section.
	ErrInvalidOperation = errors.New("mutation: invalid operation")
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	workspace_id TEXT NOT NULL,
	section      TEXT NOT NULL,
	id           TEXT NOT NULL,
	data         TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (workspace_id, section, id)
);

CREATE TABLE IF NOT EXISTS mutations (
	id            TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	operations    TEXT NOT NULL,
	state         TEXT NOT NULL,
	matched_count INTEGER NOT NULL,
	before_images TEXT,
	staged_at     TEXT NOT NULL,
	applied_at    TEXT,
	undone_at     TEXT
);`

// sampleLimit caps before/after samples returned by Stage.
const sampleLimit = 5

// Service owns the record store and the mutation ledger.
type Service struct {
	db      *sql.DB
	catalog *workspace.Catalog
	signer  *Signer
	logger  *slog.Logger
	now     func() time.Time
}

// Open opens (or creates) the SQLite database at path and prepares the
// schema. Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string, secret []byte, catalog *workspace.Catalog, logger *slog.Logger) (*Service, error) {
	signer, err := NewSigner(secret)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mutation: open sqlite %s: %w", path, err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mutation: ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mutation: %s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mutation: create schema: %w", err)
	}

	logger.Info("mutation: record store ready", "path", path)
	return &Service{
		db:      db,
		catalog: catalog,
		signer:  signer,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Catalog returns the section catalog the service validates against.
func (s *Service) Catalog() *workspace.Catalog {
	return s.catalog
}

// Ping verifies the database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Service) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
