package storage_test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/conductor/internal/storage"
	"github.com/ashita-ai/conductor/internal/storage/storetest"
	"github.com/ashita-ai/conductor/internal/testutil"
	"github.com/ashita-ai/conductor/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() || os.Getenv("CONDUCTOR_SKIP_INTEGRATION") != "" {
		os.Exit(m.Run())
	}
	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres unavailable, integration tests skipped: %v\n", err)
		os.Exit(m.Run())
	}

	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres not available")
	}
}

func TestPostgresConformance(t *testing.T) {
	requireDB(t)
	storetest.Run(t, testDB)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	requireDB(t)
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestWithRetryRetriesSerializationFailures(t *testing.T) {
	attempts := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnOtherErrors(t *testing.T) {
	attempts := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return &pgconn.PgError{Code: "23505"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicyRetriesLockNotAvailable(t *testing.T) {
	attempts := 0
	p := storage.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	err := p.Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("storage: dequeue: %w", &pgconn.PgError{Code: "55P03"})
	})
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "55P03", pgErr.Code)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	p := storage.RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}
	err := p.Do(ctx, func() error {
		attempts++
		cancel()
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetriable(t *testing.T) {
	assert.True(t, storage.Retriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, storage.Retriable(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, storage.Retriable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, storage.Retriable(errors.New("boom")))
	assert.False(t, storage.Retriable(nil))
}
