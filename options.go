package conductor

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	recordsPath string
	logger      *slog.Logger
	version     string
	generation  GenerationProvider
	tools       []Tool
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (CONDUCTOR_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRecordsPath overrides the SQLite records file (CONDUCTOR_RECORDS_PATH
// env var). Use ":memory:" for an ephemeral store.
func WithRecordsPath(path string) Option {
	return func(o *resolvedOptions) { o.recordsPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, a logger is built from CONDUCTOR_LOG_FORMAT and CONDUCTOR_LOG_LEVEL.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGenerationProvider replaces the OpenAI generation backend.
func WithGenerationProvider(p GenerationProvider) Option {
	return func(o *resolvedOptions) { o.generation = p }
}

// WithTools registers custom tools next to the built-in ones. Names must
// not collide with built-in tools.
func WithTools(tools ...Tool) Option {
	return func(o *resolvedOptions) { o.tools = append(o.tools, tools...) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
