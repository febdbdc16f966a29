package contracts

// Logger adalah generic interface untuk structured logging.
// Implementasi default menggunakan Zap (contrib/logger/zap).
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	// WithFields returns a logger with additional key/value fields.
	WithFields(fields ...any) Logger

	// Named returns a named sub-logger.
	Named(name string) Logger
}

// NopLogger discards everything. Useful in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any)       {}
func (NopLogger) Info(string, ...any)        {}
func (NopLogger) Warn(string, ...any)        {}
func (NopLogger) Error(string, ...any)       {}
func (n NopLogger) WithFields(...any) Logger { return n }
func (n NopLogger) Named(string) Logger      { return n }

var _ Logger = NopLogger{}
