package logger

// Logger is the structured logging surface used across the engine.
// Arguments after msg are alternating key/value pairs.
type Logger interface {
	Error(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// Default returns the logger installed when none is configured.
func Default() Logger { return NewPhusluLogger() }
