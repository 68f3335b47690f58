package ledger

// Field is one key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives the engine's structured log lines. Account ids,
// external references and amounts are passed as fields, never formatted
// into msg.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// F builds a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (*NoopLogger) Debug(string, ...Field) {}
func (*NoopLogger) Info(string, ...Field)  {}
func (*NoopLogger) Warn(string, ...Field)  {}
func (*NoopLogger) Error(string, ...Field) {}
