// Package logger contains the structured logging interface used by
// every component, so that the logging backend is chosen by the binary.
package logger

// Field is a structured key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// With returns a Field.
func With(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger is a leveled, structured logger.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Debug logs on l at debug level; a nil Logger discards the entry.
func Debug(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Debug(msg, fields...)
	}
}

// Info logs on l at info level; a nil Logger discards the entry.
func Info(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Info(msg, fields...)
	}
}

// Error logs on l at error level; a nil Logger discards the entry.
func Error(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Error(msg, fields...)
	}
}

// Named returns a Logger adding the fields to every entry.
// A nil Logger stays nil.
func Named(l Logger, fields ...Field) Logger {
	if l == nil {
		return nil
	}

	return named{inner: l, fields: fields}
}

type named struct {
	inner  Logger
	fields []Field
}

func (n named) merge(fields []Field) []Field {
	return append(append(make([]Field, 0, len(n.fields)+len(fields)), n.fields...), fields...)
}

func (n named) Debug(msg string, fields ...Field) { n.inner.Debug(msg, n.merge(fields)...) }
func (n named) Info(msg string, fields ...Field)  { n.inner.Info(msg, n.merge(fields)...) }
func (n named) Error(msg string, fields ...Field) { n.inner.Error(msg, n.merge(fields)...) }
