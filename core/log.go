package core

// Logger is any leveled logger the services can report through.
// Implementations may inspect args for well-known types (acting user, error)
// and forward them to an external monitoring service.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
