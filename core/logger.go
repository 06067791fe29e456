package core

// Logger is implemented by the app loggers.
// args may carry an error, a map[string]interface{} of extra data or the acting Operator.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Operator identifies the admin performing a request; loggers attach it to reports.
type Operator struct {
	ID    string
	Email string
}
