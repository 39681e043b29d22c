package types

// Interface for the internal logger, so any client can
// provide its own implementation.
type Logger interface {
	Info(v ...interface{})

	Infof(format string, v ...interface{})

	Warn(v ...interface{})

	Warnf(format string, v ...interface{})

	Error(v ...interface{})

	Errorf(format string, v ...interface{})

	Debug(v ...interface{})

	Debugf(format string, v ...interface{})

	// Turns debug output on or off, returning the new state.
	ToggleDebug(value bool) bool

	Fatal(v ...interface{})

	Fatalf(format string, v ...interface{})

	Panic(v ...interface{})

	Panicf(format string, v ...interface{})
}
