package wsi

import "time"

// ModeFlag is a log severity.  Messages below the current mode are dropped.
type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

var mode = InfoMode

// Logger is a leveled logger.  Each method formats its arguments like
// fmt.Printf.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Criticalf(format string, args ...interface{})

	// Shutdown flushes and closes any log file.
	Shutdown()
}

// SetLogMode sets the lowest severity that is logged.  SilentMode turns off
// all logging.
func SetLogMode(newMode ModeFlag) {
	mode = newMode
}

// LogMode returns the lowest severity that is logged.
func LogMode() ModeFlag {
	return mode
}

// printer returns the method of the package logger for a severity.
func printer(m ModeFlag) func(string, ...interface{}) {
	switch m {
	case DebugMode:
		return logger.Debugf
	case InfoMode:
		return logger.Infof
	case WarningMode:
		return logger.Warningf
	case ErrorMode:
		return logger.Errorf
	default:
		return logger.Criticalf
	}
}

func logAt(m ModeFlag, format string, args []interface{}) {
	if mode <= m {
		printer(m)(format, args...)
	}
}

func Debugf(format string, args ...interface{})    { logAt(DebugMode, format, args) }
func Infof(format string, args ...interface{})     { logAt(InfoMode, format, args) }
func Warningf(format string, args ...interface{})  { logAt(WarningMode, format, args) }
func Errorf(format string, args ...interface{})    { logAt(ErrorMode, format, args) }
func Criticalf(format string, args ...interface{}) { logAt(CriticalMode, format, args) }

// ModeLogger returns a Logger that honors the package log mode, for libraries
// that take a leveled logger such as badger.
func ModeLogger() Logger {
	return modeLogger{}
}

type modeLogger struct{}

func (modeLogger) Debugf(format string, args ...interface{})    { Debugf(format, args...) }
func (modeLogger) Infof(format string, args ...interface{})     { Infof(format, args...) }
func (modeLogger) Warningf(format string, args ...interface{})  { Warningf(format, args...) }
func (modeLogger) Errorf(format string, args ...interface{})    { Errorf(format, args...) }
func (modeLogger) Criticalf(format string, args ...interface{}) { Criticalf(format, args...) }
func (modeLogger) Shutdown()                                    { logger.Shutdown() }

// TimeLog appends the time elapsed since its creation to messages.
//
//	timedLog := NewTimeLog()
//	...
//	timedLog.Infof("level %d synthesized", 3) // "level 3 synthesized: 1.2s"
type TimeLog struct {
	start time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{start: time.Now()}
}

// Elapsed returns the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t TimeLog) logAt(m ModeFlag, format string, args []interface{}) {
	logAt(m, format+": %s\n", append(args, t.Elapsed()))
}

func (t TimeLog) Debugf(format string, args ...interface{}) { t.logAt(DebugMode, format, args) }
func (t TimeLog) Infof(format string, args ...interface{})  { t.logAt(InfoMode, format, args) }
