package wsi

import (
	"fmt"
	"log"

	"github.com/natefinch/lumberjack"
)

type stdLogger struct {
	*lumberjack.Logger
}

var logger Logger = stdLogger{}

// LogConfig selects a rotating log file.  If Logfile is empty, messages go to stderr.
type LogConfig struct {
	Logfile string
	Level   string
	MaxSize int `toml:"max_log_size"`
	MaxAge  int `toml:"max_log_age"`
}

// SetLogger creates a logger that saves to a rotating log file and sets the
// log mode from the configured level.
func (c *LogConfig) SetLogger() error {
	if c == nil {
		return nil
	}
	if c.Level != "" {
		m, err := ParseLogMode(c.Level)
		if err != nil {
			return err
		}
		SetLogMode(m)
	}
	if c.Logfile == "" {
		Infof("Sending log messages to stderr since no log file specified.\n")
		return nil
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	log.SetOutput(l)
	logger = stdLogger{l}
	return nil
}

// ParseLogMode converts a level name ("debug", "info", ...) to a ModeFlag.
func ParseLogMode(s string) (ModeFlag, error) {
	switch s {
	case "debug":
		return DebugMode, nil
	case "info":
		return InfoMode, nil
	case "warning", "warn":
		return WarningMode, nil
	case "error":
		return ErrorMode, nil
	case "critical":
		return CriticalMode, nil
	case "silent", "none":
		return SilentMode, nil
	}
	return InfoMode, fmt.Errorf("unknown log level %q", s)
}

func (slog stdLogger) Debugf(format string, args ...interface{}) {
	log.Printf(" DEBUG "+format, args...)
}

func (slog stdLogger) Infof(format string, args ...interface{}) {
	log.Printf(" INFO "+format, args...)
}

func (slog stdLogger) Warningf(format string, args ...interface{}) {
	log.Printf(" WARNING "+format, args...)
}

func (slog stdLogger) Errorf(format string, args ...interface{}) {
	log.Printf(" ERROR "+format, args...)
}

func (slog stdLogger) Criticalf(format string, args ...interface{}) {
	log.Printf(" CRITICAL "+format, args...)
}

func (slog stdLogger) Shutdown() {
	if slog.Logger != nil {
		log.Printf("Closing log file...\n")
		slog.Close()
	}
}
