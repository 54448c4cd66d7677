package wsi

import (
	"fmt"
	"strings"
	"testing"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) record(level, format string, args ...interface{}) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func (r *recordingLogger) Debugf(format string, args ...interface{}) { r.record("DEBUG", format, args...) }
func (r *recordingLogger) Infof(format string, args ...interface{})  { r.record("INFO", format, args...) }
func (r *recordingLogger) Warningf(format string, args ...interface{}) {
	r.record("WARNING", format, args...)
}
func (r *recordingLogger) Errorf(format string, args ...interface{}) { r.record("ERROR", format, args...) }
func (r *recordingLogger) Criticalf(format string, args ...interface{}) {
	r.record("CRITICAL", format, args...)
}
func (r *recordingLogger) Shutdown() {}

func TestLogMode(t *testing.T) {
	saved, savedMode := logger, LogMode()
	defer func() {
		logger = saved
		SetLogMode(savedMode)
	}()
	rec := new(recordingLogger)
	logger = rec

	SetLogMode(WarningMode)
	Debugf("d")
	Infof("i")
	Warningf("w %d", 1)
	ModeLogger().Errorf("e")
	Criticalf("c")
	expected := []string{"WARNING w 1", "ERROR e", "CRITICAL c"}
	if strings.Join(rec.lines, "|") != strings.Join(expected, "|") {
		t.Errorf("expected %v, got %v", expected, rec.lines)
	}

	rec.lines = nil
	SetLogMode(DebugMode)
	timedLog := NewTimeLog()
	timedLog.Debugf("level %d built", 3)
	if len(rec.lines) != 1 || !strings.HasPrefix(rec.lines[0], "DEBUG level 3 built: ") {
		t.Errorf("expected timed debug message, got %v", rec.lines)
	}

	rec.lines = nil
	SetLogMode(SilentMode)
	Criticalf("c")
	timedLog.Infof("i")
	if len(rec.lines) != 0 {
		t.Errorf("expected no messages in silent mode, got %v", rec.lines)
	}
}
