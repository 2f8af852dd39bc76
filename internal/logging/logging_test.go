package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		level, format string
		want          zapcore.Level
	}{
		{"debug", "json", zapcore.DebugLevel},
		{"warn", "console", zapcore.WarnLevel},
		{"loud", "json", zapcore.InfoLevel},
	}
	for _, c := range cases {
		log, err := NewLogger(c.level, c.format, "equiroute-test")
		if err != nil {
			t.Fatalf("NewLogger(%s, %s): %v", c.level, c.format, err)
		}
		if !log.Core().Enabled(c.want) {
			t.Fatalf("%s: level %s not enabled", c.level, c.want)
		}
		if c.want > zapcore.DebugLevel && log.Core().Enabled(c.want-1) {
			t.Fatalf("%s: level below %s unexpectedly enabled", c.level, c.want)
		}
	}
}
