package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"bogus", INFO},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseLogLevel(tt.input), tt.input)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "warn", NoColor: true})
	l.SetOutput(&buf)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "shown 2")

	buf.Reset()
	l.SetLevel(DEBUG)
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestLoggerWithField(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", NoColor: true})
	l.SetOutput(&buf)

	l.WithField("host", "10.0.0.1").Info("SSH online.")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "SSH online.")
	assert.Contains(t, line, "10.0.0.1")
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("discarded")
	l.WithField("k", "v").Info("discarded too")
}
