package logger_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pilosa/pubsafe/logger"
)

func TestLoggerLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	l := logger.NewWriter(buf, false)
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.WithPrefix("soda: ").Warnf("retrying")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written without verbose: %s", out)
	}
	if !strings.Contains(out, "INFO shown 2") {
		t.Fatalf("missing info line: %s", out)
	}
	if !strings.Contains(out, "WARN soda: retrying") {
		t.Fatalf("missing prefixed warn line: %s", out)
	}
	if !strings.Contains(out, "Z ") && !strings.Contains(out, "+00:00") {
		t.Fatalf("timestamps not in UTC: %s", out)
	}
}

func TestLoggerVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	l := logger.NewWriter(buf, true)
	l.Debugf("visible")
	if !strings.Contains(buf.String(), "DEBUG visible") {
		t.Fatalf("missing debug line: %s", buf.String())
	}
}
