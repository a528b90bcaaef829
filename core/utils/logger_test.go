package utils

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintfDropsTrailingNewline(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLoggerWith("info", "text", &buf)
	lg.Printf("goose: successfully migrated database to version: %d\n", 1)
	out := buf.String()
	if !strings.Contains(out, `msg="goose: successfully migrated database to version: 1"`) {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestNilLoggerIsSilent(t *testing.T) {
	var lg *Logger
	lg.Printf("x")
	lg.Debugf("x")
	lg.Errorf("x")
}
