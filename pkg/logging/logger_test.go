package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLogger_WritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, InfoLevel)

	l.Info("bucket rewritten", Bucket(42), Count(7))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry.Level != "INFO" || entry.Message != "bucket rewritten" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Fields["bucket"].(float64) != 42 {
		t.Errorf("bucket field = %v", entry.Fields["bucket"])
	}
}

func TestJSONLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, WarnLevel)

	l.Debug("noise")
	l.Info("noise")
	l.Warn("signal")

	lines := strings.Count(buf.String(), "\n")
	if lines != 1 {
		t.Errorf("%d lines logged at warn level, want 1", lines)
	}
}

func TestJSONLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, InfoLevel).With(Component("cleaner"))

	l.Info("pass complete", EraseUnit(3))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry.Fields["component"] != "cleaner" {
		t.Errorf("pre-set field missing: %+v", entry.Fields)
	}
	if entry.Fields["erase_unit"].(float64) != 3 {
		t.Errorf("call field missing: %+v", entry.Fields)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DebugLevel,
		"INFO":  InfoLevel,
		"warn":  WarnLevel,
		"ERROR": ErrorLevel,
		"junk":  InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestErrorField(t *testing.T) {
	f := Error(nil)
	if f.Key != "error" || f.Value != nil {
		t.Errorf("Error(nil) = %+v", f)
	}
}
