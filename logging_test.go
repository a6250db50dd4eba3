package ebox

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)
	logger.Info("hello", "key", "value")
	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Fatalf("json output missing message: %s", out)
	}
	if !strings.Contains(out, `"key":"value"`) {
		t.Fatalf("json output missing attribute: %s", out)
	}
}

func TestNewLoggerWithWriterTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", "text", &buf)
	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("info message logged despite warn level: %s", buf.String())
	}
	logger.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("warn message missing: %s", buf.String())
	}
}

func TestNopLoggerDiscardsEverything(t *testing.T) {
	logger := NopLogger()
	logger.Error("this goes nowhere")
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if parseLevel("bogus") != parseLevel("info") {
		t.Fatalf("unrecognized level did not default to info")
	}
}

func TestEboxLoggerDefaultsToNop(t *testing.T) {
	e := &Ebox{}
	if e.logger() == nil {
		t.Fatalf("logger() returned nil")
	}
}

func TestEboxSetLoggerOverridesDefault(t *testing.T) {
	var buf bytes.Buffer
	e := &Ebox{}
	e.SetLogger(NewLoggerWithWriter("info", "text", &buf))
	e.logger().Info("attached")
	if !strings.Contains(buf.String(), "attached") {
		t.Fatalf("SetLogger did not take effect: %s", buf.String())
	}
}
