package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := parseLevel("report")
	if err != nil || lvl != logrus.InfoLevel {
		t.Fatalf("report should map to info: %v %v", lvl, err)
	}
	lvl, err = parseLevel("DEBUG")
	if err != nil || lvl != logrus.DebugLevel {
		t.Fatalf("debug not parsed: %v %v", lvl, err)
	}
	if _, err = parseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestToFloat(t *testing.T) {
	if v, ok := toFloat(int64(7)); !ok || v != 7 {
		t.Fatalf("int64 not coerced: %v %v", v, ok)
	}
	if v, ok := toFloat(1.5); !ok || v != 1.5 {
		t.Fatalf("float64 not coerced: %v %v", v, ok)
	}
	if _, ok := toFloat("seven"); ok {
		t.Fatalf("strings should not coerce")
	}
}

func TestRecordFlow(t *testing.T) {
	RecordFlow("test_flow", 128)
	RecordFlow("test_flow", 64)

	v, ok := flows.Load("test_flow")
	if !ok {
		t.Fatalf("flow not recorded")
	}
	fs := v.(*flowStat)
	if fs.messages != 2 || fs.bytes != 192 {
		t.Fatalf("unexpected flow stats: messages=%d bytes=%d", fs.messages, fs.bytes)
	}
}

func TestRecordErrorBuckets(t *testing.T) {
	before := errorsFetch
	recordError("treasury-client")
	if errorsFetch != before+1 {
		t.Fatalf("fetch error not counted")
	}

	before = errorsPipeline
	recordError("cache-store")
	if errorsPipeline != before+1 {
		t.Fatalf("pipeline error not counted")
	}
}
