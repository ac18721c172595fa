package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestJSONOutputUsesRenamedKeys(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("exchange").Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if line["message"] != "hello" {
		t.Fatalf("unexpected message field: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp field missing: %v", line)
	}
	if line["component"] != "exchange" {
		t.Fatalf("component field missing: %v", line)
	}
}

func TestMaskKey(t *testing.T) {
	cases := map[string]string{
		"":             "****",
		"abc":          "****",
		"abcdefghijkl": "abcd****",
	}
	for in, want := range cases {
		if got := MaskKey(in); got != want {
			t.Errorf("MaskKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecordEvent(t *testing.T) {
	before := EventCount("test_event")
	RecordEvent("test_event", 10)
	RecordEvent("test_event", 5)
	if got := EventCount("test_event"); got != before+2 {
		t.Fatalf("EventCount = %d, want %d", got, before+2)
	}
}
