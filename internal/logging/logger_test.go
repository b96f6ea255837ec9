package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "WARN")
	l.Info("dropped")
	l.Warn("kept", "ride_id", "r1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "kept" || rec["ride_id"] != "r1" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["source"]; !ok {
		t.Fatal("expected source info")
	}
}

func TestServiceAttrAndUTC(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info").With("service", "carpool-api")
	l.Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["service"] != "carpool-api" {
		t.Fatalf("missing service attr: %v", rec)
	}
	ts, _ := rec["time"].(string)
	if !strings.HasSuffix(ts, "Z") {
		t.Fatalf("expected UTC timestamp, got %q", ts)
	}
}
