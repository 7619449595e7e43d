package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestJSONComponentField(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	Component(l, "worker").WithField("job_id", "abc").Info("claimed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["component"] != "worker" || line["job_id"] != "abc" || line["msg"] != "claimed" {
		t.Fatalf("line = %v", line)
	}
}

func TestRejectsBadSettings(t *testing.T) {
	var buf bytes.Buffer
	if _, err := newLogger(&buf, "loud", "json"); err == nil {
		t.Fatal("unknown level accepted")
	}
	if _, err := newLogger(&buf, "info", "xml"); err == nil {
		t.Fatal("unknown format accepted")
	}
}
