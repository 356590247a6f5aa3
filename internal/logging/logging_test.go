package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestConfigureSetsLevel(t *testing.T) {
	defer func() { Log.SetLevel(logrus.InfoLevel) }()

	if err := Configure("debug", ""); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if Log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v, want debug", Log.GetLevel())
	}
}

func TestConfigureRejectsInvalidLevel(t *testing.T) {
	if err := Configure("not-a-level", ""); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestCallerHookAddsPackageAndFile(t *testing.T) {
	var buf bytes.Buffer
	prevOut := Log.Out
	defer func() { Log.SetOutput(prevOut) }()
	Log.SetOutput(&buf)

	Log.Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["package"] != "logging" {
		t.Fatalf("package = %v, want logging", entry["package"])
	}
	if _, ok := entry["file"]; !ok {
		t.Fatal("expected file field in log entry")
	}
}
