package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"Error": zerolog.ErrorLevel,
		"info":  zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONFieldsAndChild(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "debug", "json")
	defer Setup("info", "console")

	child := Log.With("session", 7)
	child.Info("step", "token", 42, "err", errors.New("boom"))

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if rec["message"] != "step" {
		t.Errorf("message = %v", rec["message"])
	}
	if rec["session"] != float64(7) || rec["token"] != float64(42) {
		t.Errorf("missing fields: %v", rec)
	}
	if rec["error"] != "boom" {
		t.Errorf("error field = %v", rec["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "warn", "json")
	defer Setup("info", "console")

	Log.Debug("hidden")
	Log.Info("hidden too")
	Log.Warn("shown", "k")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("filtered levels leaked: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message missing: %q", out)
	}
}
