package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in        string
		want      Mode
		wantError bool
	}{
		{"", ModeText, false},
		{"text", ModeText, false},
		{"JSON", ModeJSON, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantError {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in        string
		want      slog.Level
		wantError bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantError != (err != nil) {
				t.Fatalf("ParseLevel(%q) error = %v, wantError %v", tt.in, err, tt.wantError)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(ModeText, &buf, slog.LevelInfo)

	logger.With("cid", 10).WithGroup("vm").Info("payload ready", "state", "READY", "err", errors.New("x y"))
	logger.Debug("hidden")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record should be filtered at info level")
	}
	for _, want := range []string{"INFO ", " | payload ready", " cid=10", " vm.state=READY", ` vm.err="x y"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(ModeJSON, &buf, nil)
	logger.Info("created", "cid", 11)

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "created" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["cid"] != float64(11) {
		t.Errorf("cid = %v", rec["cid"])
	}
}

func TestEnsure(t *testing.T) {
	if Ensure(nil) != slog.Default() {
		t.Error("Ensure(nil) should return the default logger")
	}
	l := Discard()
	if Ensure(l) != l {
		t.Error("Ensure should return the given logger")
	}
}
