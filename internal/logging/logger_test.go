package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizer_Tokens(t *testing.T) {
	s := NewSanitizer()
	tests := []struct {
		name  string
		input string
	}{
		{"github pat", "token ghp_" + strings.Repeat("a", 36)},
		{"anthropic", "key=sk-ant-" + strings.Repeat("b", 40)},
		{"aws", "AKIA" + strings.Repeat("C", 16)},
		{"bearer", "Authorization: Bearer " + strings.Repeat("x", 24)},
		{"password", "password=hunter2hunter2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Sanitize(tt.input)
			if !strings.Contains(got, "[REDACTED]") {
				t.Errorf("Sanitize(%q) = %q, expected redaction", tt.input, got)
			}
		})
	}
}

func TestSanitizer_LeavesOrdinaryText(t *testing.T) {
	s := NewSanitizer()
	for _, in := range []string{
		"phase build completed",
		"run_id=plan-1-run-20260101T000000Z-abcd1234",
		"entity deployable/api updated to version 3",
	} {
		if got := s.Sanitize(in); got != in {
			t.Errorf("Sanitize(%q) = %q", in, got)
		}
	}
}

func TestSanitizer_SanitizeMap(t *testing.T) {
	s := NewSanitizer()
	out := s.SanitizeMap(map[string]any{
		"plain":  "hello",
		"nested": map[string]any{"auth": "Bearer " + strings.Repeat("z", 30)},
		"count":  3,
	})
	if out["plain"] != "hello" || out["count"] != 3 {
		t.Errorf("unexpected passthrough values: %v", out)
	}
	nested := out["nested"].(map[string]any)
	if !strings.Contains(nested["auth"].(string), "[REDACTED]") {
		t.Errorf("nested value not redacted: %v", nested)
	}
}

func TestSanitizer_AddPattern(t *testing.T) {
	s := NewSanitizer()
	if err := s.AddPattern(`INTERNAL-\d+`); err != nil {
		t.Fatalf("AddPattern() error = %v", err)
	}
	if got := s.Sanitize("ref INTERNAL-42"); got != "ref [REDACTED]" {
		t.Errorf("got %q", got)
	}
	if err := s.AddPattern(`(`); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestLogger_JSONScopes(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Output: &buf})

	l.WithRun("run-1").WithPhase("build").WithEntity("deployable", "api").Info("step recorded")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	for k, want := range map[string]string{
		"run_id":      "run-1",
		"phase":       "build",
		"entity_type": "deployable",
		"entity_id":   "api",
		"msg":         "step recorded",
	} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %s", k, rec[k], want)
		}
	}
}

func TestLogger_RedactsErrorsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "json", Output: &buf})
	secret := "ghp_" + strings.Repeat("q", 36)

	l.WithHook("notify", "post_build").Warn("hook failed",
		"error", errors.New("push rejected for "+secret),
		"stderr", "auth "+secret)

	out := buf.String()
	if strings.Contains(out, secret) {
		t.Fatalf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, `"hook":"notify"`) {
		t.Errorf("hook scope missing: %s", out)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Format: "text", Output: &buf})
	l.Info("quiet")
	l.Warn("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestLogger_FileOutput(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "faber.log")
	cfg := DefaultConfig()
	cfg.Format = "text"
	cfg.Output = &console
	cfg.File = path

	l := New(cfg)
	l.WithRun("r-9").Info("to both")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"r-9"`) {
		t.Errorf("file record missing scope: %s", data)
	}
	if !strings.Contains(console.String(), "to both") {
		t.Errorf("console missing record: %s", console.String())
	}
}

func TestPrettyHandler_ScopePrefix(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, slog.LevelDebug).WithAttrs([]slog.Attr{slog.String("run_id", "run-7")})

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "phase started", 0)
	rec.AddAttrs(slog.String("phase", "build"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	line := buf.String()
	if !strings.Contains(line, "[run-7]") || !strings.Contains(line, "phase started") {
		t.Errorf("unexpected pretty line: %q", line)
	}
	if !strings.Contains(line, "phase") || strings.Contains(line, "run_id=") {
		t.Errorf("scope attrs should be prefixed, others inline: %q", line)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext should never return nil")
	}
	l := NewNop().WithRun("x")
	if got := FromContext(IntoContext(context.Background(), l)); got != l {
		t.Error("FromContext did not return stored logger")
	}
}
