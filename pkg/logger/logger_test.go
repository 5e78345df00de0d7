package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAuditToRotatingFile(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app", "service.log")
	auditLog := filepath.Join(dir, "audit", "releases.log")

	err := Init(Config{
		Level:       "debug",
		Format:      "text",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog},
	})
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Named("grant").Debug("warming up")
	Audit().Info("grant_released", "verification_hash", "h1")

	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	appContent, err := os.ReadFile(appLog)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(appContent), "component=grant") {
		t.Fatalf("expected component attribute in app log, got %q", appContent)
	}

	auditContent, err := os.ReadFile(auditLog)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(auditContent), `"verification_hash":"h1"`) {
		t.Fatalf("expected JSON audit entry, got %q", auditContent)
	}
	if strings.Contains(string(appContent), "grant_released") {
		t.Fatalf("audit entries must not leak into the application log")
	}
}

func TestAuditFallsBackToDefault(t *testing.T) {
	if err := Init(Config{Level: "warn"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if Audit() == nil || L() == nil {
		t.Fatalf("loggers must never be nil")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"verbose": "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
