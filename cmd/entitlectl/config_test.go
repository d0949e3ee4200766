package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entitle.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != "memory" || cfg.HTTP.Addr != ":8080" || cfg.HTTP.BasePath != "/entitle" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
store:
  driver: sqlite
  url: /var/lib/entitle/entitle.db
reconcile:
  interval: 1h
  grace_days: 14
dispatch:
  call_timeout: 5s
`)
	t.Setenv("ENTITLE_GRACE_DAYS", "21")
	t.Setenv("ENTITLE_PUBLIC_BASE_URL", "https://example.test/p")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.URL != "/var/lib/entitle/entitle.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Reconcile.Interval != time.Hour || cfg.Dispatch.CallTimeout != 5*time.Second {
		t.Errorf("durations: reconcile %v, call timeout %v", cfg.Reconcile.Interval, cfg.Dispatch.CallTimeout)
	}
	if cfg.Reconcile.GraceDays != 21 {
		t.Errorf("grace days = %d, env override not applied", cfg.Reconcile.GraceDays)
	}
	if cfg.PublicBaseURL != "https://example.test/p" {
		t.Errorf("public base url = %q", cfg.PublicBaseURL)
	}
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("ENTITLE_HTTP_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("ENTITLE_HTTP_ADDR") })

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("addr = %q, want :9999", cfg.HTTP.Addr)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"unknown driver", "store:\n  driver: oracle\n", "unknown store driver"},
		{"postgres without url", "store:\n  driver: postgres\n", "store.url is required"},
		{"mongo without database", "store:\n  driver: mongo\n  url: mongodb://localhost\n", "store.database"},
		{"negative grace", "reconcile:\n  grace_days: -1\n", "grace_days"},
		{"malformed yaml", "store: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestMigrateAndReconcileCommands(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, "store:\n  driver: sqlite\n  url: "+filepath.Join(t.TempDir(), "entitle.db")+"\n")

	for _, args := range [][]string{
		{"migrate", "--config", path},
		{"reconcile", "--config", path},
		{"dispatch", "--config", path},
	} {
		t.Run(args[0], func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(args)
			cmd.SetOut(&bytes.Buffer{})
			if err := cmd.ExecuteContext(context.Background()); err != nil {
				t.Fatalf("%s: %v", args[0], err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(LogConfig{Level: "warn", Format: "json"}, &buf).Info("hidden")
	newLogger(LogConfig{Level: "warn", Format: "json"}, &buf).Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("log output = %q", out)
	}
}
