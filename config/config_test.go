package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		FileEnv, "HTTP_ADDR", "DB_DSN", "DATA_DIR", "UPLOAD_DIR", "REFERENCE_DIR",
		"ANALYZER_CMD", "ANALYZER_TIMEOUT", "ANALYZE_MAX_ATTEMPTS", "MAX_CONCURRENT_ANALYSES",
		"UPLOAD_MAX_BYTES", "YT_PRIVACY", "SESSION_TTL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q, want :3000", cfg.HTTPAddr)
	}
	if cfg.UploadDir != filepath.Join("data", "uploads") {
		t.Errorf("UploadDir = %q", cfg.UploadDir)
	}
	if cfg.ReferenceDir != filepath.Join("data", "references") {
		t.Errorf("ReferenceDir = %q", cfg.ReferenceDir)
	}
	if !strings.HasPrefix(cfg.DBDsn, "sqlite://") {
		t.Errorf("DBDsn = %q, want sqlite default", cfg.DBDsn)
	}
	if cfg.AnalyzeMaxAttempts != 3 || cfg.MaxConcurrentAnalyses != 1 {
		t.Errorf("unexpected analysis defaults: %+v", cfg)
	}
	if cfg.PublishingEnabled() {
		t.Error("publishing should be disabled without youtube credentials")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATA_DIR", "/srv/formcheck")
	t.Setenv("ANALYZER_TIMEOUT", "90s")
	t.Setenv("ANALYZE_MAX_ATTEMPTS", "5")
	t.Setenv("UPLOAD_MAX_BYTES", "1024")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.UploadDir != "/srv/formcheck/uploads" {
		t.Errorf("UploadDir = %q", cfg.UploadDir)
	}
	if cfg.DBDsn != "sqlite:///srv/formcheck/formcheck.db" {
		t.Errorf("DBDsn = %q", cfg.DBDsn)
	}
	if cfg.AnalyzerTimeout != 90*time.Second {
		t.Errorf("AnalyzerTimeout = %v", cfg.AnalyzerTimeout)
	}
	if cfg.AnalyzeMaxAttempts != 5 {
		t.Errorf("AnalyzeMaxAttempts = %d", cfg.AnalyzeMaxAttempts)
	}
	if cfg.UploadMaxBytes != 1024 {
		t.Errorf("UploadMaxBytes = %d", cfg.UploadMaxBytes)
	}
}

func TestTOMLFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "formcheck.toml")
	body := `
http_addr = ":9000"
analyzer_cmd = "python3 compare.py"
analyze_interval = "2s"
max_concurrent_analyses = 2

[youtube]
client_id = "cid"
client_secret = "secret"
redirect_uri = "http://localhost/cb"
privacy = "Private"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(FileEnv, path)
	t.Setenv("HTTP_ADDR", ":9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}
	if cfg.HTTPAddr != ":9100" {
		t.Errorf("env should win over file, got %q", cfg.HTTPAddr)
	}
	if cfg.AnalyzerCmd != "python3 compare.py" {
		t.Errorf("AnalyzerCmd = %q", cfg.AnalyzerCmd)
	}
	if cfg.AnalyzeInterval != 2*time.Second {
		t.Errorf("AnalyzeInterval = %v", cfg.AnalyzeInterval)
	}
	if cfg.MaxConcurrentAnalyses != 2 {
		t.Errorf("MaxConcurrentAnalyses = %d", cfg.MaxConcurrentAnalyses)
	}
	if cfg.YTPrivacy != "private" {
		t.Errorf("YTPrivacy = %q, want normalized private", cfg.YTPrivacy)
	}
	if !cfg.PublishingEnabled() {
		t.Error("publishing should be enabled with youtube credentials")
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad duration", "ANALYZER_TIMEOUT", "ten minutes", "ANALYZER_TIMEOUT"},
		{"bad integer", "ANALYZE_MAX_ATTEMPTS", "many", "ANALYZE_MAX_ATTEMPTS"},
		{"zero attempts", "ANALYZE_MAX_ATTEMPTS", "0", "max attempts"},
		{"bad privacy", "YT_PRIVACY", "friends", "privacy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.val)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestUnknownTOMLKeyRejected(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte(`unknown_key = 1`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected unknown key error")
	}
}
