package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/onnwee/formcheck/auth"
	"github.com/onnwee/formcheck/config"
	"github.com/onnwee/formcheck/crypto"
	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/history"
)

// setupEnv points the CLI at a fresh SQLite database under a temp data dir.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.FileEnv, "")
	t.Setenv("DATA_DIR", dir)
	t.Setenv("DB_DSN", "sqlite://"+filepath.Join(dir, "formcheck.db"))
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("RETENTION_KEEP_DAYS", "")
	t.Setenv("RETENTION_KEEP_PER_USER", "")
	t.Setenv("RETENTION_DRY_RUN", "")
	return dir
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, "", args...)
	if err != nil {
		t.Fatalf("formctl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func openDB(t *testing.T, dir string) *sql.DB {
	t.Helper()
	database, _, err := db.Connect("sqlite://" + filepath.Join(dir, "formcheck.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrateCommands(t *testing.T) {
	setupEnv(t)
	if out := mustRun(t, "migrate", "up"); !strings.Contains(out, "schema version 1 (clean, sqlite)") {
		t.Fatalf("migrate up = %q", out)
	}
	if out := mustRun(t, "migrate", "version"); !strings.Contains(out, "schema version 1") {
		t.Fatalf("migrate version = %q", out)
	}
	if out := mustRun(t, "migrate", "down"); !strings.Contains(out, "rolled back") {
		t.Fatalf("migrate down = %q", out)
	}
	if out := mustRun(t, "migrate", "version"); !strings.Contains(out, "schema version 0") {
		t.Fatalf("version after down = %q", out)
	}
}

const legacyHistory = `[
 {"uploadTime":"3/15/2024, 2:30:45 PM","fileName":"11111111-1111-1111-1111-111111111111.mp4","fileSize":"10.00 KB","userId":"kim"},
 {"uploadTime":"3/16/2024, 9:00:00 AM","fileName":"22222222-2222-2222-2222-222222222222.avi","fileSize":"2048.00 KB","userId":"kim"},
 {"uploadTime":"3/16/2024, 9:00:00 AM","fileName":"","fileSize":"1.00 KB","userId":"lee"}
]`

func writeLegacy(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "history.json")
	if err := os.WriteFile(path, []byte(legacyHistory), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImportLegacyAndHistory(t *testing.T) {
	dir := setupEnv(t)
	path := writeLegacy(t, dir)

	if out := mustRun(t, "import-legacy", "--dry-run", "--tz", "UTC", path); !strings.Contains(out, "would import 2, skipped 0 already present, 1 invalid") {
		t.Fatalf("dry run = %q", out)
	}
	if out := mustRun(t, "history", "--user", "kim"); !strings.Contains(out, "No uploads found") {
		t.Fatalf("dry run wrote records: %q", out)
	}
	if out := mustRun(t, "import-legacy", "--tz", "UTC", path); !strings.Contains(out, "imported 2, skipped 0 already present, 1 invalid") {
		t.Fatalf("import = %q", out)
	}
	if out := mustRun(t, "import-legacy", "--tz", "UTC", path); !strings.Contains(out, "imported 0, skipped 2 already present") {
		t.Fatalf("rerun = %q", out)
	}

	out := mustRun(t, "history", "--user", "kim")
	for _, want := range []string{"11111111-1111-1111-1111-111111111111.mp4", "22222222-2222-2222-2222-222222222222.avi", "done", "2.1 MB"} {
		if !strings.Contains(out, want) {
			t.Errorf("history table missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, "history", "--json", "-n", "1")
	var uploads []history.Upload
	if err := json.Unmarshal([]byte(out), &uploads); err != nil {
		t.Fatalf("history --json: %v\n%s", err, out)
	}
	if len(uploads) != 1 || uploads[0].FileName != "22222222-2222-2222-2222-222222222222.avi" {
		t.Fatalf("most recent upload = %+v", uploads)
	}

	if _, err := runCLI(t, "", "import-legacy", "--tz", "Mars/Olympus", path); err == nil {
		t.Fatal("expected invalid time zone error")
	}
	if _, err := runCLI(t, "", "import-legacy"); err == nil {
		t.Fatal("expected missing argument error")
	}
}

func TestAdminPasswordCommands(t *testing.T) {
	dir := setupEnv(t)

	if _, err := runCLI(t, "short\n", "admin", "set-password"); err == nil || !strings.Contains(err.Error(), "at least") {
		t.Fatalf("short password err = %v", err)
	}
	if out, err := runCLI(t, "bowling-admin-1\n", "admin", "set-password"); err != nil || !strings.Contains(out, "updated") {
		t.Fatalf("set-password = %q, %v", out, err)
	}

	verify := func(pw string) bool {
		t.Helper()
		cfg, err := config.Load()
		if err != nil {
			t.Fatal(err)
		}
		m, err := auth.New(context.Background(), openDB(t, dir), cfg)
		if err != nil {
			t.Fatal(err)
		}
		ok, err := m.Verify(context.Background(), pw)
		if err != nil {
			t.Fatal(err)
		}
		return ok
	}
	if !verify("bowling-admin-1") {
		t.Fatal("password from stdin not stored")
	}

	legacy := filepath.Join(dir, "password.json")
	if err := os.WriteFile(legacy, []byte(`{"password":"1234"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if out := mustRun(t, "admin", "import-password", legacy); !strings.Contains(out, "imported") {
		t.Fatalf("import-password = %q", out)
	}
	if !verify("1234") {
		t.Fatal("legacy password not imported")
	}
}

func TestTokensEncrypt(t *testing.T) {
	setupEnv(t)
	if _, err := runCLI(t, "", "tokens", "encrypt"); err == nil || !strings.Contains(err.Error(), "ENCRYPTION_KEY") {
		t.Fatalf("missing key err = %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENCRYPTION_KEY", key)
	if out := mustRun(t, "tokens", "encrypt", "--dry-run"); !strings.Contains(out, "no plaintext tokens found") {
		t.Fatalf("tokens encrypt = %q", out)
	}
}

func TestRetentionCommand(t *testing.T) {
	dir := setupEnv(t)
	mustRun(t, "import-legacy", "--tz", "UTC", writeLegacy(t, dir))

	if _, err := runCLI(t, "", "retention"); err == nil {
		t.Fatal("expected error without a policy")
	}
	out := mustRun(t, "retention", "--keep-per-user", "1", "--dry-run")
	if !strings.Contains(out, "checked 2, retained 1, would purge 1") {
		t.Fatalf("retention dry run = %q", out)
	}
	out = mustRun(t, "history", "--user", "kim")
	if strings.Contains(out, "purged") {
		t.Fatalf("dry run purged a record:\n%s", out)
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"x"}, {"y", "z"}}, []columnAlignment{alignLeft, alignRight})
	for _, want := range []string{"A", "B", "x", "y", "z"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
	if renderTable(nil, nil, nil) != "" {
		t.Fatal("empty headers should render nothing")
	}
	if got := truncate("분석이 완료되었습니다.", 5); got != "분석이 …" {
		t.Fatalf("truncate = %q", got)
	}
}
