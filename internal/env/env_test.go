package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetters(t *testing.T) {
	t.Setenv("PARTBACKUP_TEST_STRING", "  /data/out  ")
	t.Setenv("PARTBACKUP_TEST_DURATION", "90s")
	t.Setenv("PARTBACKUP_TEST_SECONDS", "120")
	t.Setenv("PARTBACKUP_TEST_INT", "7")
	t.Setenv("PARTBACKUP_TEST_BOOL", "yes")
	t.Setenv("PARTBACKUP_TEST_BAD", "nope")

	if got := String("PARTBACKUP_TEST_STRING", "x"); got != "/data/out" {
		t.Fatalf("String = %q", got)
	}
	if got := String("PARTBACKUP_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("String fallback = %q", got)
	}
	if got := Duration("PARTBACKUP_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("Duration = %s", got)
	}
	if got := Duration("PARTBACKUP_TEST_SECONDS", time.Second); got != 2*time.Minute {
		t.Fatalf("Duration seconds = %s", got)
	}
	if got := Duration("PARTBACKUP_TEST_BAD", time.Second); got != time.Second {
		t.Fatalf("Duration fallback = %s", got)
	}
	if got := Int("PARTBACKUP_TEST_INT", 1); got != 7 {
		t.Fatalf("Int = %d", got)
	}
	if got := Bool("PARTBACKUP_TEST_BOOL", false); !got {
		t.Fatalf("Bool = false, want true")
	}
	if got := Bool("PARTBACKUP_TEST_BAD", true); !got {
		t.Fatalf("Bool fallback = false, want true")
	}
}

func writeDotEnv(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestFindDotEnvLookupOrder(t *testing.T) {
	root := t.TempDir()
	if stray, _ := findDotEnv(searchRoots{workDir: root}); stray != "" {
		t.Skipf("dotenv file above the temp dir: %s", stray)
	}
	project := filepath.Join(root, "project")
	work := filepath.Join(project, "out", "logs")
	exeDir := filepath.Join(root, "toolbox")
	for _, dir := range []string{work, exeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	exeEnv := writeDotEnv(t, exeDir, "ADB_PATH=/toolbox/adb\n")

	// nothing up the working tree: fall back to the executable's folder
	got, err := findDotEnv(searchRoots{workDir: work, exeDir: exeDir})
	if err != nil || got != exeEnv {
		t.Fatalf("findDotEnv = %q, %v, want %q", got, err, exeEnv)
	}

	// a parent of the working directory wins over the executable's folder
	projectEnv := writeDotEnv(t, project, "ADB_PATH=/project/adb\n")
	got, err = findDotEnv(searchRoots{workDir: work, exeDir: exeDir})
	if err != nil || got != projectEnv {
		t.Fatalf("findDotEnv = %q, %v, want %q", got, err, projectEnv)
	}

	// the explicit file wins over both
	override := filepath.Join(root, "lab.env")
	if err := os.WriteFile(override, []byte("ADB_PATH=/lab/adb\n"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	got, err = findDotEnv(searchRoots{override: override, workDir: work, exeDir: exeDir})
	if err != nil || got != override {
		t.Fatalf("findDotEnv = %q, %v, want %q", got, err, override)
	}
}

func TestFindDotEnvMissingOverride(t *testing.T) {
	dir := t.TempDir()
	writeDotEnv(t, dir, "A=1\n")
	if _, err := findDotEnv(searchRoots{override: filepath.Join(dir, "missing.env"), workDir: dir}); err == nil {
		t.Fatalf("expected error for a missing %s", EnvFile)
	}
	if _, err := findDotEnv(searchRoots{override: dir}); err == nil {
		t.Fatalf("expected error when %s is a directory", EnvFile)
	}
}

func TestLoadKeepsExistingVariables(t *testing.T) {
	dir := t.TempDir()
	path := writeDotEnv(t, dir, "PARTBACKUP_TEST_FROM_FILE=file\nPARTBACKUP_TEST_PRESET=file\n")
	t.Setenv("PARTBACKUP_TEST_PRESET", "shell")
	t.Setenv("PARTBACKUP_TEST_FROM_FILE", "")
	os.Unsetenv("PARTBACKUP_TEST_FROM_FILE")

	got, err := load(searchRoots{exeDir: dir})
	if err != nil || got != path {
		t.Fatalf("load = %q, %v, want %q", got, err, path)
	}
	if v := os.Getenv("PARTBACKUP_TEST_FROM_FILE"); v != "file" {
		t.Fatalf("PARTBACKUP_TEST_FROM_FILE = %q", v)
	}
	if v := os.Getenv("PARTBACKUP_TEST_PRESET"); v != "shell" {
		t.Fatalf("PARTBACKUP_TEST_PRESET = %q, want shell", v)
	}
}
