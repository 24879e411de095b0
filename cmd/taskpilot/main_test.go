package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveHomeDirEnvOverride(t *testing.T) {
	t.Setenv("TASKPILOT_HOME", "/tmp/taskpilot-test-home")
	dir, err := resolveHomeDir()
	if err != nil {
		t.Fatalf("resolveHomeDir: %v", err)
	}
	if dir != "/tmp/taskpilot-test-home" {
		t.Fatalf("dir = %q, want env override", dir)
	}
}

func TestResolveHomeDirDefault(t *testing.T) {
	t.Setenv("TASKPILOT_HOME", "")
	dir, err := resolveHomeDir()
	if err != nil {
		t.Fatalf("resolveHomeDir: %v", err)
	}
	if filepath.Base(dir) != ".taskpilot" {
		t.Fatalf("dir = %q, want ~/.taskpilot", dir)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nTP_TEST_A=alpha\n\nTP_TEST_B = beta \nBADLINE\n=novalue\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TP_TEST_A", "")
	os.Unsetenv("TP_TEST_A")
	t.Setenv("TP_TEST_B", "preset")
	defer os.Unsetenv("TP_TEST_A")

	loadDotEnv(path)

	if got := os.Getenv("TP_TEST_A"); got != "alpha" {
		t.Fatalf("TP_TEST_A = %q, want alpha", got)
	}
	if got := os.Getenv("TP_TEST_B"); got != "preset" {
		t.Fatalf("TP_TEST_B = %q, existing env must win", got)
	}
}

func TestLoadDotEnvMissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "does-not-exist"))
}
