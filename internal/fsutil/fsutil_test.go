package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	good := []string{"movie.mkv", "a b c.txt", "file_1.bin", "ünïcode.dat"}
	for _, name := range good {
		if err := ValidateName(name); err != nil {
			t.Errorf("%q rejected: %v", name, err)
		}
	}

	bad := []string{
		"",
		"a/b.txt",
		"a\\b.txt",
		"..",
		"up..down.txt",
		"nul\x00byte",
		"ctrl\x07char",
		"CON",
		"lpt1",
		strings.Repeat("x", 300),
	}
	for _, name := range bad {
		if err := ValidateName(name); !errors.Is(err, ErrUnsafeName) {
			t.Errorf("%q accepted, want ErrUnsafeName (got %v)", name, err)
		}
	}
}

func TestSafeName(t *testing.T) {
	if got := SafeName("ok.bin", 3); got != "ok.bin" {
		t.Errorf("valid name rewritten: %s", got)
	}
	if got := SafeName("../evil", 3); got != "file_3" {
		t.Errorf("Expected fallback file_3, got %s", got)
	}
}

func TestEnsureTaskDirs(t *testing.T) {
	root := t.TempDir()
	base, files, err := EnsureTaskDirs(root, "task-1")
	if err != nil {
		t.Fatalf("EnsureTaskDirs failed: %v", err)
	}
	if base != filepath.Join(root, "task-1") || files != filepath.Join(base, "files") {
		t.Errorf("unexpected layout: %s / %s", base, files)
	}
	for _, name := range []string{"metadata.json", "logs.json"} {
		data, err := os.ReadFile(filepath.Join(base, name))
		if err != nil || string(data) != "{}\n" {
			t.Errorf("%s not seeded: %q / %v", name, data, err)
		}
	}

	// Idempotent, and existing content survives.
	if err := AppendLog(base, map[string]interface{}{"event": "x"}); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	if _, _, err := EnsureTaskDirs(root, "task-1"); err != nil {
		t.Fatalf("second EnsureTaskDirs failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(base, "logs.json"))
	if !strings.Contains(string(data), `"event":"x"`) {
		t.Errorf("log entry lost on re-ensure: %q", data)
	}
}

func TestAppendLogAddsTimestamp(t *testing.T) {
	base := t.TempDir()
	if err := AppendLog(base, map[string]interface{}{"message": "hi"}); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(base, "logs.json"))
	if !strings.Contains(string(data), `"ts":`) {
		t.Errorf("ts missing: %q", data)
	}
}

func TestCtrlPath(t *testing.T) {
	if got := CtrlPath("/x/files/a.bin"); got != "/x/files/a.bin.part" {
		t.Errorf("unexpected ctrl path %s", got)
	}
}

func TestOnDiskSize(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.bin")
	if got := OnDiskSize(p); got != 0 {
		t.Errorf("missing file must report 0, got %d", got)
	}
	os.WriteFile(p, []byte("12345"), 0o644)
	if got := OnDiskSize(p); got != 5 {
		t.Errorf("Expected 5, got %d", got)
	}
}

func TestDirWritable(t *testing.T) {
	if !DirWritable(t.TempDir()) {
		t.Error("temp dir must be writable")
	}
	// Probe file is cleaned up.
	dir := t.TempDir()
	DirWritable(dir)
	if _, err := os.Stat(filepath.Join(dir, ".write_test")); !os.IsNotExist(err) {
		t.Error("probe file left behind")
	}
}
