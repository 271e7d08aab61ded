package ipc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PavelBrokhman/paradox/internal/testutil/testlog"
)

func writeExe(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestServerCopyCreatesSibling(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	exe := filepath.Join(dir, "hostctl")
	writeExe(t, exe, "binary-v1")

	l := NewLauncher()
	copied, err := l.serverCopy(exe, "/opt/tools/builder")
	if err != nil {
		t.Fatalf("serverCopy: %v", err)
	}
	if copied != filepath.Join(dir, "builder.host") {
		t.Fatalf("copy landed at %q", copied)
	}

	data, err := os.ReadFile(copied)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(data) != "binary-v1" {
		t.Fatalf("copy content = %q", data)
	}
	info, err := os.Stat(copied)
	if err != nil {
		t.Fatalf("stat copy: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatalf("copy is not executable: %v", info.Mode())
	}
}

func TestServerCopyReusedWhileFresh(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	exe := filepath.Join(dir, "hostctl")
	writeExe(t, exe, "binary-v1")

	l := NewLauncher()
	copied, err := l.serverCopy(exe, "/opt/tools/builder")
	if err != nil {
		t.Fatalf("serverCopy: %v", err)
	}

	// Rewriting the executable with an older timestamp must not refresh the
	// copy; the copy is stale only when the executable is newer.
	writeExe(t, exe, "binary-v2")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(exe, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	again, err := l.serverCopy(exe, "/opt/tools/builder")
	if err != nil {
		t.Fatalf("serverCopy reuse: %v", err)
	}
	if again != copied {
		t.Fatalf("reuse returned %q, want %q", again, copied)
	}
	data, _ := os.ReadFile(copied)
	if string(data) != "binary-v1" {
		t.Fatalf("fresh copy was rewritten: %q", data)
	}
}

func TestServerCopyRefreshedWhenStale(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	exe := filepath.Join(dir, "hostctl")
	writeExe(t, exe, "binary-v1")

	l := NewLauncher()
	copied, err := l.serverCopy(exe, "/opt/tools/builder")
	if err != nil {
		t.Fatalf("serverCopy: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(copied, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	writeExe(t, exe, "binary-v2")
	if _, err := l.serverCopy(exe, "/opt/tools/builder"); err != nil {
		t.Fatalf("serverCopy refresh: %v", err)
	}
	data, _ := os.ReadFile(copied)
	if string(data) != "binary-v2" {
		t.Fatalf("stale copy not refreshed: %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp debris left behind: %s", e.Name())
		}
	}
}
