package kernel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTool(t *testing.T, dir, name, script string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "kdumptool", `
echo "Directory: /boot"
echo "Kernel: /boot/vmlinuz-6.4.0-default"
echo "Initrd: /boot/initrd-6.4.0-default"`)

	kernel, err := Find(dir, "dummy.conf")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if kernel != "/boot/vmlinuz-6.4.0-default" {
		t.Errorf("unexpected kernel path %q", kernel)
	}
}

func TestFind_ConfigResolvedAgainstToolDir(t *testing.T) {
	dir := t.TempDir()
	// Echo the received configuration path back as the kernel path.
	writeTool(t, dir, "kdumptool", `echo "Kernel: $2"`)

	got, err := Find(dir, "dummy.conf")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	want := filepath.Join(dir, "dummy.conf")
	if got != want {
		t.Errorf("kdumptool received config %q, want %q; the config must not resolve against the process cwd", got, want)
	}
}

func TestFind_NoKernelKey(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "kdumptool", `echo "Directory: /boot"`)

	_, err := Find(dir, "dummy.conf")
	if !errors.Is(err, ErrKernelNotFound) {
		t.Fatalf("expected ErrKernelNotFound, got %v", err)
	}
}

func TestFind_ToolFailure(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "kdumptool", "exit 1")

	if _, err := Find(dir, "dummy.conf"); err == nil {
		t.Fatal("expected error when kdumptool fails")
	}
}
