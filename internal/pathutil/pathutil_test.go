package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCurrentUIDMatchesOsGetuid(t *testing.T) {
	uid, err := CurrentUID()
	if err != nil {
		t.Fatalf("CurrentUID: %v", err)
	}
	if uid != os.Getuid() {
		t.Errorf("CurrentUID() = %d, want %d", uid, os.Getuid())
	}
}

func TestCacheDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg-cache-test")
	dir, err := CacheDir()
	if err != nil {
		t.Fatalf("CacheDir: %v", err)
	}
	if dir != filepath.Join("/tmp/xdg-cache-test", "zk") {
		t.Errorf("CacheDir() = %q", dir)
	}
}

func TestValidateNoSymlinksInAncestorsRejectsSymlinkParent(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	err := ValidateNoSymlinksInAncestors(filepath.Join(link, "child", "file.txt"))
	if err == nil {
		t.Fatal("expected an error for a symlinked ancestor")
	}
}

func TestValidateNoSymlinksInAncestorsAllowsPlainPath(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ValidateNoSymlinksInAncestors(filepath.Join(sub, "new_file.txt")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
