package staging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/0k-tools/zk/internal/zklog"
)

func TestPrepareCreatesLockedDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	b, err := Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer b.Close()

	if _, err := os.Stat(filepath.Join(b.Dir, ".lock")); err != nil {
		t.Errorf("expected a .lock file: %v", err)
	}

	stale, err := isStale(b.Dir)
	if err != nil {
		t.Fatalf("isStale: %v", err)
	}
	if stale {
		t.Error("a freshly prepared build should not be considered stale while its lock is held")
	}
}

func TestIsStaleAfterClose(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	b, err := Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	b.Close()

	stale, err := isStale(b.Dir)
	if err != nil {
		t.Fatalf("isStale: %v", err)
	}
	if !stale {
		t.Error("a build whose lock was released should be stale")
	}
}

func TestIsStaleNoLockFileFallsBackToAge(t *testing.T) {
	dir := t.TempDir()
	build := filepath.Join(dir, "build_no_lock")
	if err := os.Mkdir(build, 0o700); err != nil {
		t.Fatal(err)
	}

	stale, err := isStale(build)
	if err != nil {
		t.Fatalf("isStale: %v", err)
	}
	if stale {
		t.Error("a brand new lock-less directory should not yet be stale")
	}

	old := time.Now().Add(-2 * StaleAge)
	if err := os.Chtimes(build, old, old); err != nil {
		t.Fatal(err)
	}
	stale, err = isStale(build)
	if err != nil {
		t.Fatalf("isStale: %v", err)
	}
	if !stale {
		t.Error("an old lock-less directory should be stale")
	}
}

func TestGCReclaimsAbandonedBuild(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	b, err := Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	b.Close()

	log := zklog.NewLogger(false, false)
	if err := GC(log); err != nil {
		t.Fatalf("GC: %v", err)
	}

	if _, err := os.Stat(b.Dir); !os.IsNotExist(err) {
		t.Errorf("expected abandoned build dir to be removed, stat err = %v", err)
	}
}

func TestGCLeavesLiveBuildAlone(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	b, err := Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer b.Close()

	log := zklog.NewLogger(false, false)
	if err := GC(log); err != nil {
		t.Fatalf("GC: %v", err)
	}

	if _, err := os.Stat(b.Dir); err != nil {
		t.Errorf("expected live build dir to survive GC: %v", err)
	}
}
