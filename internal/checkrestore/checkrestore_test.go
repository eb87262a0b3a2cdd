package checkrestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/redundancy"
	"github.com/0k-tools/zk/internal/zklog"
)

func TestOpenNonLuksMountsDirectly(t *testing.T) {
	f := executor.NewFake()
	f.On(executor.Result{}, errors.New("not a luks container"), "cryptsetup", "isLuks", "/tmp/plain.sqfs")
	f.OnAny(executor.Result{}, nil, "squashfuse")

	log := zklog.NewLogger(false, false)
	session, err := Open(context.Background(), f, log, "/tmp/plain.sqfs", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer os.RemoveAll(session.MountPoint)

	if session.mapperName != "" {
		t.Errorf("expected no mapper for a plain image, got %q", session.mapperName)
	}
	if session.MountPoint == "" {
		t.Error("expected a mount point to be assigned")
	}
}

func TestOpenVerifiesRedundancySidecarWhenPresent(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "image.sqfs")
	sidecarPath := imagePath + ".rs"

	if err := os.WriteFile(imagePath, []byte("squashfs payload spanning a few bytes of content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := redundancy.Protect(imagePath, sidecarPath); err != nil {
		t.Fatalf("redundancy.Protect: %v", err)
	}

	f := executor.NewFake()
	f.On(executor.Result{}, errors.New("not a luks container"), "cryptsetup", "isLuks", imagePath)
	f.OnAny(executor.Result{}, nil, "squashfuse")

	log := zklog.NewLogger(false, false)
	session, err := Open(context.Background(), f, log, imagePath, "")
	if err != nil {
		t.Fatalf("Open: %v (redundancy verification should only warn, never fail Open)", err)
	}
	defer os.RemoveAll(session.MountPoint)
}

func TestCompareFilesDetectsDifference(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(a, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("hello there"), 0o644); err != nil {
		t.Fatal(err)
	}

	eq, err := compareFiles(a, b)
	if err != nil {
		t.Fatalf("compareFiles: %v", err)
	}
	if eq {
		t.Error("expected files with different content to compare unequal")
	}
}

func TestCompareFilesHandlesContentLargerThanOneBuffer(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")

	content := make([]byte, 200*1024)
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(a, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, content, 0o644); err != nil {
		t.Fatal(err)
	}

	eq, err := compareFiles(a, b)
	if err != nil {
		t.Fatalf("compareFiles: %v", err)
	}
	if !eq {
		t.Error("expected identical multi-buffer files to compare equal")
	}

	content[150*1024]++
	if err := os.WriteFile(b, content, 0o644); err != nil {
		t.Fatal(err)
	}
	eq, err = compareFiles(a, b)
	if err != nil {
		t.Fatalf("compareFiles: %v", err)
	}
	if eq {
		t.Error("expected a single differing byte past the first buffer to compare unequal")
	}
}

func TestCompareFilesDetectsEquality(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	content := []byte("identical payload shorter than one buffer\n")
	if err := os.WriteFile(a, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, content, 0o644); err != nil {
		t.Fatal(err)
	}

	eq, err := compareFiles(a, b)
	if err != nil {
		t.Fatalf("compareFiles: %v", err)
	}
	if !eq {
		t.Error("expected identical files to compare equal")
	}
}
