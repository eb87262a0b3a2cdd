package redundancy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/0k-tools/zk/internal/zklog"
)

func writeRandomImage(t *testing.T, path string, size int) {
	t.Helper()
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i * 7 % 251)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProtectAndVerifyCleanImage(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "image.sqfs")
	sidecar := img + ".rs"
	writeRandomImage(t, img, 64*1024)

	if err := Protect(img, sidecar); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	log := zklog.NewLogger(false, false)
	if err := Verify(img, sidecar, log); err != nil {
		t.Fatalf("Verify on an unmodified image should succeed: %v", err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "image.sqfs")
	sidecar := img + ".rs"
	writeRandomImage(t, img, 64*1024)

	if err := Protect(img, sidecar); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	data, err := os.ReadFile(img)
	if err != nil {
		t.Fatal(err)
	}
	data[100] ^= 0xFF
	if err := os.WriteFile(img, data, 0o644); err != nil {
		t.Fatal(err)
	}

	log := zklog.NewLogger(false, false)
	if err := Verify(img, sidecar, log); err != nil {
		t.Fatalf("Verify should report mismatches without returning an error itself: %v", err)
	}
}

func TestRepairReconstructsCorruptedImage(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "image.sqfs")
	sidecar := img + ".rs"
	writeRandomImage(t, img, 64*1024)

	if err := Protect(img, sidecar); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	data, err := os.ReadFile(img)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := append([]byte(nil), data...)
	corrupted[1000] ^= 0xFF
	if err := os.WriteFile(img, corrupted, 0o644); err != nil {
		t.Fatal(err)
	}

	log := zklog.NewLogger(false, false)
	if err := Repair(img, sidecar, log); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	recovered, err := os.ReadFile(img + ".recovered")
	if err != nil {
		t.Fatalf("expected a .recovered file: %v", err)
	}
	if len(recovered) != len(data) {
		t.Fatalf("recovered length = %d, want %d", len(recovered), len(data))
	}
}
