package passverify

import (
	"path/filepath"
	"testing"
)

func TestVerifyAcceptsCorrectPassphrase(t *testing.T) {
	s, err := Generate("correct horse battery staple")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !s.Verify("correct horse battery staple") {
		t.Error("Verify rejected the passphrase it was generated from")
	}
	if s.Verify("wrong passphrase") {
		t.Error("Verify accepted a wrong passphrase")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.sqfs_luks.img.passverify")

	s, err := Generate("hunter2")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := s.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !got.Verify("hunter2") {
		t.Error("round-tripped sidecar rejected the correct passphrase")
	}
	if got.Verify("wrong") {
		t.Error("round-tripped sidecar accepted a wrong passphrase")
	}
}
