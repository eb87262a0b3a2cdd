// Package passverify implements a fast passphrase-verifier sidecar for
// encrypted images: a small file written alongside a LUKS container at
// creation time that lets check/unfreeze report "incorrect passphrase"
// immediately, without waiting on a full cryptsetup open attempt.
//
// The key-derivation scheme is adapted from the teacher's
// storage/encrypted.go (PBKDF2, 65536 rounds of SHA-256, a 64-byte
// derived key split into a 32-byte verification hash and a 32-byte
// key-encryption key), narrowed to verification only: the real
// encryption key here is LUKS's own, managed by cryptsetup, so this
// package never encrypts payload data, only stores a verifier.
package passverify

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	rounds   = 65536
	saltLen  = 32
	derivLen = 64
)

// Sidecar is the on-disk representation of a passphrase verifier.
type Sidecar struct {
	Salt []byte
	Hash []byte // first 32 bytes of the derived key
}

// Generate derives a verifier for passphrase, to be written alongside a
// freshly LUKS-formatted image.
func Generate(passphrase string) (*Sidecar, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	derived := pbkdf2.Key([]byte(passphrase), salt, rounds, derivLen, sha256.New)
	return &Sidecar{Salt: salt, Hash: derived[:32]}, nil
}

// Verify reports whether passphrase matches the sidecar previously
// generated for an image, using a constant-time comparison.
func (s *Sidecar) Verify(passphrase string) bool {
	derived := pbkdf2.Key([]byte(passphrase), s.Salt, rounds, derivLen, sha256.New)
	return subtle.ConstantTimeCompare(derived[:32], s.Hash) == 1
}

// WriteFile writes the sidecar to path as two hex-encoded lines: salt,
// then hash.
func (s *Sidecar) WriteFile(path string) error {
	content := fmt.Sprintf("%s\n%s\n", hex.EncodeToString(s.Salt), hex.EncodeToString(s.Hash))
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadFile reads a sidecar previously written by WriteFile.
func ReadFile(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		return nil, fmt.Errorf("passverify: malformed sidecar %s", path)
	}
	salt, err := hex.DecodeString(lines[0])
	if err != nil {
		return nil, err
	}
	hash, err := hex.DecodeString(lines[1])
	if err != nil {
		return nil, err
	}
	return &Sidecar{Salt: salt, Hash: hash}, nil
}

// SidecarPath returns the verifier sidecar path for an image path.
func SidecarPath(imagePath string) string {
	return imagePath + ".passverify"
}
