// internal/redundancy/redundancy.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package redundancy applies Reed-Solomon erasure coding to a finalized
// frozen image, storing parity data in a ".rs" sidecar so that bitrot or
// partial corruption in the image can be detected and, within the
// configured redundancy budget, repaired without needing a second copy
// of the archive.
//
// Adapted from the teacher's rdso package, which already operated on a
// file path plus a sidecar rather than the content-addressable chunk
// store the rest of that teacher built around, making it directly
// reusable here: freeze's optional --redundancy flag calls Protect after
// an image is finalized, and check and unfreeze call Verify (without
// repair) before mounting an archive.
package redundancy

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"

	"github.com/0k-tools/zk/internal/zklog"
)

// HashSize is the number of bytes in the hash values used to detect
// corrupted shards.
const HashSize = 64

// Hash is a SHAKE256 digest of a shard chunk.
type Hash [HashSize]byte

func hashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// Sidecar is the gob-encoded ".rs" file format: original file size, the
// shard layout, per-chunk hashes for both data and parity shards, and
// the parity shard bytes themselves.
type Sidecar struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash
	ParityShards               [][]byte
}

// DefaultDataShards and DefaultParityShards give roughly 20% redundancy,
// tolerating the loss of any one of five shards.
const (
	DefaultDataShards   = 4
	DefaultParityShards = 1
	DefaultHashRate     = 1 << 20 // hash every 1 MiB chunk
)

// Protect computes Reed-Solomon parity for imagePath and writes it to
// sidecarPath.
func Protect(imagePath, sidecarPath string) error {
	return EncodeFile(imagePath, sidecarPath, DefaultDataShards, DefaultParityShards, DefaultHashRate)
}

// EncodeFile shards imagePath into nDataShards, computes nParityShards
// of Reed-Solomon parity, and writes the result as a gob-encoded
// Sidecar to sidecarPath.
func EncodeFile(imagePath, sidecarPath string, nDataShards, nParityShards int, hashRate int64) error {
	rs := Sidecar{
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	dataShards, size, err := readAndShardFile(imagePath, nDataShards)
	if err != nil {
		return err
	}
	rs.FileSize = size

	for i := 0; i < nParityShards; i++ {
		rs.ParityShards = append(rs.ParityShards, make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}
	allShards := append(dataShards, rs.ParityShards...)
	if err := enc.Encode(allShards); err != nil {
		return err
	}

	ok, err := enc.Verify(allShards)
	if err != nil {
		return err
	}
	if !ok {
		return errNotVerified
	}

	for _, s := range dataShards {
		rs.Hashes = append(rs.Hashes, hashChunks(shard(s, hashRate)))
	}
	for _, s := range rs.ParityShards {
		rs.Hashes = append(rs.Hashes, hashChunks(shard(s, hashRate)))
	}

	fout, err := os.Create(sidecarPath)
	if err != nil {
		return err
	}
	defer fout.Close()
	return gob.NewEncoder(fout).Encode(rs)
}

var errNotVerified = genericErr("redundancy: parity verification failed immediately after encoding")

type genericErr string

func (e genericErr) Error() string { return string(e) }

func readAndShardFile(fn string, nshards int) (shards [][]byte, size int64, err error) {
	f, err := os.Open(fn)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	size = fi.Size()

	shardSize := (fi.Size() + int64(nshards) - 1) / int64(nshards)
	buf := make([]byte, int64(nshards)*shardSize)

	if _, err = io.ReadFull(f, buf[:fi.Size()]); err != nil {
		return
	}
	buf = buf[:cap(buf)]
	shards = shard(buf, shardSize)
	return
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hashChunks(chunks [][]byte) (hashes []Hash) {
	for _, c := range chunks {
		hashes = append(hashes, hashBytes(c))
	}
	return
}

// Verify checks imagePath against its sidecar without attempting
// repair, logging an error per mismatched shard; mismatches alone do not
// make it return an error.
func Verify(imagePath, sidecarPath string, log *zklog.Logger) error {
	return checkOrRestore(imagePath, sidecarPath, log, false)
}

// Repair checks imagePath against its sidecar and, if any shards are
// corrupted but recovery is possible within the parity budget, writes a
// reconstructed copy to imagePath+".recovered".
func Repair(imagePath, sidecarPath string, log *zklog.Logger) error {
	return checkOrRestore(imagePath, sidecarPath, log, true)
}

func checkOrRestore(fn, rsfn string, log *zklog.Logger, restore bool) error {
	rs, err := readSidecar(rsfn)
	if err != nil {
		return err
	}

	dataShards, _, err := readAndShardFile(fn, rs.NDataShards)
	if err != nil {
		return err
	}

	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	for _, s := range rs.ParityShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}

	errors := 0
	nHashChunks := len(allShards[0])
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if hashBytes(allShards[s][hc]) != rs.Hashes[s][hc] {
				logShardMismatch(log, fn, s, hc, len(dataShards), restore)
				errors++
				allShards[s][hc] = nil
			}
		}
	}

	if !restore || errors == 0 {
		return nil
	}

	enc, err := reedsolomon.New(rs.NDataShards, rs.NParityShards)
	if err != nil {
		return err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		missing := 0
		var recon [][]byte
		for _, s := range allShards {
			recon = append(recon, s[hc])
			if s[hc] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err := enc.Reconstruct(recon); err != nil {
				return err
			}
		}
		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*rs.HashRate:], recon[s])
		}
	}

	f, err := os.Create(fn + ".recovered")
	if err != nil {
		return err
	}
	defer f.Close()
	w := &limitedWriter{f, rs.FileSize}
	for _, s := range dataShards {
		if _, err := w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

func logShardMismatch(log *zklog.Logger, fn string, s, hc, nData int, restore bool) {
	kind := "data"
	idx := s
	if s >= nData {
		kind = "parity"
		idx = s - nData
	}
	if restore {
		log.Warning("%s: %s shard %d hash %d mismatch", fn, kind, idx, hc)
	} else {
		log.Error("%s: %s shard %d hash %d mismatch", fn, kind, idx, hc)
	}
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

func readSidecar(fn string) (Sidecar, error) {
	var rs Sidecar
	f, err := os.Open(fn)
	if err != nil {
		return rs, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&rs); err != nil {
		return rs, err
	}
	return rs, nil
}
