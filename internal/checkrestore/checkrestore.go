// Package checkrestore implements the check and unfreeze (restore)
// operations: mount a frozen image, compare or copy its contents against
// their live locations, and report or apply the result.
//
// Grounded on original_source's engine.rs check/check_item/
// restore_from_mount, and on the teacher's cmd/bk/backup.go
// parallelContext for the bounded-concurrency directory walk.
package checkrestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/0k-tools/zk/internal/container"
	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/manifest"
	"github.com/0k-tools/zk/internal/mount"
	"github.com/0k-tools/zk/internal/passverify"
	"github.com/0k-tools/zk/internal/privilege"
	"github.com/0k-tools/zk/internal/redundancy"
	"github.com/0k-tools/zk/internal/zkerr"
	"github.com/0k-tools/zk/internal/zklog"
)

// Stats accumulates the running counters check reports, matching
// original_source's stats_* fields.
type Stats struct {
	FilesMatched   int
	DirsMatched    int
	LinksMatched   int
	Mismatch       int
	Missing        int
	ArchiveMissing int
	Skipped        int
	FilesDeleted   int
	DirsDeleted    int
	LinksDeleted   int

	mu sync.Mutex
}

func (s *Stats) add(f func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

// MountSession holds an opened, mounted image for the duration of a
// check or unfreeze operation and releases both the mount and, if
// present, the LUKS mapper when closed — the Go equivalent of
// original_source's UnmountGuard, expressed as an explicit Close method
// since Go has no destructors.
type MountSession struct {
	MountPoint string
	mapperName string
	imagePath  string
	exec       executor.Executor
	log        *zklog.Logger
	runner     []string
}

// Open mounts imagePath, transparently opening it as a LUKS container
// first if it is one. A LUKS image requires root; Open resolves a runner
// from the privilege policy (none when already root) and opens the
// container through it. It returns a PermissionDenied error when no
// runner can be resolved, or when a passphrase-verifier sidecar rejects
// the passphrase.
//
// If a "<imagePath>.rs" Reed-Solomon sidecar exists alongside the image
// (written by freeze --redundancy), Open verifies the image against it
// before mounting and logs any shard mismatch, rather than
// failing the whole check/restore outright on bitrot that hasn't (yet)
// corrupted anything check actually reads.
func Open(ctx context.Context, exec executor.Executor, log *zklog.Logger, imagePath, passphrase string) (*MountSession, error) {
	sidecarPath := imagePath + ".rs"
	if _, err := os.Stat(sidecarPath); err == nil {
		if err := redundancy.Verify(imagePath, sidecarPath, log); err != nil {
			log.Warning("check: redundancy verification failed: %v", err)
		}
	}

	isLuks := container.IsLuks(ctx, exec, imagePath)

	policy := privilege.NewPolicy()
	var runner []string
	source := imagePath

	if isLuks {
		if sc, err := passverify.ReadFile(passverify.SidecarPath(imagePath)); err == nil {
			if !sc.Verify(passphrase) {
				return nil, zkerr.New(zkerr.PermissionDenied, "incorrect passphrase provided", nil)
			}
		}

		r, err := policy.Runner("opening encrypted image", func(s string) { log.Warning("%s", s) })
		if err != nil {
			return nil, zkerr.Wrapf(zkerr.PermissionDenied, err, "root required to open encrypted image")
		}
		runner = r

		mapperPath, mapperName, err := container.Open(ctx, exec, runner, imagePath)
		if err != nil {
			return nil, zkerr.Wrapf(zkerr.ContainerError, err, "opening LUKS container")
		}
		source = mapperPath

		mountPoint, err := freeMountPoint()
		if err != nil {
			container.Close(ctx, exec, runner, log, mapperName)
			return nil, err
		}
		if err := mount.MountSquashfs(ctx, exec, source, mountPoint); err != nil {
			container.Close(ctx, exec, runner, log, mapperName)
			return nil, zkerr.Wrapf(zkerr.ExecutionError, err, "mounting image")
		}

		return &MountSession{MountPoint: mountPoint, mapperName: mapperName, imagePath: imagePath, exec: exec, log: log, runner: runner}, nil
	}

	mountPoint, err := freeMountPoint()
	if err != nil {
		return nil, err
	}
	if err := mount.MountSquashfs(ctx, exec, source, mountPoint); err != nil {
		return nil, zkerr.Wrapf(zkerr.ExecutionError, err, "mounting image")
	}
	return &MountSession{MountPoint: mountPoint, imagePath: imagePath, exec: exec, log: log}, nil
}

func freeMountPoint() (string, error) {
	base := os.TempDir()
	return mount.FreeMountPoint(base, fmt.Sprintf("zk_%d", os.Getpid()))
}

// Close unmounts the image, closes the mapper if it was a LUKS
// container, and removes the mount point directory.
func (s *MountSession) Close(ctx context.Context) error {
	err := mount.Unmount(ctx, s.exec, s.MountPoint)
	if s.mapperName != "" {
		container.Close(ctx, s.exec, s.runner, s.log, s.mapperName)
	}
	os.Remove(s.MountPoint)
	return err
}

// Manifest reads and validates list.yaml from the mounted image root.
func (s *MountSession) Manifest() (*manifest.Manifest, error) {
	return manifest.ReadFile(filepath.Join(s.MountPoint, "list.yaml"))
}

func entryMountRoot(mountPoint string, e *manifest.Entry) string {
	return filepath.Join(mountPoint, "to_restore", fmt.Sprint(e.ID), e.EntryName())
}

func entryLiveRoot(e *manifest.Entry) string {
	return filepath.Join(e.RestoreParent(), e.EntryName())
}

// compareFiles does a buffered byte-for-byte comparison of two regular
// files, used when --compare is requested instead of trusting size
// alone. Each side is filled via io.ReadFull before comparing, so a
// filesystem that legitimately returns a short read on one side of a
// given chunk (common across bind mounts and squashfs) doesn't register
// as a content mismatch just because the two sides' underlying read()
// calls happened to return different byte counts.
func compareFiles(p1, p2 string) (bool, error) {
	f1, err := os.Open(p1)
	if err != nil {
		return false, err
	}
	defer f1.Close()
	f2, err := os.Open(p2)
	if err != nil {
		return false, err
	}
	defer f2.Close()

	const bufSize = 64 * 1024
	b1 := make([]byte, bufSize)
	b2 := make([]byte, bufSize)
	for {
		n1, err1 := io.ReadFull(f1, b1)
		if err1 != nil && err1 != io.EOF && err1 != io.ErrUnexpectedEOF {
			return false, err1
		}
		n2, err2 := io.ReadFull(f2, b2)
		if err2 != nil && err2 != io.EOF && err2 != io.ErrUnexpectedEOF {
			return false, err2
		}

		if n1 != n2 || !bytes.Equal(b1[:n1], b2[:n2]) {
			return false, nil
		}

		done1 := err1 == io.EOF || err1 == io.ErrUnexpectedEOF
		done2 := err2 == io.EOF || err2 == io.ErrUnexpectedEOF
		if done1 != done2 {
			return false, nil
		}
		if done1 {
			return true, nil
		}
	}
}
