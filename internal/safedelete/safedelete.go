// Package safedelete implements the guard rails around removing staging
// directories and stub restore targets: refuse to descend into a target
// unless every regular stub file inside is zero bytes, every entry is a
// regular file or directory (no symlinks, device nodes, or sockets), and
// no active mount point lies anywhere inside it. This is what makes it
// safe to rm -rf a staging tree whose files are in fact bind-mount
// stubs without risking a follow onto a rogue bind mount over live data.
package safedelete

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/0k-tools/zk/internal/mount"
)

// knownStagingFiles are the well-known, non-stub control files the
// freeze pipeline writes directly under a build directory's root
// (alongside the to_restore stub tree); their non-zero size is expected
// and not a sign of live data leaking past a stub.
var knownStagingFiles = map[string]bool{
	"list.yaml": true,
	"freeze.sh": true,
	".lock":     true,
}

// RemoveStagingDir removes dir after verifying every path inside it is
// either a known staging control file, pipeline-owned extracted archive
// content, or a safe stub (a zero-byte regular file or an empty
// directory), and that no active mount point exists anywhere inside the
// tree. Symlinks staged under to_restore/ represent finalized symlink
// manifest entries rather than bind-mount stubs, so they are exempt from
// the zero-byte/no-symlink rule but are still checked for mount points
// the same as everything else.
func RemoveStagingDir(dir string) error {
	if err := verifyStagingTree(dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func verifyStagingTree(dir string) error {
	toRestore := filepath.Join(dir, "to_restore")
	archiveExtract := filepath.Join(dir, "archive_extract")

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		active, merr := mount.IsMountPoint(path)
		if merr != nil {
			return merr
		}
		if active {
			return fmt.Errorf("safedelete: refusing to remove %s: it is an active mount point", path)
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr == nil && knownStagingFiles[rel] {
			return nil
		}

		// Archive-repacking extracts a tar stream straight onto disk as
		// this run's actual staged content, not a bind-mount stub over
		// live data, so its files aren't held to the zero-byte rule.
		// They're still checked above for stray mount points and below
		// for disallowed file types (device nodes, sockets).
		if path == archiveExtract || strings.HasPrefix(path, archiveExtract+string(filepath.Separator)) {
			switch {
			case info.Mode()&os.ModeSymlink != 0, info.IsDir(), info.Mode().IsRegular():
				return nil
			default:
				return fmt.Errorf("safedelete: refusing to remove %s: not a regular file, directory, or symlink entry", path)
			}
		}

		if info.Mode()&os.ModeSymlink != 0 {
			if strings.HasPrefix(path, toRestore+string(filepath.Separator)) {
				return nil
			}
			return fmt.Errorf("safedelete: refusing to remove %s: staging trees may not contain unexpected symlinks", path)
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("safedelete: refusing to remove %s: not a regular file, directory, or symlink entry", path)
		}
		if info.Size() != 0 {
			return fmt.Errorf("safedelete: refusing to remove %s: staging stub is not empty", path)
		}
		return nil
	})
}

// RemoveStub removes path only if it is an empty directory, a
// zero-length regular file, or a symlink — the three shapes a freeze
// pipeline stub can take — guarding against accidentally deleting
// content that was bind-mounted or populated after staging.
func RemoveStub(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return os.Remove(path)
	case fi.IsDir():
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		if len(entries) != 0 {
			return fmt.Errorf("safedelete: refusing to remove non-empty directory stub %s", path)
		}
		return os.Remove(path)
	default:
		if fi.Size() != 0 {
			return fmt.Errorf("safedelete: refusing to remove non-empty file stub %s", path)
		}
		return os.Remove(path)
	}
}
