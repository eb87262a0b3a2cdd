package freeze

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/0k-tools/zk/internal/manifest"
	"github.com/0k-tools/zk/internal/quoting"
)

// writeFreezeScript emits a POSIX sh script that bind-mounts each
// non-symlink target's real content over its staged stub, then invokes
// mksquashfs against buildDir (excluding the script and lock file
// themselves) writing to dest. It is meant to run as the payload of
// `unshare -m`, so the bind mounts it creates are invisible outside that
// mount namespace and never need unmounting.
func writeFreezeScript(buildDir string, m *manifest.Manifest, opts Options, dest string) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")

	for _, e := range m.Files {
		if e.Type == manifest.KindSymlink {
			continue
		}
		src := filepath.Join(e.RestoreParent(), e.EntryName())
		destPath := filepath.Join(buildDir, "to_restore", strconv.FormatUint(uint64(e.ID), 10), e.EntryName())
		fmt.Fprintf(&b, "mount --bind %s %s\n", quoting.Quote(src), quoting.Quote(destPath))
	}

	comp := opts.Compression
	if comp == 0 {
		comp = 19
	}

	progressFlag := "-no-progress"
	switch opts.Progress {
	case ProgressVanilla:
		progressFlag = ""
	case ProgressAlfa:
		progressFlag = "-progress" // forced on so runFreezeScript can parse mksquashfs's own live percentage text off its stdout.
	}

	args := []string{"mksquashfs", quoting.Quote(buildDir), quoting.Quote(dest),
		"-e", "freeze.sh", ".lock",
		"-comp", "zstd", "-Xcompression-level", strconv.Itoa(comp)}
	if progressFlag != "" {
		args = append(args, progressFlag)
	}
	if opts.Overwrite {
		args = append(args, "-noappend")
	}
	b.WriteString(strings.Join(args, " "))
	b.WriteString("\n")

	scriptPath := filepath.Join(buildDir, "freeze.sh")
	if err := os.WriteFile(scriptPath, []byte(b.String()), 0o700); err != nil {
		return "", err
	}
	return scriptPath, nil
}
