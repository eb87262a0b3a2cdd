package freeze

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/0k-tools/zk/internal/executor"
)

// archiveDecompressors maps a recognized archive suffix to the
// decompressor piped into tar, mirroring original_source's
// squash_manager-rs.rs decompressor selection (gzip/bzip2/xz -dc, or a
// plain cat for an uncompressed .tar). zstd, zip, 7z, and rar inputs
// from the original are out of scope here.
var archiveDecompressors = []struct {
	suffix string
	prog   string
	args   []string
}{
	{".tar.gz", "gzip", []string{"-dc"}},
	{".tgz", "gzip", []string{"-dc"}},
	{".tar.bz2", "bzip2", []string{"-dc"}},
	{".tbz2", "bzip2", []string{"-dc"}},
	{".tar.xz", "xz", []string{"-dc"}},
	{".txz", "xz", []string{"-dc"}},
	{".tar", "cat", nil},
}

// archiveDecompressorFor reports the decompressor for path's extension
// and the basename its extracted contents should take (path's name with
// the recognized suffix stripped).
func archiveDecompressorFor(path string) (prog string, args []string, stem string, ok bool) {
	base := filepath.Base(path)
	for _, d := range archiveDecompressors {
		if strings.HasSuffix(base, d.suffix) {
			return d.prog, d.args, strings.TrimSuffix(base, d.suffix), true
		}
	}
	return "", nil, "", false
}

// repackArchiveTarget extracts the archive at archivePath into a fresh
// directory under buildDir/archive_extract, using exec.RunPiped to
// stream the matching decompressor straight into tar rather than
// writing a decompressed copy to disk first. The returned directory is
// staged as an ordinary directory target by the rest of the freeze
// pipeline, so archive repacking needs no packer of its own.
//
// Only called for single-target freezes: a multi-target freeze whose
// targets happen to include an archive file just packs that file as an
// ordinary file entry, matching SPEC_FULL.md's "single-target only"
// scoping of this feature.
func repackArchiveTarget(ctx context.Context, exec executor.Executor, buildDir, archivePath string) (string, error) {
	prog, args, stem, ok := archiveDecompressorFor(archivePath)
	if !ok {
		return "", fmt.Errorf("freeze: unrecognized archive format: %s", archivePath)
	}

	extractDir := filepath.Join(buildDir, "archive_extract", stem)
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", err
	}

	decompArgs := append(append([]string{}, args...), archivePath)
	tarArgs := []string{"xf", "-", "-C", extractDir}

	if _, err := exec.RunPiped(ctx, prog, decompArgs, "tar", tarArgs); err != nil {
		return "", fmt.Errorf("freeze: extracting archive %s: %w", archivePath, err)
	}
	return extractDir, nil
}
