package freeze

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/manifest"
)

func TestNamespaceArgsEncryptedOrRootUsesNoUserNamespace(t *testing.T) {
	got := namespaceArgs(true, false)
	if contains(got, "-U") {
		t.Errorf("encrypted freezes should not request a user namespace: %v", got)
	}

	got = namespaceArgs(false, true)
	if contains(got, "-U") {
		t.Errorf("rootful freezes should not request a user namespace: %v", got)
	}
}

func TestNamespaceArgsUnprivilegedUsesUserNamespace(t *testing.T) {
	got := namespaceArgs(false, false)
	if !contains(got, "-U") || !contains(got, "-r") {
		t.Errorf("unprivileged freezes should request a rootless user namespace: %v", got)
	}
}

func TestResolveOutputPathDerivesFromTarget(t *testing.T) {
	opts := Options{Targets: []string{"/home/user/project"}}
	path := resolveOutputPath(opts)
	if !strings.HasPrefix(path, "project_") || !strings.HasSuffix(path, ".sqfs") {
		t.Errorf("resolveOutputPath() = %q", path)
	}
}

func TestResolveOutputPathEncryptedExtension(t *testing.T) {
	opts := Options{Targets: []string{"/home/user/project"}, Encrypt: true}
	path := resolveOutputPath(opts)
	if !strings.HasSuffix(path, ".sqfs_luks.img") {
		t.Errorf("resolveOutputPath() = %q, want sqfs_luks.img suffix", path)
	}
}

func TestResolveOutputPathHonorsExplicitOutput(t *testing.T) {
	opts := Options{Targets: []string{"/x"}, OutputPath: "/tmp/explicit.img"}
	if got := resolveOutputPath(opts); got != "/tmp/explicit.img" {
		t.Errorf("resolveOutputPath() = %q, want /tmp/explicit.img", got)
	}
}

func TestWriteFreezeScriptBindMountsNonSymlinkEntries(t *testing.T) {
	buildDir := t.TempDir()
	m := &manifest.Manifest{Files: []manifest.Entry{
		{ID: 1, Name: "hello.txt", RestorePath: "/home/user", Type: manifest.KindFile},
		{ID: 2, Name: "link", RestorePath: "/home/user", Type: manifest.KindSymlink, SymlinkTarget: "hello.txt"},
	}}

	scriptPath, err := writeFreezeScript(buildDir, m, Options{}, filepath.Join(buildDir, "out.sqfs"))
	if err != nil {
		t.Fatalf("writeFreezeScript: %v", err)
	}

	data, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatal(err)
	}
	script := string(data)

	if !strings.Contains(script, "mount --bind") {
		t.Error("expected a bind mount line for the file entry")
	}
	if strings.Count(script, "mount --bind") != 1 {
		t.Errorf("expected exactly one bind mount (symlinks are skipped), got:\n%s", script)
	}
	if !strings.Contains(script, "mksquashfs") {
		t.Error("expected an mksquashfs invocation")
	}
	if !strings.Contains(script, "-e freeze.sh .lock") {
		t.Error("expected freeze.sh and .lock to be excluded from the packed image")
	}

	fi, err := os.Stat(scriptPath)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o700 {
		t.Errorf("script mode = %v, want 0700", fi.Mode().Perm())
	}
}

func TestWriteFreezeScriptOverwriteAddsNoappend(t *testing.T) {
	buildDir := t.TempDir()
	m := &manifest.Manifest{}
	scriptPath, err := writeFreezeScript(buildDir, m, Options{Overwrite: true}, filepath.Join(buildDir, "out.sqfs"))
	if err != nil {
		t.Fatalf("writeFreezeScript: %v", err)
	}
	data, _ := os.ReadFile(scriptPath)
	if !strings.Contains(string(data), "-noappend") {
		t.Error("expected -noappend when Overwrite is set")
	}
}

func TestStageManifestAndStubsRejectsIllegalBasename(t *testing.T) {
	buildDir := t.TempDir()
	targetDir := t.TempDir()
	// Deliberately not filepath.Join, which would Clean "/.." away: this
	// builds a literal path whose last component is "..".
	target := targetDir + "/.."

	if _, err := stageManifestAndStubs(buildDir, []string{target}, false); err == nil {
		t.Fatal("expected stageManifestAndStubs to reject a target whose basename is \"..\"")
	}
}

func TestStageManifestAndStubsStagesPlainFile(t *testing.T) {
	buildDir := t.TempDir()
	targetDir := t.TempDir()
	target := filepath.Join(targetDir, "hello.txt")
	if err := os.WriteFile(target, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := stageManifestAndStubs(buildDir, []string{target}, false)
	if err != nil {
		t.Fatalf("stageManifestAndStubs: %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].Name != "hello.txt" {
		t.Errorf("unexpected manifest entries: %+v", m.Files)
	}
	if _, err := os.Stat(filepath.Join(buildDir, "list.yaml")); err != nil {
		t.Error("expected list.yaml to be written")
	}
}

func TestArchiveDecompressorForRecognizesSupportedSuffixes(t *testing.T) {
	cases := map[string]string{
		"backup.tar":     "cat",
		"backup.tar.gz":  "gzip",
		"backup.tgz":     "gzip",
		"backup.tar.bz2": "bzip2",
		"backup.tar.xz":  "xz",
	}
	for name, wantProg := range cases {
		prog, _, stem, ok := archiveDecompressorFor("/tmp/" + name)
		if !ok {
			t.Errorf("archiveDecompressorFor(%q): expected a match", name)
			continue
		}
		if prog != wantProg {
			t.Errorf("archiveDecompressorFor(%q) program = %q, want %q", name, prog, wantProg)
		}
		if strings.Contains(stem, ".") {
			t.Errorf("archiveDecompressorFor(%q) stem = %q, expected the archive suffix stripped", name, stem)
		}
	}
}

func TestArchiveDecompressorForRejectsUnknownSuffix(t *testing.T) {
	if _, _, _, ok := archiveDecompressorFor("/tmp/backup.zip"); ok {
		t.Error("expected archiveDecompressorFor to reject an unsupported archive format")
	}
}

func TestVerifyOutputMissingFileFails(t *testing.T) {
	f := executor.NewFake()
	if err := verifyOutput(context.Background(), f, filepath.Join(t.TempDir(), "missing.sqfs"), false); err == nil {
		t.Fatal("expected verifyOutput to fail for a missing output file")
	}
}

func TestVerifyOutputEmptyFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.sqfs")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	f := executor.NewFake()
	if err := verifyOutput(context.Background(), f, path, false); err == nil {
		t.Fatal("expected verifyOutput to fail for a zero-byte output file")
	}
}

func TestVerifyOutputPlainRunsUnsquashfsValidator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.sqfs")
	if err := os.WriteFile(path, []byte("fake squashfs bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := executor.NewFake()
	f.On(executor.Result{}, nil, "unsquashfs", "-s", path)
	if err := verifyOutput(context.Background(), f, path, false); err != nil {
		t.Fatalf("verifyOutput: %v", err)
	}
	if len(f.Calls) != 1 {
		t.Errorf("expected exactly one unsquashfs validation call, got %d", len(f.Calls))
	}
}

func TestVerifyOutputEncryptedChecksIsLuks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.sqfs_luks.img")
	if err := os.WriteFile(path, []byte("fake luks header"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := executor.NewFake()
	f.On(executor.Result{}, nil, "cryptsetup", "isLuks", path)
	if err := verifyOutput(context.Background(), f, path, true); err != nil {
		t.Fatalf("verifyOutput: %v", err)
	}
}

func TestVerifyOutputEncryptedFailsWhenNotLuks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.sqfs_luks.img")
	if err := os.WriteFile(path, []byte("not actually luks"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := executor.NewFake()
	f.OnAny(executor.Result{}, errors.New("not a luks device"), "cryptsetup")
	if err := verifyOutput(context.Background(), f, path, true); err == nil {
		t.Fatal("expected verifyOutput to fail when cryptsetup isLuks reports failure")
	}
}

func TestGenerateDirectoryOutputNameIncludesPrefixAndExtension(t *testing.T) {
	name := GenerateDirectoryOutputName("nightly", false)
	if !strings.HasPrefix(name, "nightly_") || !strings.HasSuffix(name, ".sqfs") {
		t.Errorf("GenerateDirectoryOutputName() = %q", name)
	}

	encName := GenerateDirectoryOutputName("nightly", true)
	if !strings.HasSuffix(encName, ".sqfs_luks.img") {
		t.Errorf("GenerateDirectoryOutputName(encrypt) = %q, want sqfs_luks.img suffix", encName)
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
