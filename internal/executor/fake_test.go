package executor

import (
	"context"
	"errors"
	"testing"
)

func TestFakeExactMatch(t *testing.T) {
	f := NewFake()
	f.On(Result{Stdout: []byte("ok")}, nil, "cryptsetup", "isLuks", "/tmp/x.img")

	res, err := f.Run(context.Background(), "cryptsetup", "isLuks", "/tmp/x.img")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Stdout) != "ok" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "ok")
	}
	if len(f.Calls) != 1 || f.Calls[0].Program != "cryptsetup" {
		t.Errorf("call not recorded: %+v", f.Calls)
	}
}

func TestFakeWildcardFallback(t *testing.T) {
	f := NewFake()
	f.OnAny(Result{}, errors.New("boom"), "mksquashfs")

	_, err := f.Run(context.Background(), "mksquashfs", "/any", "/args", "-comp", "zstd")
	if err == nil || err.Error() != "boom" {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestFakeUnscriptedCallErrors(t *testing.T) {
	f := NewFake()
	if _, err := f.Run(context.Background(), "rsync", "-a"); err == nil {
		t.Error("expected error for unscripted call")
	}
}

func TestFakeRunInteractiveUsesSameScript(t *testing.T) {
	f := NewFake()
	f.On(Result{}, nil, "unshare", "-m")
	if _, err := f.RunInteractive(context.Background(), "unshare", "-m"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeRunPrivilegedPrependsRunner(t *testing.T) {
	f := NewFake()
	f.On(Result{Stdout: []byte("ok")}, nil, "sudo", "cryptsetup", "open", "/tmp/x.img", "sq_x")

	res, err := f.RunPrivileged(context.Background(), []string{"sudo"}, "cryptsetup", "open", "/tmp/x.img", "sq_x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Stdout) != "ok" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "ok")
	}
}

func TestFakeRunPrivilegedWithNoRunnerRunsDirectly(t *testing.T) {
	f := NewFake()
	f.On(Result{}, nil, "cryptsetup", "close", "sq_x")

	if _, err := f.RunPrivileged(context.Background(), nil, "cryptsetup", "close", "sq_x"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeRunPipedScriptsCombinedCommandLine(t *testing.T) {
	f := NewFake()
	f.On(Result{Stdout: []byte("extracted")}, nil, "gzip", "-dc", "a.tar.gz", "|", "tar", "xf", "-")

	res, err := f.RunPiped(context.Background(), "gzip", []string{"-dc", "a.tar.gz"}, "tar", []string{"xf", "-"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Stdout) != "extracted" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "extracted")
	}
}

func TestFakeSpawnStreamsScriptedStdout(t *testing.T) {
	f := NewFake()
	f.On(Result{Stdout: []byte("[50%]\n")}, nil, "mksquashfs", "/src", "/out.sqfs")

	h, err := f.Spawn(context.Background(), "mksquashfs", "/src", "/out.sqfs")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	buf := make([]byte, 64)
	n, _ := h.Stdout().Read(buf)
	if string(buf[:n]) != "[50%]\n" {
		t.Errorf("Stdout() = %q", buf[:n])
	}
	if _, err := h.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
}
