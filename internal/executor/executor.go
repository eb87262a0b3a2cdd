// Package executor abstracts running external commands (mksquashfs,
// cryptsetup, rsync, unshare, mount, ...) behind a small interface so the
// pipelines that drive them can be tested against a scripted fake instead
// of a real subprocess tree.
//
// Grounded on original_source's CommandExecutor trait: Run corresponds to
// its run, RunInteractive to run_interactive (inherited stdio, used for
// mksquashfs/rsync's native progress output), RunPiped to run_piped
// (stdout-to-stdin wiring between two children), RunPrivileged to
// run_privileged (prefix the argument vector with the active root-command
// vector), and Spawn to spawn (non-blocking, caller-driven child handle).
package executor

import (
	"context"
	"io"
)

// Result is the outcome of a completed command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Handle is a running child process whose stdout can be read while the
// child is still executing, for callers that need to drive progress
// reporting off the child's own output instead of polling a side-channel.
type Handle interface {
	// Stdout streams the child's standard output as it's produced.
	Stdout() io.Reader

	// Wait blocks until the child exits and returns its result.
	Wait() (Result, error)

	// Kill terminates the child immediately.
	Kill() error
}

// Executor runs external programs. Implementations must not swallow
// context cancellation: a canceled context should kill the child process
// and return ctx.Err().
type Executor interface {
	// Run executes program with args, capturing stdout and stderr, and
	// waiting for it to exit. A non-zero exit is reported twice: in
	// Result.ExitCode and as a non-nil error (the *exec.ExitError from
	// exec.Cmd.Run in the real implementation), so a non-nil error does
	// not by itself mean the program failed to start.
	Run(ctx context.Context, program string, args ...string) (Result, error)

	// RunInteractive executes program with args with stdio inherited
	// from the calling process, for commands whose own progress output
	// (mksquashfs, rsync) should reach the terminal directly. The
	// returned Result carries no captured stdout/stderr (stdio was
	// inherited, not captured) but ExitCode is still populated, so
	// callers can gate retry/escalation decisions on it.
	RunInteractive(ctx context.Context, program string, args ...string) (Result, error)

	// RunPiped wires first's stdout directly to second's stdin and
	// captures second's combined output, for streaming decompression
	// (e.g. `gzip -dc archive.tar.gz | tar xf -`) without staging an
	// intermediate file.
	RunPiped(ctx context.Context, firstProgram string, firstArgs []string, secondProgram string, secondArgs []string) (Result, error)

	// RunPrivileged runs program with args prefixed by runner (the
	// resolved root-command vector from internal/privilege), or runs it
	// directly when runner is empty. Centralizes the
	// runner-prepending pattern so every privileged call site is
	// fake-able and consistent about how the runner vector is spliced
	// in.
	RunPrivileged(ctx context.Context, runner []string, program string, args ...string) (Result, error)

	// Spawn starts program with args and returns immediately with a
	// handle the caller can use to stream stdout and later wait for
	// exit, for long-running children whose own progress text should be
	// parsed live rather than polled from a file.
	Spawn(ctx context.Context, program string, args ...string) (Handle, error)
}
