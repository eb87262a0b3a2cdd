package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Call records one invocation seen by Fake, for assertions in tests.
type Call struct {
	Program string
	Args    []string
}

func (c Call) String() string {
	return strings.TrimSpace(c.Program + " " + strings.Join(c.Args, " "))
}

// Script maps a command line (program plus args, joined with spaces) to
// the Result/error it should produce. An entry for "*" <program> matches
// any arguments for that program if no exact match is found.
type Fake struct {
	mu     sync.Mutex
	Calls  []Call
	Script map[string]scripted
}

type scripted struct {
	res Result
	err error
}

func NewFake() *Fake {
	return &Fake{Script: map[string]scripted{}}
}

// On registers the response for an exact program+args invocation.
func (f *Fake) On(res Result, err error, program string, args ...string) {
	f.Script[Call{Program: program, Args: args}.String()] = scripted{res, err}
}

// OnAny registers a default response for any invocation of program.
func (f *Fake) OnAny(res Result, err error, program string) {
	f.Script["*"+program] = scripted{res, err}
}

func (f *Fake) lookup(c Call) (scripted, bool) {
	if s, ok := f.Script[c.String()]; ok {
		return s, true
	}
	if s, ok := f.Script["*"+c.Program]; ok {
		return s, true
	}
	return scripted{}, false
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, c)
}

func (f *Fake) Run(ctx context.Context, program string, args ...string) (Result, error) {
	c := Call{Program: program, Args: args}
	f.record(c)
	if s, ok := f.lookup(c); ok {
		return s.res, s.err
	}
	return Result{}, fmt.Errorf("fake executor: no script entry for %q", c.String())
}

func (f *Fake) RunInteractive(ctx context.Context, program string, args ...string) (Result, error) {
	c := Call{Program: program, Args: args}
	f.record(c)
	if s, ok := f.lookup(c); ok {
		// Interactive stdio is inherited, not captured, so only ExitCode
		// survives into the Result a real run would produce.
		return Result{ExitCode: s.res.ExitCode}, s.err
	}
	return Result{}, fmt.Errorf("fake executor: no script entry for %q", c.String())
}

// RunPiped is scripted by registering the combined command line: the
// first program and args, then a literal "|", then the second program
// and args, e.g. f.On(res, err, "gzip", "-dc", "a.tar.gz", "|", "tar", "xf", "-").
func (f *Fake) RunPiped(ctx context.Context, firstProgram string, firstArgs []string, secondProgram string, secondArgs []string) (Result, error) {
	args := make([]string, 0, len(firstArgs)+len(secondArgs)+2)
	args = append(args, firstArgs...)
	args = append(args, "|", secondProgram)
	args = append(args, secondArgs...)
	c := Call{Program: firstProgram, Args: args}
	f.record(c)
	if s, ok := f.lookup(c); ok {
		return s.res, s.err
	}
	return Result{}, fmt.Errorf("fake executor: no script entry for %q", c.String())
}

// RunPrivileged mirrors Real's behavior of splicing runner in front of
// program+args before dispatching, so the same On/OnAny scripts used for
// Run also cover privileged calls once runner is prepended.
func (f *Fake) RunPrivileged(ctx context.Context, runner []string, program string, args ...string) (Result, error) {
	if len(runner) == 0 {
		return f.Run(ctx, program, args...)
	}
	full := make([]string, 0, len(runner)+1+len(args))
	full = append(full, runner...)
	full = append(full, program)
	full = append(full, args...)
	return f.Run(ctx, full[0], full[1:]...)
}

func (f *Fake) Spawn(ctx context.Context, program string, args ...string) (Handle, error) {
	c := Call{Program: program, Args: args}
	f.record(c)
	s, ok := f.lookup(c)
	if !ok {
		return nil, fmt.Errorf("fake executor: no script entry for %q", c.String())
	}
	return &fakeHandle{stdout: bytes.NewReader(s.res.Stdout), waitErr: s.err, res: s.res}, nil
}

type fakeHandle struct {
	stdout  *bytes.Reader
	waitErr error
	res     Result
}

func (h *fakeHandle) Stdout() io.Reader { return h.stdout }

func (h *fakeHandle) Wait() (Result, error) { return h.res, h.waitErr }

func (h *fakeHandle) Kill() error { return nil }
