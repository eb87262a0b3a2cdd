// internal/zklog/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package zklog provides the logging facility used throughout zk: a small
// leveled logger where debug and verbose output can be suppressed
// independently, handed explicitly to every component rather than reached
// for as a package-level singleton.
package zklog

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger is safe to use with a nil receiver: a nil *Logger behaves like one
// created with verbose and debug both off, writing warnings/errors to
// os.Stderr. This lets constructors accept a possibly-unset logger without
// every caller checking for nil first.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
}

func NewLogger(verbose, debug bool) *Logger {
	l := &Logger{}
	if verbose {
		l.verbose = os.Stderr
	}
	if debug {
		l.debug = os.Stderr
	}
	l.warning = os.Stderr
	l.err = os.Stderr
	return l
}

func (l *Logger) Print(f string, args ...interface{}) {
	fmt.Printf("%s", format(f, args...))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		return
	}
	if l.debug == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.debug, format(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		return
	}
	if l.verbose == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.verbose, format(f, args...))
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.warning, format(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NErrors++
	fmt.Fprint(l.err, format(f, args...))
}

// Fatal logs and exits the process. Reserved for cmd/zk's top-level error
// path; library packages should return errors instead.
func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		os.Exit(1)
	}
	l.mu.Lock()
	l.NErrors++
	fmt.Fprint(l.err, format(f, args...))
	l.mu.Unlock()
	os.Exit(1)
}

// Check exits the process if v is false, matching the teacher's assertion
// idiom. Library code should prefer returning errors; Check is for
// invariants that truly indicate a programming bug.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}
	if l != nil {
		l.mu.Lock()
		l.NErrors++
		l.mu.Unlock()
	}
	if len(msg) == 0 {
		fmt.Fprint(os.Stderr, format("check failed\n"))
	} else {
		f := msg[0].(string)
		fmt.Fprint(os.Stderr, format(f, msg[1:]...))
	}
	os.Exit(1)
}

func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}
	if l != nil {
		l.mu.Lock()
		l.NErrors++
		l.mu.Unlock()
	}
	if len(msg) == 0 {
		fmt.Fprint(os.Stderr, format("Error: %+v\n", err))
	} else {
		f := msg[0].(string)
		fmt.Fprint(os.Stderr, format(f, msg[1:]...))
	}
	os.Exit(1)
}

func format(f string, args ...interface{}) string {
	_, fn, line, _ := runtime.Caller(2)
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-25s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
