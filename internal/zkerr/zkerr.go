// Package zkerr implements the error taxonomy described for zk's
// operations: each user-visible failure is tagged with a kind so that
// cmd/zk can map it to an exit code and, where possible, a friendlier
// message than the wrapped error's raw text.
package zkerr

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

type Kind int

const (
	InvalidInput Kind = iota
	IoError
	ExecutionError
	StagingError
	ContainerError
	ManifestError
	VerificationError
	PermissionDenied
	Interrupted
	CliExit
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case IoError:
		return "IoError"
	case ExecutionError:
		return "ExecutionError"
	case StagingError:
		return "StagingError"
	case ContainerError:
		return "ContainerError"
	case ManifestError:
		return "ManifestError"
	case VerificationError:
		return "VerificationError"
	case PermissionDenied:
		return "PermissionDenied"
	case Interrupted:
		return "Interrupted"
	case CliExit:
		return "CliExit"
	default:
		return "Unknown"
	}
}

// Error is a typed, wrapped error carrying the context string that
// produced it, in the style of original_source's ZkError enum.
type Error struct {
	Kind    Kind
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *Error) Unwrap() error { return e.Err }

func New(k Kind, context string, err error) *Error {
	return &Error{Kind: k, Context: context, Err: err}
}

func Wrapf(k Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Context: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err (or something it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// FriendlyHint returns a short, user-facing explanation for a handful of
// well-known failure patterns, mirroring original_source's
// friendly_message: ENOSPC and wrong-passphrase substrings get a plain
// English hint instead of the raw system error text.
func FriendlyHint(err error) (string, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}

	if e.Kind == IoError && errors.Is(e.Err, syscall.ENOSPC) {
		return "Disk is full. Please free up space and try again.", true
	}

	if e.Kind == ContainerError || e.Kind == ExecutionError {
		msg := strings.ToLower(e.Error())
		if strings.Contains(msg, "no key available with this passphrase") {
			return "Incorrect passphrase provided.", true
		}
	}

	return "", false
}

// ExitCode maps an error's Kind to the process exit code scheme from the
// external interface: 0 success, 1 generic failure, 2 invalid
// input/usage, 130 interrupted (128 + SIGINT).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if !errors.As(err, &e) {
		return 1
	}
	switch e.Kind {
	case InvalidInput:
		return 2
	case Interrupted:
		return 130
	default:
		return 1
	}
}
