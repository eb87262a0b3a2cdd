// Package privilege decides how zk escalates to root for the operations
// that require it (LUKS format/open/close, sometimes mkdir/rsync during
// restore), grounded on original_source's
// get_effective_root_cmd/is_valid_cmd_name/check_root_or_get_runner.
package privilege

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/0k-tools/zk/internal/config"
	"github.com/0k-tools/zk/internal/pathutil"
)

// AllowedRootCmds is the built-in whitelist of escalation tools, used
// when no config file overrides it.
var AllowedRootCmds = []string{"sudo", "doas", "sudo-rs", "run0", "pkexec", "please"}

// Policy resolves the escalation command to use.
type Policy struct {
	// LookPath is overridable in tests; defaults to exec.LookPath.
	LookPath func(string) (string, error)
	// Getenv is overridable in tests; defaults to os.Getenv.
	Getenv func(string) string
	// IsRoot is overridable in tests; defaults to pathutil.IsRoot.
	IsRoot func() (bool, error)
}

func NewPolicy() *Policy {
	return &Policy{}
}

func (p *Policy) lookPath(name string) (string, error) {
	if p.LookPath != nil {
		return p.LookPath(name)
	}
	return exec.LookPath(name)
}

func (p *Policy) getenv(name string) string {
	if p.Getenv != nil {
		return p.Getenv(name)
	}
	return os.Getenv(name)
}

// Runner resolves the command prefix to run a privileged operation: nil
// if the caller is already root, otherwise the whitelisted escalation
// tool to prepend to the command. If none of the whitelisted tools are
// found on PATH, it falls back to "sudo" (or the configured default)
// with a warning rather than failing outright, matching
// get_effective_root_cmd's legacy-behavior fallback.
func (p *Policy) Runner(reason string, warn func(string)) ([]string, error) {
	isRootFn := pathutil.IsRoot
	if p.IsRoot != nil {
		isRootFn = p.IsRoot
	}
	isRoot, err := isRootFn()
	if err != nil {
		return nil, err
	}
	if isRoot {
		return nil, nil
	}

	allowed := AllowedRootCmds
	var preferredDefault string
	if cfg, err := config.LoadRootCmdConfig(); err == nil && cfg != nil && len(cfg.Allowed) > 0 {
		allowed = cfg.Allowed
		preferredDefault = cfg.Default
	}

	if env := p.getenv("ROOT_CMD"); env != "" {
		fields := strings.Fields(env)
		first := fields[0]
		if len(fields) > 1 && warn != nil {
			warn(fmt.Sprintf("ROOT_CMD=%q has extra words; only %q will be used", env, first))
		}
		if contains(allowed, first) {
			if _, err := p.lookPath(first); err == nil {
				return []string{first}, nil
			}
		} else if warn != nil {
			warn(fmt.Sprintf("ROOT_CMD=%q is not in the allowed list, ignoring", first))
		}
	}

	if preferredDefault != "" {
		if _, err := p.lookPath(preferredDefault); err == nil {
			return []string{preferredDefault}, nil
		}
	}

	for _, cand := range allowed {
		if _, err := p.lookPath(cand); err == nil {
			return []string{cand}, nil
		}
	}

	fallback := "sudo"
	if preferredDefault != "" {
		fallback = preferredDefault
	}
	if warn != nil {
		warn(fmt.Sprintf("root privileges required (%s) but no elevation tool was found on PATH; falling back to %q", reason, fallback))
	}
	return []string{fallback}, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
