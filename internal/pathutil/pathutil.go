// Package pathutil collects the small path- and identity-resolution
// helpers shared by the freeze, staging, and check/restore packages:
// current-user identity, the cache directory staging lives under, and
// the symlink-ancestor safety check used before restoring content.
//
// Identity resolution is grounded on original_source's utils.rs, which
// reads /proc/self/status rather than relying on cgo-backed os/user
// lookups, so it works identically in minimal containers.
package pathutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CurrentUID returns the effective UID of the running process by reading
// the "Uid:" line of /proc/self/status (format: Real Effective Saved
// Filesystem), rather than os.Getuid, to mirror the teacher lineage's
// reliance on /proc rather than libc identity calls.
func CurrentUID() (int, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return 0, fmt.Errorf("pathutil: unexpected Uid line %q", line)
		}
		return strconv.Atoi(parts[2])
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("pathutil: no Uid line in /proc/self/status")
}

// IsRoot reports whether the calling process has effective UID 0.
func IsRoot() (bool, error) {
	uid, err := CurrentUID()
	if err != nil {
		return false, err
	}
	return uid == 0, nil
}

// CacheDir returns the directory zk uses for staging builds: XDG_CACHE_HOME
// if set, else $HOME/.cache, with a "zk" component appended.
func CacheDir() (string, error) {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "zk"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "zk"), nil
}

// ConfigDir returns the directory zk reads user configuration from:
// XDG_CONFIG_HOME if set, else $HOME/.config, with a "zk" component
// appended.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "zk"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "zk"), nil
}

// ValidateNoSymlinksInAncestors walks path's existing components, its
// ancestors and the final component itself, and fails if any of them is
// a symlink, preventing a restore destination from being silently
// redirected by a pre-existing symlink anywhere along it. It stops at the first
// nonexistent component, since everything from there down will be freshly
// created and so cannot be a pre-existing attack vector.
//
// Grounded on original_source's validate_no_symlinks_in_ancestors.
func ValidateNoSymlinksInAncestors(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	components := strings.Split(filepath.Clean(abs), string(filepath.Separator))
	cur := string(filepath.Separator)
	for _, c := range components {
		if c == "" {
			continue
		}
		cur = filepath.Join(cur, c)

		fi, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("security: restore path component %q is a symlink; this could redirect writes to unintended locations, aborting", cur)
		}
	}
	return nil
}
