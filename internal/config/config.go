// Package config loads the optional privilege-escalation whitelist file,
// $XDG_CONFIG_HOME/zk/allowed_root_cmds.yaml, applying the same
// fail-closed validation as original_source's load_root_cmd_config: the
// file must be a regular file owned by the caller with no group/other
// permission bits, and every listed command name must look like a
// command name, or the whole file is ignored.
package config

import (
	"os"
	"regexp"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/0k-tools/zk/internal/pathutil"
)

// RootCmdConfig is the allowed_root_cmds.yaml schema.
type RootCmdConfig struct {
	Default string   `yaml:"default"`
	Allowed []string `yaml:"allowed"`
}

var cmdNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func isValidCmdName(name string) bool {
	return name != "" && cmdNameRe.MatchString(name)
}

// LoadRootCmdConfig reads and validates the privilege whitelist file. It
// returns (nil, nil) if the file doesn't exist or fails any of the
// fail-closed validation checks below; only unexpected I/O errors are
// returned as errors, since an invalid or absent config should fall back
// to defaults, not abort the program.
func LoadRootCmdConfig() (*RootCmdConfig, error) {
	dir, err := pathutil.ConfigDir()
	if err != nil {
		return nil, nil
	}
	path := dir + "/allowed_root_cmds.yaml"

	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, nil
	}

	uid, err := pathutil.CurrentUID()
	if err != nil {
		return nil, err
	}
	if !ownedBy(fi, uid) {
		return nil, nil
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RootCmdConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil
	}

	for _, a := range cfg.Allowed {
		if !isValidCmdName(a) {
			return nil, nil
		}
	}
	if cfg.Default != "" && !contains(cfg.Allowed, cfg.Default) {
		return nil, nil
	}

	return &cfg, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func ownedBy(fi os.FileInfo, uid int) bool {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return int(st.Uid) == uid
}
