package checkrestore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/manifest"
	"github.com/0k-tools/zk/internal/pathutil"
	"github.com/0k-tools/zk/internal/privilege"
	"github.com/0k-tools/zk/internal/zkerr"
	"github.com/0k-tools/zk/internal/zklog"
)

// RestoreOptions configures an unfreeze run.
type RestoreOptions struct {
	Overwrite    bool
	SkipExisting bool
	ShowProgress bool
}

// Restore copies every entry from the mounted image back to its
// recorded live location via rsync. When the manifest says the freeze
// ran as root and the caller currently isn't, rsync runs under the
// privilege policy's runner from the start; otherwise a failed mkdir, or
// an rsync that exits with a permission-related status (23 or 11), is
// retried under the runner.
//
// Grounded on original_source's restore_from_mount: the symlink-ancestor
// security check runs before any destination directory is created, and
// conflicting existing destinations are merged (directories, with
// --ignore-existing), skipped, or rejected per opts.
func Restore(ctx context.Context, exec executor.Executor, log *zklog.Logger, session *MountSession, opts RestoreOptions) error {
	m, err := session.Manifest()
	if err != nil {
		return err
	}

	policy := privilege.NewPolicy()
	needRunnerByDefault := false
	if m.Metadata.PrivilegeMode != nil && *m.Metadata.PrivilegeMode == manifest.PrivilegeRoot {
		if isRoot, _ := pathutil.IsRoot(); !isRoot {
			needRunnerByDefault = true
		}
	}

	for i := range m.Files {
		e := &m.Files[i]
		if err := restoreEntry(ctx, exec, log, session.MountPoint, e, opts, policy, needRunnerByDefault); err != nil {
			return zkerr.Wrapf(zkerr.VerificationError, err, "restoring entry %d (%s)", e.ID, e.EntryName())
		}
	}
	return nil
}

func restoreEntry(ctx context.Context, exec executor.Executor, log *zklog.Logger, mountPoint string, e *manifest.Entry, opts RestoreOptions, policy *privilege.Policy, needRunner bool) error {
	destParent := e.RestoreParent()
	destPath := destParent + "/" + e.EntryName()
	srcPath := entryMountRoot(mountPoint, e)

	if err := pathutil.ValidateNoSymlinksInAncestors(destPath); err != nil {
		return err
	}

	if fi, err := os.Lstat(destPath); err == nil {
		if fi.IsDir() && e.Type == manifest.KindDirectory {
			log.Verbose("restore: merging into existing directory %s", destPath)
		} else if opts.SkipExisting {
			log.Verbose("restore: skipping existing %s", destPath)
			return nil
		} else if !opts.Overwrite {
			return fmt.Errorf("restore: %s already exists; use --overwrite or --skip-existing", destPath)
		}
	}

	if err := os.MkdirAll(destParent, 0o755); err != nil {
		runner, rerr := policy.Runner("creating restore parent directory", func(s string) { log.Warning("%s", s) })
		if rerr != nil {
			return rerr
		}
		if _, err := exec.RunPrivileged(ctx, runner, "mkdir", "-p", destParent); err != nil {
			return fmt.Errorf("restore: could not create %s: %w", destParent, err)
		}
	}

	rsyncArgs := []string{"-a"}
	if opts.ShowProgress {
		rsyncArgs = append(rsyncArgs, "--info=progress2")
	}
	finalSrc := srcPath
	if e.Type == manifest.KindDirectory {
		finalSrc = strings.TrimSuffix(srcPath, "/") + "/"
		rsyncArgs = append(rsyncArgs, "--ignore-existing")
	}
	rsyncArgs = append(rsyncArgs, finalSrc, destPath)

	if needRunner {
		runner, rerr := policy.Runner("restoring root-owned content", func(s string) { log.Warning("%s", s) })
		if rerr != nil {
			return fmt.Errorf("restore: no elevation available: %w", rerr)
		}
		if _, err := exec.RunPrivileged(ctx, runner, "rsync", rsyncArgs...); err != nil {
			return fmt.Errorf("restore: rsync failed with elevation: %w", err)
		}
		return nil
	}

	res, err := exec.RunInteractive(ctx, "rsync", rsyncArgs...)
	if err == nil {
		return nil
	}

	if isRoot, _ := pathutil.IsRoot(); isRoot {
		return fmt.Errorf("restore: rsync failed: %w", err)
	}
	if !isRsyncPermissionExitCode(res.ExitCode) {
		return fmt.Errorf("restore: rsync failed: %w", err)
	}

	runner, rerr := policy.Runner("restoring root-owned content", func(s string) { log.Warning("%s", s) })
	if rerr != nil {
		return fmt.Errorf("restore: rsync failed and no elevation available: %w", err)
	}
	if _, err := exec.RunPrivileged(ctx, runner, "rsync", rsyncArgs...); err != nil {
		return fmt.Errorf("restore: rsync failed even with elevation: %w", err)
	}
	return nil
}

// isRsyncPermissionExitCode reports whether code is one of rsync's
// documented exit statuses for a run that failed because it couldn't
// read or write files it didn't have permission for (23: partial
// transfer due to error, 11: error in file I/O) rather than a usage
// error or a transport failure escalating wouldn't fix.
func isRsyncPermissionExitCode(code int) bool {
	return code == 23 || code == 11
}
