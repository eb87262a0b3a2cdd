// Package container implements the encrypted-container lifecycle: sizing
// and allocating a LUKS-backed file, formatting and opening it, packing
// a squashfs filesystem onto the opened mapper device, trimming the
// container to the packed filesystem's real size, and tearing the
// mapper back down.
//
// Grounded on original_source's squash_manager-rs.rs (Create command,
// LuksTransaction) and constants.rs (LUKS_HEADER_SIZE,
// LUKS_SAFETY_BUFFER).
package container

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/zklog"
)

const (
	headerSize = 32 * 1024 * 1024
	safetyBuf  = 128 * 1024 * 1024
	alignUnit  = 1 * 1024 * 1024
	trimAlign  = 4096
	mapperBase = "/dev/mapper/"

	// nameTakenExitCode is cryptsetup's documented exit status for
	// "device already exists or device is busy". Any other non-zero
	// exit from `cryptsetup open` is a terminal error, not a retry
	// signal.
	nameTakenExitCode = 5

	maxNumberedAttempts = 10
)

// IsLuks reports whether path already has a LUKS header, by asking
// cryptsetup to inspect it; this requires no privilege, since it only
// reads the header.
func IsLuks(ctx context.Context, exec executor.Executor, path string) bool {
	_, err := exec.Run(ctx, "cryptsetup", "isLuks", path)
	return err == nil
}

// OverheadPercent estimates the filesystem-overhead percentage to budget
// for when sizing a new container, based on the backing filesystem type
// that `stat -f` reports for dir. It returns 10 when stat fails (dir
// itself must exist) or the type is not one it recognizes.
func OverheadPercent(ctx context.Context, exec executor.Executor, dir string) int {
	res, err := exec.Run(ctx, "stat", "-f", "-c", "%T", dir)
	if err != nil {
		return 10
	}
	switch strings.TrimSpace(string(res.Stdout)) {
	case "ext2", "ext3", "ext4", "btrfs", "xfs", "zfs", "tmpfs", "overlayfs":
		return 50
	default:
		return 10
	}
}

func alignUp(n, unit int64) int64 {
	if n%unit == 0 {
		return n
	}
	return (n/unit + 1) * unit
}

// SizeContainer computes the container file size to allocate for a LUKS
// image wrapping rawSize bytes of payload, given the filesystem overhead
// percentage to budget.
func SizeContainer(rawSize int64, overheadPercent int) int64 {
	overhead := rawSize * int64(overheadPercent) / 100
	return alignUp(rawSize+overhead+headerSize+safetyBuf, alignUnit)
}

// Allocate creates path with at least the given size, preferring
// fallocate and falling back to dd if the filesystem doesn't support it
// (some network/loop filesystems reject fallocate on unallocated
// regions). The dd fallback writes size/1 MiB + 1 whole MiB of zeros, so
// the file it leaves is fully written rather than sparse.
func Allocate(ctx context.Context, exec executor.Executor, path string, size int64) error {
	if _, err := exec.Run(ctx, "fallocate", "-l", strconv.FormatInt(size, 10), path); err == nil {
		return nil
	}
	count := size/alignUnit + 1
	_, err := exec.Run(ctx, "dd", "if=/dev/zero", "of="+path,
		"bs=1M", fmt.Sprintf("count=%d", count), "status=none")
	return err
}

// mapperNameBase derives the candidate base name for imagePath's mapper
// device, e.g. "/tmp/project_1.sqfs_luks.img" -> "sq_project_1_sqfs_luks_img".
func mapperNameBase(imagePath string) string {
	return "sq_" + sanitize(basename(imagePath))
}

func randSuffix() int {
	return int(time.Now().UnixNano() % 9000) + 1000
}

func basename(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return p
	}
	return p[i+1:]
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Format runs cryptsetup luksFormat on path, prefixed with runner (the
// privilege-escalation command, or nil if already root).
func Format(ctx context.Context, exec executor.Executor, runner []string, path string) error {
	_, err := exec.RunPrivileged(ctx, runner, "cryptsetup", "luksFormat", "-q", path)
	return err
}

// Open opens path under a free device-mapper name derived from path's
// basename, retrying under "<base>_2", "<base>_3", ... when cryptsetup's
// own exit code reports the candidate name is already taken — the
// retry is driven by the actual open attempt's result, not by a
// stat-then-open precheck, so it can't race another process claiming
// the name between the check and the open. Returns the opened
// /dev/mapper device path and the mapper name that won.
func Open(ctx context.Context, exec executor.Executor, runner []string, path string) (string, string, error) {
	base := mapperNameBase(path)

	var lastErr error
	for i := 0; i < maxNumberedAttempts; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i+1)
		}
		res, err := exec.RunPrivileged(ctx, runner, "cryptsetup", "open", path, name)
		if err == nil {
			return mapperBase + name, name, nil
		}
		if res.ExitCode != nameTakenExitCode {
			return "", "", err
		}
		lastErr = err
	}

	// Every numbered candidate was taken; fall back to a name unlikely
	// to collide and give it one last shot.
	name := fmt.Sprintf("%s_%d_%d", base, time.Now().Unix(), randSuffix())
	res, err := exec.RunPrivileged(ctx, runner, "cryptsetup", "open", path, name)
	if err != nil {
		if res.ExitCode == nameTakenExitCode {
			return "", "", fmt.Errorf("container: no free mapper name for %s after %d attempts: %w", path, maxNumberedAttempts+1, lastErr)
		}
		return "", "", err
	}
	return mapperBase + name, name, nil
}

// Close closes mapperName, retrying several times with a short backoff
// to ride out "device busy" races against udev, matching
// LuksTransaction's close-retry loop.
func Close(ctx context.Context, exec executor.Executor, runner []string, log *zklog.Logger, mapperName string) error {
	exec.Run(ctx, "sync")
	exec.Run(ctx, "udevadm", "settle")

	var lastErr error
	for i := 0; i < 10; i++ {
		if _, err := exec.RunPrivileged(ctx, runner, "cryptsetup", "close", mapperName); err == nil {
			return nil
		} else {
			lastErr = err
		}
		wait := time.Duration(100*(i+1)) * time.Millisecond
		if wait > 500*time.Millisecond {
			wait = 500 * time.Millisecond
		}
		time.Sleep(wait)
	}
	log.Warning("container: failed to close mapper %s after retries: %v", mapperName, lastErr)
	return lastErr
}

// FilesystemBytes parses "Filesystem size" out of `unsquashfs -s`'s
// output against the opened mapper device.
func FilesystemBytes(ctx context.Context, exec executor.Executor, mapperPath string) (int64, error) {
	res, err := exec.Run(ctx, "unsquashfs", "-s", mapperPath)
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "Filesystem size") {
			continue
		}
		parts := strings.Fields(line)
		for i, p := range parts {
			if p == "bytes" && i > 0 {
				if n, err := strconv.ParseInt(parts[i-1], 10, 64); err == nil {
					return n, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("container: could not parse filesystem size from unsquashfs output")
}

// PayloadOffset parses the LUKS payload offset, in bytes, out of
// `cryptsetup luksDump`'s output, handling both the LUKS2 "offset: N
// [bytes]" form and the LUKS1 "Payload offset: N" sector-count form.
func PayloadOffset(ctx context.Context, exec executor.Executor, path string) (int64, error) {
	res, err := exec.Run(ctx, "cryptsetup", "luksDump", path)
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "offset:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return n, nil
				}
			}
		}
		if strings.HasPrefix(lower, "payload offset:") {
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				if n, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
					return n * 512, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("container: could not parse payload offset from luksDump output")
}

// Trim shrinks the container file at path to fit its packed filesystem
// plus LUKS payload offset plus 1 MiB of slack, rounded up to a
// 4096-byte boundary, never growing the file.
func Trim(path string, fsBytes, payloadOffset int64) error {
	target := alignUp(fsBytes+payloadOffset+alignUnit, trimAlign)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if target >= fi.Size() {
		return nil
	}
	return f.Truncate(target)
}
