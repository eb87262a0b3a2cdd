// Package mount provides helpers for mounting/unmounting squashfs images
// and for reading and decoding the kernel mount table, used both to find
// a free mount point and to guard the staging GC against removing a
// directory that is still an active mount point.
package mount

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/0k-tools/zk/internal/executor"
)

// Entry is one decoded row of /proc/self/mountinfo.
type Entry struct {
	MountID    int
	ParentID   int
	Root       string
	MountPoint string
	FSType     string
	Source     string
}

// octalUnescape decodes the \NNN octal escapes mountinfo uses for
// space, tab, newline, and backslash in paths. Only digits 0-7 are valid
// in the three positions after a backslash; anything else is a format
// error in the kernel's output, not a silent ambiguity to coerce around.
func octalUnescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+3 >= len(s) {
			return "", fmt.Errorf("mount: truncated octal escape in %q", s)
		}
		digits := s[i+1 : i+4]
		v, err := strconv.ParseUint(digits, 8, 8)
		if err != nil {
			return "", fmt.Errorf("mount: invalid octal escape %q in %q: %w", "\\"+digits, s, err)
		}
		b.WriteByte(byte(v))
		i += 3
	}
	return b.String(), nil
}

// ReadMountTable parses /proc/self/mountinfo.
func ReadMountTable() ([]Entry, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// Fields before the "-" separator, then the fstype/source after it.
		dash := strings.Index(line, " - ")
		if dash < 0 {
			continue
		}
		head := strings.Fields(line[:dash])
		tail := strings.Fields(line[dash+3:])
		if len(head) < 5 || len(tail) < 2 {
			continue
		}
		mountID, _ := strconv.Atoi(head[0])
		parentID, _ := strconv.Atoi(head[1])
		root, err := octalUnescape(head[3])
		if err != nil {
			return nil, err
		}
		mountPoint, err := octalUnescape(head[4])
		if err != nil {
			return nil, err
		}
		source, err := octalUnescape(tail[1])
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			MountID:    mountID,
			ParentID:   parentID,
			Root:       root,
			MountPoint: mountPoint,
			FSType:     tail[0],
			Source:     source,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// IsMountPoint reports whether path is currently an active mount point.
func IsMountPoint(path string) (bool, error) {
	entries, err := ReadMountTable()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.MountPoint == path {
			return true, nil
		}
	}
	return false, nil
}

// FreeMountPoint picks a not-yet-existing directory under base named
// after image's basename with a random suffix, avoiding any path that is
// already an active mount point.
func FreeMountPoint(base, imagePath string) (string, error) {
	name := sanitize(filepath.Base(imagePath))
	entries, err := ReadMountTable()
	if err != nil {
		return "", err
	}
	mounted := make(map[string]bool, len(entries))
	for _, e := range entries {
		mounted[e.MountPoint] = true
	}

	for i := 0; i < 10; i++ {
		candidate := fmt.Sprintf("%s/%s_%s", base, name, uuid.NewString()[:8])
		if _, err := os.Stat(candidate); os.IsNotExist(err) && !mounted[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("mount: could not find a free mount point under %s", base)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// MountSquashfs mounts image (or, if source is a LUKS container, its
// opened mapper device) at mountPoint using squashfuse, falling back to
// the kernel's squashfs driver via mount(8) if squashfuse is unavailable.
func MountSquashfs(ctx context.Context, exec executor.Executor, source, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return err
	}
	if _, err := exec.Run(ctx, "squashfuse", source, mountPoint); err == nil {
		return nil
	}
	_, err := exec.Run(ctx, "mount", "-t", "squashfs", "-o", "loop,ro", source, mountPoint)
	return err
}

// Unmount unmounts mountPoint, trying fusermount -u first (for squashfuse
// mounts) and falling back to umount.
func Unmount(ctx context.Context, exec executor.Executor, mountPoint string) error {
	if _, err := exec.Run(ctx, "fusermount", "-u", mountPoint); err == nil {
		return nil
	}
	_, err := exec.Run(ctx, "umount", mountPoint)
	return err
}
