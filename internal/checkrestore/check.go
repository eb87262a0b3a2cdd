package checkrestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/0k-tools/zk/internal/manifest"
	"github.com/0k-tools/zk/internal/zklog"
)

// CheckOptions configures a check run.
type CheckOptions struct {
	Delete     bool
	UseCompare bool
	// ForceDelete overrides the newer-mtime safety gate in finishMatch:
	// without it, a live entry whose mtime is strictly newer than its
	// archived copy is left alone even when Delete is set.
	ForceDelete bool
	// Concurrency bounds how many entries are compared at once; 0 means
	// a sensible default.
	Concurrency int
}

// Check compares every entry in the mounted image against its live
// location, classifying each as matched, mismatched, missing, or
// skipped, optionally deleting live content that matches (the "prune
// what's safely archived" mode).
func Check(ctx context.Context, log *zklog.Logger, session *MountSession, opts CheckOptions) (*Stats, error) {
	m, err := session.Manifest()
	if err != nil {
		return nil, err
	}

	if host, herr := os.Hostname(); herr == nil {
		if msg, mismatch := hostMismatchWarning(m.Metadata.Host, host); mismatch {
			log.Warning("%s", msg)
		}
	}

	stats := &Stats{}
	conc := opts.Concurrency
	if conc <= 0 {
		conc = 8
	}
	sem := make(chan struct{}, conc)
	var wg sync.WaitGroup

	for i := range m.Files {
		e := &m.Files[i]
		if e.Type == manifest.KindDirectory {
			// Directories are recursed into below; they are never
			// content-compared themselves at the top level walk.
			checkDirectory(ctx, log, session.MountPoint, e, opts, stats, sem, &wg)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(e *manifest.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			checkItem(entryLiveRoot(e), entryMountRoot(session.MountPoint, e), opts, stats, log)
		}(e)
	}
	wg.Wait()

	return stats, nil
}

// hostMismatchWarning reports the warning text for spec.md §4.6 step 2
// when recordedHost (the manifest's Metadata.Host) differs from the host
// check is running on; mismatch is false (and msg empty) when there's
// nothing to warn about, including when recordedHost is unset (an older
// or hand-built manifest).
func hostMismatchWarning(recordedHost, currentHost string) (msg string, mismatch bool) {
	if recordedHost == "" || recordedHost == currentHost {
		return "", false
	}
	return fmt.Sprintf("check: image was frozen on host %q, running on %q", recordedHost, currentHost), true
}

func checkDirectory(ctx context.Context, log *zklog.Logger, mountPoint string, e *manifest.Entry, opts CheckOptions, stats *Stats, sem chan struct{}, wg *sync.WaitGroup) {
	liveRoot := entryLiveRoot(e)
	mountRoot := entryMountRoot(mountPoint, e)

	entries, err := walkContentsFirst(mountRoot)
	if err != nil {
		log.Warning("check: could not walk %s: %v", mountRoot, err)
		return
	}

	for _, rel := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(rel string) {
			defer wg.Done()
			defer func() { <-sem }()
			checkItem(filepath.Join(liveRoot, rel), filepath.Join(mountRoot, rel), opts, stats, log)
		}(rel)
	}

	// The directory itself, after its children have been handled.
	wg.Wait()
	checkItem(liveRoot, mountRoot, opts, stats, log)
}

// walkContentsFirst returns paths relative to root in contents-first
// order (children before their parent directory), matching walkdir's
// contents_first(true) in original_source.
func walkContentsFirst(root string) ([]string, error) {
	var rels []string
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			childRel := filepath.Join(rel, e.Name())
			if e.IsDir() {
				if err := walk(filepath.Join(dir, e.Name()), childRel); err != nil {
					return err
				}
			} else {
				rels = append(rels, childRel)
			}
		}
		if rel != "" {
			rels = append(rels, rel)
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return nil, err
	}
	return rels, nil
}

func checkItem(livePath, mountPath string, opts CheckOptions, stats *Stats, log *zklog.Logger) {
	liveInfo, liveErr := os.Lstat(livePath)
	mountInfo, mountErr := os.Lstat(mountPath)
	if mountErr != nil {
		stats.add(func(s *Stats) { s.ArchiveMissing++ })
		log.Print("ARCHIVE_MISSING: %s\n", mountPath)
		return
	}

	if os.IsNotExist(liveErr) {
		stats.add(func(s *Stats) { s.Missing++ })
		log.Print("MISSING: %s\n", livePath)
		return
	}
	if liveErr != nil {
		log.Warning("check: %s: %v", livePath, liveErr)
		return
	}

	liveIsDir := liveInfo.IsDir()
	mountIsDir := mountInfo.IsDir()
	liveIsLink := liveInfo.Mode()&os.ModeSymlink != 0
	mountIsLink := mountInfo.Mode()&os.ModeSymlink != 0

	if liveIsDir != mountIsDir || liveIsLink != mountIsLink {
		stats.add(func(s *Stats) { s.Mismatch++ })
		log.Print("MISMATCH (Type): %s\n", livePath)
		return
	}

	switch {
	case mountIsDir:
		if opts.Delete {
			if err := os.Remove(livePath); err == nil {
				stats.add(func(s *Stats) { s.DirsDeleted++ })
				return
			}
			// A non-empty directory is still a match; it just can't be
			// pruned yet because its children haven't all been removed.
		}
		stats.add(func(s *Stats) { s.DirsMatched++ })

	case mountIsLink:
		liveTarget, err1 := os.Readlink(livePath)
		mountTarget, err2 := os.Readlink(mountPath)
		if err1 != nil || err2 != nil || liveTarget != mountTarget {
			stats.add(func(s *Stats) { s.Mismatch++ })
			log.Print("MISMATCH (Link Target): %s\n", livePath)
			return
		}
		finishMatch(livePath, opts, stats, log, true, liveInfo, mountInfo)

	default:
		if liveInfo.Size() != mountInfo.Size() {
			stats.add(func(s *Stats) { s.Mismatch++ })
			log.Print("MISMATCH (Size): %s\n", livePath)
			return
		}
		if opts.UseCompare {
			eq, err := compareFiles(livePath, mountPath)
			if err != nil {
				log.Warning("check: comparing %s: %v", livePath, err)
				return
			}
			if !eq {
				stats.add(func(s *Stats) { s.Mismatch++ })
				log.Print("MISMATCH (Content): %s\n", livePath)
				return
			}
		}
		finishMatch(livePath, opts, stats, log, false, liveInfo, mountInfo)
	}
}

// finishMatch applies the safety gate before deleting matched live
// content: a live mtime strictly newer than the archived mtime blocks
// deletion regardless of whether byte comparison was used, since mtime
// alone doesn't prove the live copy diverged but also can't be ruled
// out by content equality at a single point in time. force_delete is
// the only override.
func finishMatch(livePath string, opts CheckOptions, stats *Stats, log *zklog.Logger, isLink bool, liveInfo, mountInfo os.FileInfo) {
	if !opts.Delete {
		stats.add(func(s *Stats) {
			if isLink {
				s.LinksMatched++
			} else {
				s.FilesMatched++
			}
		})
		return
	}

	if !opts.ForceDelete && liveInfo.ModTime().Unix() > mountInfo.ModTime().Unix() {
		stats.add(func(s *Stats) { s.Skipped++ })
		log.Print("SKIPPED (Newer): %s\n", livePath)
		log.Print("Suggestion: pass --force-delete to delete %s despite its newer mtime\n", livePath)
		return
	}

	if err := os.Remove(livePath); err != nil {
		log.Warning("check: failed to delete %s: %v", livePath, err)
		return
	}
	stats.add(func(s *Stats) {
		if isLink {
			s.LinksDeleted++
		} else {
			s.FilesDeleted++
		}
	})
}
