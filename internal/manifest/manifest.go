// Package manifest implements the list.yaml data model embedded in every
// frozen image: the set of entries that were packed, their original
// locations, and the metadata needed to restore them faithfully.
//
// Grounded on original_source's manifest.rs, extended per spec.md to add
// a Symlink entry kind the original Rust model didn't have.
package manifest

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntryKind identifies what an Entry represents on disk.
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
	KindSymlink   EntryKind = "symlink"
)

// PrivilegeMode records whether a freeze ran as an ordinary user or as
// root, which determines whether unfreeze/check need to re-escalate to
// restore ownership faithfully.
type PrivilegeMode string

const (
	PrivilegeUser PrivilegeMode = "user"
	PrivilegeRoot PrivilegeMode = "root"
)

// Entry describes one packed target.
type Entry struct {
	ID          uint32    `yaml:"id"`
	Type        EntryKind `yaml:"type"`
	Name        string    `yaml:"name,omitempty"`
	RestorePath string    `yaml:"restore_path,omitempty"`

	// OriginalPath is the legacy combined field: older archives wrote
	// "original_path: /restore/parent/name" instead of separate
	// name/restore_path fields. It is only ever read, never written.
	OriginalPath string `yaml:"original_path,omitempty"`

	SymlinkTarget string `yaml:"symlink_target,omitempty"`
	Size          *int64 `yaml:"size,omitempty"`
	MTime         *int64 `yaml:"mtime,omitempty"`
	UID           *uint32 `yaml:"uid,omitempty"`
	GID           *uint32 `yaml:"gid,omitempty"`
	Mode          *uint32 `yaml:"mode,omitempty"`
}

// EntryName returns the entry's staged directory/file name, deriving it
// from the legacy OriginalPath field (its last path component) when the
// new-dialect Name field is absent.
func (e *Entry) EntryName() string {
	if e.Name != "" {
		return e.Name
	}
	if e.OriginalPath != "" {
		idx := strings.LastIndex(e.OriginalPath, "/")
		if idx >= 0 {
			return e.OriginalPath[idx+1:]
		}
		return e.OriginalPath
	}
	return ""
}

// RestoreParent returns the directory an entry should be restored into,
// resolving the legacy combined OriginalPath field when present.
func (e *Entry) RestoreParent() string {
	if e.RestorePath != "" {
		return e.RestorePath
	}
	if e.OriginalPath != "" {
		idx := strings.LastIndex(e.OriginalPath, "/")
		if idx >= 0 {
			return e.OriginalPath[:idx]
		}
		return "/"
	}
	return ""
}

// Metadata is the freeze-time context recorded alongside the entry list.
type Metadata struct {
	Date          string         `yaml:"date"`
	Host          string         `yaml:"host"`
	PrivilegeMode *PrivilegeMode `yaml:"privilege_mode,omitempty"`
}

// Manifest is the full contents of list.yaml.
type Manifest struct {
	Metadata Metadata `yaml:"metadata"`
	Files    []Entry  `yaml:"files"`
}

// Validate checks structural invariants: entry IDs are present and
// unique, types are recognized, and every entry resolves to a non-empty
// name and restore parent under either dialect.
func (m *Manifest) Validate() error {
	seen := make(map[uint32]bool, len(m.Files))
	for i := range m.Files {
		e := &m.Files[i]
		switch e.Type {
		case KindFile, KindDirectory, KindSymlink:
		default:
			return fmt.Errorf("manifest: entry %d has unrecognized type %q", e.ID, e.Type)
		}
		if e.ID == 0 {
			return fmt.Errorf("manifest: entry at position %d has no id", i+1)
		}
		if seen[e.ID] {
			return fmt.Errorf("manifest: duplicate entry id %d", e.ID)
		}
		seen[e.ID] = true
		name := e.EntryName()
		if name == "" {
			return fmt.Errorf("manifest: entry %d has no resolvable name", e.ID)
		}
		if err := ValidateBasename(name); err != nil {
			return fmt.Errorf("manifest: entry %d: %w", e.ID, err)
		}
		if e.RestoreParent() == "" {
			return fmt.Errorf("manifest: entry %d has no resolvable restore path", e.ID)
		}
		if e.Type == KindSymlink && e.SymlinkTarget == "" {
			return fmt.Errorf("manifest: symlink entry %d missing symlink_target", e.ID)
		}
	}
	return nil
}

// ValidateBasename rejects names that can't safely stand alone as a
// single path component: empty, "." or "..", containing a "/", or
// containing a null byte. freeze and the manifest codec both reject
// these with a clear error rather than writing bytes that would let a
// crafted entry escape its intended staging directory on restore.
func ValidateBasename(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name %q is not a valid basename", name)
	}
	if strings.ContainsRune(name, '/') {
		return fmt.Errorf("name %q contains a path separator", name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("name %q contains a null byte", name)
	}
	return nil
}

// Encode writes m to w as list.yaml.
func Encode(w io.Writer, m *Manifest) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(m)
}

// Decode reads a list.yaml document from r.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadFile loads and validates a list.yaml from disk.
func ReadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// WriteFile encodes m to path.
func WriteFile(path string, m *Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Encode(f, m)
}
