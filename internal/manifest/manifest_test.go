package manifest

import (
	"bytes"
	"strings"
	"testing"
)

func TestDecodeLegacyDialect(t *testing.T) {
	doc := `
metadata:
  date: "2024-01-01"
  host: oldhost
files:
  - id: 1
    type: file
    original_path: "/home/user/data"
`
	m, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := m.Files[0].EntryName(); got != "data" {
		t.Errorf("EntryName() = %q, want %q", got, "data")
	}
	if got := m.Files[0].RestoreParent(); got != "/home/user" {
		t.Errorf("RestoreParent() = %q, want %q", got, "/home/user")
	}
}

func TestDecodeNewDialect(t *testing.T) {
	doc := `
metadata:
  date: "2024-01-01"
  host: newhost
  privilege_mode: root
files:
  - id: 7
    type: directory
    name: data
    restore_path: "/home/user"
`
	m, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Metadata.PrivilegeMode == nil || *m.Metadata.PrivilegeMode != PrivilegeRoot {
		t.Errorf("PrivilegeMode = %v, want root", m.Metadata.PrivilegeMode)
	}
	if got := m.Files[0].EntryName(); got != "data" {
		t.Errorf("EntryName() = %q, want %q", got, "data")
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	m := &Manifest{Files: []Entry{
		{ID: 1, Type: KindFile, Name: "a", RestorePath: "/x"},
		{ID: 1, Type: KindFile, Name: "b", RestorePath: "/y"},
	}}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for duplicate entry ids")
	}
}

func TestValidateRejectsSymlinkWithoutTarget(t *testing.T) {
	m := &Manifest{Files: []Entry{
		{ID: 1, Type: KindSymlink, Name: "a", RestorePath: "/x"},
	}}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for symlink missing symlink_target")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	mode := PrivilegeUser
	m := &Manifest{
		Metadata: Metadata{Date: "2024-06-01", Host: "h", PrivilegeMode: &mode},
		Files: []Entry{
			{ID: 1, Type: KindFile, Name: "foo.txt", RestorePath: "/home/user"},
			{ID: 2, Type: KindSymlink, Name: "link", RestorePath: "/home/user", SymlinkTarget: "foo.txt"},
		},
	}
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Files) != 2 || got.Files[1].SymlinkTarget != "foo.txt" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
