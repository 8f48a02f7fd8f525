package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Error("New() returned the same id twice")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("New() = %q is not a UUID: %v", a, err)
	}
	if a != strings.ToUpper(a) {
		t.Errorf("New() = %q, want upper case", a)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"AAAA-1111", false},
		{New(), false},
		{"", true},
		{"has space", true},
		{"tab\there", true},
		{"a/b", true},
		{strings.Repeat("x", MaxIDLength), false},
		{strings.Repeat("x", MaxIDLength+1), true},
	}
	for _, tt := range tests {
		err := Validate(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidID) {
			t.Errorf("Validate(%q) error = %v, want ErrInvalidID", tt.id, err)
		}
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	if Exists(dir) {
		t.Fatal("Exists() = true before creation")
	}
	if _, err := Load(dir); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}

	id, created, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if !created {
		t.Error("first LoadOrCreate() created = false")
	}

	again, created, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatal(err)
	}
	if created || again != id {
		t.Errorf("second LoadOrCreate() = %q, %v; want %q, false", again, created, id)
	}

	fi, err := os.Stat(filepath.Join(dir, idFileName))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Errorf("id file mode = %v, want 0600", fi.Mode().Perm())
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, idFileName), []byte("  \n"), 0600)

	if _, _, err := LoadOrCreate(dir); !errors.Is(err, ErrInvalidID) {
		t.Errorf("LoadOrCreate() error = %v, want ErrInvalidID", err)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()

	got, err := Resolve("AAAA-1111", dir)
	if err != nil || got != "AAAA-1111" {
		t.Errorf("Resolve(fixed) = %q, %v", got, err)
	}
	if Exists(dir) {
		t.Error("fixed id was persisted")
	}

	auto, err := Resolve("auto", dir)
	if err != nil {
		t.Fatal(err)
	}
	empty, err := Resolve("", dir)
	if err != nil || empty != auto {
		t.Errorf("Resolve(\"\") = %q, %v; want %q", empty, err, auto)
	}

	if _, err := Resolve("bad id", dir); err == nil {
		t.Error("Resolve(bad id) should fail")
	}
}
