package nvstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func exercise(t *testing.T, s Store) {
	t.Helper()

	fresh := make([]byte, 4)
	if _, err := s.ReadAt(fresh, 10); err != nil {
		t.Fatalf("read erased: %v", err)
	}
	if !bytes.Equal(fresh, []byte{Erased, Erased, Erased, Erased}) {
		t.Errorf("expected erased bytes, got %v", fresh)
	}

	if _, err := s.WriteAt([]byte("abc"), 11); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 5)
	if _, err := s.ReadAt(got, 10); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, []byte{Erased, 'a', 'b', 'c', Erased}) {
		t.Errorf("got %v", got)
	}

	if _, err := s.WriteAt([]byte{1, 2}, int64(s.Size()-1)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := s.ReadAt(make([]byte, 1), -1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange for negative offset, got %v", err)
	}
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory(64))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eeprom.img")

	s, err := OpenFile(path, 64)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	exercise(t, s)
	s.Close()

	s, err = OpenFile(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if s.Size() != 64 {
		t.Errorf("size from header = %d", s.Size())
	}
	got := make([]byte, 3)
	s.ReadAt(got, 11)
	if string(got) != "abc" {
		t.Errorf("got %q after reopen", got)
	}
}

func TestFileStoreRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.img")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path, 32); !errors.Is(err, ErrBadImage) {
		t.Errorf("expected ErrBadImage, got %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nv", "eeprom.db")
	s, err := OpenSQLite(context.Background(), path, 64)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	exercise(t, s)
	s.Close()

	s, err = OpenSQLite(context.Background(), path, 64)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got := make([]byte, 3)
	s.ReadAt(got, 11)
	if string(got) != "abc" {
		t.Errorf("got %q after reopen", got)
	}
}
