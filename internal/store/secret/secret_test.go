package secret

import (
	"path/filepath"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, ok, err := s.Get("alice@example.org"); err != nil || ok {
		t.Fatalf("expected no secret yet, got ok=%v err=%v", ok, err)
	}

	if err := s.Put("alice@example.org", []byte("hunter2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get("alice@example.org")
	if err != nil || !ok {
		t.Fatalf("Get after Put: ok=%v err=%v", ok, err)
	}
	if string(got) != "hunter2" {
		t.Fatalf("Get = %q, want hunter2", got)
	}

	if err := s.Delete("alice@example.org"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("alice@example.org"); ok {
		t.Fatal("expected secret gone after Delete")
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Delete("nobody@example.org"); err != nil {
		t.Fatalf("Delete of missing key should be a no-op, got %v", err)
	}
}

func TestKeyNeverAppearsInFilename(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put("alice@example.org", []byte("secret")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	path := s.path("alice@example.org")
	if filepath.Base(path) == "alice@example.org" {
		t.Fatal("expected the bare JID to be hashed, not used verbatim as a filename")
	}
}
