package kv

import "testing"

func TestSetGetDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, ok, err := s.Get("theme"); err != nil || ok {
		t.Fatalf("expected no value yet, got ok=%v err=%v", ok, err)
	}

	if err := s.Set("theme", "rainbow"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, ok, err := s.Get("theme")
	if err != nil || !ok || value != "rainbow" {
		t.Fatalf("Get = %q, ok=%v, err=%v", value, ok, err)
	}

	if err := s.Set("theme", "mono"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	value, _, _ = s.Get("theme")
	if value != "mono" {
		t.Fatalf("Get after overwrite = %q, want mono", value)
	}

	if err := s.Delete("theme"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("theme"); ok {
		t.Fatal("expected value gone after Delete")
	}
}

func TestMigrateLegacyPlaintextPasswordsRunsOnce(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var migrated []string
	migrate := func(account, password string) bool {
		migrated = append(migrated, account+":"+password)
		return true
	}

	err = s.MigrateLegacyPlaintextPasswords(
		[]string{"alice@example.org"},
		map[string]string{"alice@example.org": "hunter2"},
		migrate,
	)
	if err != nil {
		t.Fatalf("first migration: %v", err)
	}
	if len(migrated) != 1 || migrated[0] != "alice@example.org:hunter2" {
		t.Fatalf("migrated = %v", migrated)
	}

	migrated = nil
	err = s.MigrateLegacyPlaintextPasswords(
		[]string{"alice@example.org"},
		map[string]string{"alice@example.org": "hunter2"},
		migrate,
	)
	if err != nil {
		t.Fatalf("second migration: %v", err)
	}
	if len(migrated) != 0 {
		t.Fatalf("expected no-op on second call, got %v", migrated)
	}
}
