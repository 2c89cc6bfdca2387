// Package secret implements a file-based stand-in for the
// platform-provided credential store spec.md §4.5 describes. A GUI shell
// on a real desktop would substitute a Keychain/libsecret-backed
// implementation of session.SecretStore without touching this package.
package secret

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists one secret per key as a 0600 file under dir. Keys are bare
// JIDs; they are hashed into filenames so a JID never leaks into a
// directory listing.
type Store struct {
	dir string
}

// Open ensures dir exists with owner-only permissions and returns a Store
// rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secret store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".secret")
}

// Put writes secret to key's file, replacing any existing contents.
func (s *Store) Put(key string, secret []byte) error {
	return os.WriteFile(s.path(key), secret, 0600)
}

// Get reads key's stored secret. ok is false if no secret has been stored
// for key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Delete removes key's stored secret, if any.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
