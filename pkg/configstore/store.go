// Package configstore persists small JSON configuration documents
// (slave mappings, slave lists, layout) under a content directory,
// keyed by filename, with atomic write-temp-then-rename saves.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store roots every document at a single content directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. dir is created if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("configstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// LoadJSON reads name and unmarshals it into v. If the file does not
// exist, v is left as def (marshaled, then unmarshaled back into v, so
// the caller always receives a consistent value) and no error is
// returned.
func (s *Store) LoadJSON(name string, v interface{}, def interface{}) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		defData, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("configstore: marshal default for %s: %w", name, err)
		}
		return json.Unmarshal(defData, v)
	}
	if err != nil {
		return fmt.Errorf("configstore: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("configstore: parse %s: %w", name, err)
	}
	return nil
}

// SaveJSON atomically writes v to name: marshal, write to a temp file
// in the same directory, then rename over the destination.
func (s *Store) SaveJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("configstore: marshal %s: %w", name, err)
	}

	dest := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("configstore: create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpName)
		if werr != nil {
			return fmt.Errorf("configstore: write %s: %w", name, werr)
		}
		return fmt.Errorf("configstore: close temp for %s: %w", name, cerr)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("configstore: rename into %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name is present in the store.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}
