// Package mapfile stores the mapping list in a YAML file.
package mapfile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"gitcord"
)

const lockRetry = 50 * time.Millisecond

// Store is a gitcord.MappingStore on a YAML file of the form
//
//	mappings:
//	  - id: ...
//	    channel_id: ...
//	    repository: {owner: ..., name: ...}
//
// Writers hold an exclusive lock on Path+".lock".
// Each Save copies the previous file to Path+".bak"
// and replaces the file by renaming a temporary file over it.
type Store struct {
	Path string
}

var (
	_ gitcord.MappingStore  = &Store{}
	_ gitcord.MappingBackup = &Store{}
)

type file struct {
	Mappings []gitcord.Mapping `yaml:"mappings"`
}

func New(path string) *Store {
	return &Store{Path: path}
}

// Load reads the mapping list.
// A missing file is an empty list.
func (s *Store) Load(ctx context.Context) ([]gitcord.Mapping, error) {
	lock := flock.New(s.Path + ".lock")
	if _, err := lock.TryRLockContext(ctx, lockRetry); err != nil {
		return nil, errors.Wrapf(err, "locking %s", s.Path)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", s.Path)
	}
	return decode(data, s.Path)
}

func decode(data []byte, path string) ([]gitcord.Mapping, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return f.Mappings, nil
}

// Save replaces the mapping list.
func (s *Store) Save(ctx context.Context, mappings []gitcord.Mapping) error {
	lock := flock.New(s.Path + ".lock")
	if _, err := lock.TryLockContext(ctx, lockRetry); err != nil {
		return errors.Wrapf(err, "locking %s", s.Path)
	}
	defer lock.Unlock()

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(file{Mappings: mappings}); err != nil {
		return errors.Wrap(err, "encoding mappings")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "encoding mappings")
	}

	prev, err := os.ReadFile(s.Path)
	switch {
	case err == nil:
		if err := os.WriteFile(s.Path+".bak", prev, 0600); err != nil {
			return errors.Wrapf(err, "backing up %s", s.Path)
		}
	case !errors.Is(err, os.ErrNotExist):
		return errors.Wrapf(err, "reading %s", s.Path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp.Name())
	}
	return errors.Wrapf(os.Rename(tmp.Name(), s.Path), "renaming %s to %s", tmp.Name(), s.Path)
}

// Backup reads the mapping list as it was before the last Save.
// It returns gitcord.ErrNotFound if there is no backup.
func (s *Store) Backup(ctx context.Context) ([]gitcord.Mapping, error) {
	lock := flock.New(s.Path + ".lock")
	if _, err := lock.TryRLockContext(ctx, lockRetry); err != nil {
		return nil, errors.Wrapf(err, "locking %s", s.Path)
	}
	defer lock.Unlock()

	path := s.Path + ".bak"
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(gitcord.ErrNotFound, "no backup %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return decode(data, path)
}
