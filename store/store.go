// Package store implements C3: a content-addressed block store under
// a destination directory, with a two-level hex fan-out and
// atomic-rename writes for crash safety.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mmp/strongbox/errs"
)

// Store persists and fetches EncryptedBlockObjects by their content
// hash under dest.
type Store struct {
	dest string
}

func New(dest string) *Store {
	return &Store{dest: dest}
}

// path returns <dest>/<h0h1>/<h2h3>/<hashhex> for a hex-encoded hash.
// Callers are trusted to pass a hash long enough to fan out (any
// SHA-1 hex digest is 40 characters).
func (s *Store) path(hash string) (string, error) {
	if len(hash) < 4 {
		return "", fmt.Errorf("hash %q too short to fan out", hash)
	}
	return filepath.Join(s.dest, hash[0:2], hash[2:4], hash), nil
}

// Put writes bytes under hash, atomically. It writes to a unique
// temporary file in the same leaf directory and renames it into
// place; if the destination already exists, Put succeeds without
// creating a temp file or rewriting it (idempotent, retry-safe —
// duplicate writes converge per spec §4.3).
func (s *Store) Put(hash string, data []byte) error {
	dst, err := s.path(hash)
	if err != nil {
		return errs.Wrap(errs.Other, err)
	}

	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.Io, hash, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return errs.New(errs.Io, hash, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.Io, hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.Io, hash, err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		if _, statErr := os.Stat(dst); statErr == nil {
			// Someone else raced us to the same content-addressed
			// destination; that's fine, the bytes are identical by
			// construction.
			return nil
		}
		return errs.New(errs.Io, hash, err)
	}
	return nil
}

// Get reads the object stored under hash.
func (s *Store) Get(hash string) ([]byte, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, errs.Wrap(errs.Other, err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.Io, hash, fmt.Errorf("block %s not found at destination: %w", hash, err))
		}
		return nil, errs.New(errs.Io, hash, err)
	}
	return data, nil
}

// Exists reports whether an object is present for hash.
func (s *Store) Exists(hash string) (bool, error) {
	p, err := s.path(hash)
	if err != nil {
		return false, errs.Wrap(errs.Other, err)
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errs.New(errs.Io, hash, err)
}

// Delete removes the object stored under hash. It succeeds whether or
// not the object existed (IGNORE_MISSING), so a retried cleanup pass
// converges regardless of where a prior crash left off.
func (s *Store) Delete(hash string) error {
	p, err := s.path(hash)
	if err != nil {
		return errs.Wrap(errs.Other, err)
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.Io, hash, err)
	}
	return nil
}

// OpenReader opens the object stored under hash for streaming reads.
func (s *Store) OpenReader(hash string) (io.ReadCloser, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, errs.Wrap(errs.Other, err)
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.Io, hash, fmt.Errorf("block %s not found at destination: %w", hash, err))
		}
		return nil, errs.New(errs.Io, hash, err)
	}
	return f, nil
}
