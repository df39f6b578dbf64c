package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps each record in <dir>/<key>.json and each log in
// <dir>/<key>.jsonl. Records are replaced via temp file + rename.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state path is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) recordPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FileStore) logPath(key string) string {
	return filepath.Join(s.dir, key+".jsonl")
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.recordPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %q: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("write record %q tmp: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename record %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Append(_ context.Context, key string, entry []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if bytes.ContainsRune(entry, '\n') {
		return fmt.Errorf("log entry for %q contains a newline", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %q: %w", key, err)
	}
	defer f.Close()

	if _, err := f.Write(append(entry, '\n')); err != nil {
		return fmt.Errorf("append log %q: %w", key, err)
	}
	return f.Sync()
}

func (s *FileStore) Entries(_ context.Context, key string) ([][]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Entries left behind by an interrupted drain come first.
	pending, err := readLogFile(key, s.logPath(key)+".draining")
	if err != nil {
		return nil, err
	}
	rest, err := readLogFile(key, s.logPath(key))
	if err != nil {
		return nil, err
	}
	return append(pending, rest...), nil
}

// Drain moves the log aside under the write lock, so appends that follow go
// to a fresh file, then reads and removes the moved file.
func (s *FileStore) Drain(_ context.Context, key string) ([][]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.logPath(key)
	draining := path + ".draining"
	// A leftover from an interrupted drain is read first.
	if _, err := os.Stat(draining); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(path, draining); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("move log %q: %w", key, err)
		}
	}

	out, err := readLogFile(key, draining)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(draining); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove drained log %q: %w", key, err)
	}
	return out, nil
}

func readLogFile(key, path string) ([][]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log %q: %w", key, err)
	}
	defer f.Close()

	var out [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log %q: %w", key, err)
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }
