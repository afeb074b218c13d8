package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidKey is returned for empty keys or keys spanning several lines
var ErrInvalidKey = errors.New("invalid key")

const maxLineSize = 16 * 1024 * 1024

// Iterator walks keys in insertion order
type Iterator interface {
	Next() bool
	Key() string
	Err() error
	Close() error
}

// DiskSet is an append-only set of newline-separated keys
type DiskSet struct {
	path  string
	mu    sync.Mutex
	file  *os.File
	size  int64
	count int
	cache *lru.Cache[string, struct{}]
}

// OpenDiskSet opens or creates the set at path. cacheSize <= 0 disables the
// in-memory cache. A partial line left by a crash mid-append is truncated.
func OpenDiskSet(path string, cacheSize int) (*DiskSet, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create set directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open set file: %w", err)
	}

	s := &DiskSet{path: path, file: file}
	if cacheSize > 0 {
		s.cache, err = lru.New[string, struct{}](cacheSize)
		if err != nil {
			file.Close()
			return nil, err
		}
	}

	if err := s.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

// recover counts complete lines and drops a torn trailing line
func (s *DiskSet) recover() error {
	reader := bufio.NewReaderSize(s.file, 64*1024)
	var complete int64
	var offset int64
	for {
		line, err := reader.ReadSlice('\n')
		offset += int64(len(line))
		if err == nil {
			complete = offset
			if len(bytes.TrimRight(line, "\r\n")) > 0 {
				s.count++
			}
			continue
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			// Long line; keep reading until its newline
			for errors.Is(err, bufio.ErrBufferFull) {
				line, err = reader.ReadSlice('\n')
				offset += int64(len(line))
			}
			if err == nil {
				complete = offset
				s.count++
				continue
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		return fmt.Errorf("failed to read set file: %w", err)
	}

	if offset != complete {
		if err := s.file.Truncate(complete); err != nil {
			return fmt.Errorf("failed to truncate partial line: %w", err)
		}
	}
	if _, err := s.file.Seek(complete, io.SeekStart); err != nil {
		return err
	}
	s.size = complete
	return nil
}

// Path returns the backing file path
func (s *DiskSet) Path() string {
	return s.path
}

// Count returns the number of keys in the set
func (s *DiskSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Add appends key unless it is already present. It reports whether the key
// was new.
func (s *DiskSet) Add(key string) (bool, error) {
	n, err := s.AddAll([]string{key})
	return n == 1, err
}

// AddAll appends the keys not yet present, in order, with a single file scan
// and a single write. It returns how many keys were new.
func (s *DiskSet) AddAll(keys []string) (int, error) {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, os.ErrClosed
	}

	pending := make(map[string]bool, len(keys))
	for _, key := range keys {
		if s.cache != nil && s.cache.Contains(key) {
			continue
		}
		pending[key] = true
	}
	if len(pending) > 0 {
		if err := s.scan(func(key string) {
			if pending[key] {
				delete(pending, key)
				s.remember(key)
			}
		}); err != nil {
			return 0, err
		}
	}

	var buf bytes.Buffer
	added := 0
	for _, key := range keys {
		if !pending[key] {
			continue
		}
		delete(pending, key)
		buf.WriteString(key)
		buf.WriteByte('\n')
		added++
	}
	if added == 0 {
		return 0, nil
	}

	if _, err := s.file.WriteAt(buf.Bytes(), s.size); err != nil {
		// A torn write is cut off on the next open
		return 0, fmt.Errorf("failed to append to set: %w", err)
	}
	s.size += int64(buf.Len())
	s.count += added

	for _, key := range keys {
		s.remember(key)
	}
	return added, nil
}

// Contains reports whether key is in the set
func (s *DiskSet) Contains(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return false, os.ErrClosed
	}
	if s.cache != nil && s.cache.Contains(key) {
		return true, nil
	}

	found := false
	err := s.scan(func(k string) {
		if !found && k == key {
			found = true
		}
	})
	if err != nil {
		return false, err
	}
	if found {
		s.remember(key)
	}
	return found, nil
}

func (s *DiskSet) remember(key string) {
	if s.cache != nil {
		s.cache.Add(key, struct{}{})
	}
}

// scan calls fn for every key in the file. Callers hold s.mu.
func (s *DiskSet) scan(fn func(key string)) error {
	it := newFileIterator(s.path, s.size)
	defer it.Close()
	for it.Next() {
		fn(it.Key())
	}
	return it.Err()
}

// Iter returns a lazy iterator over the keys present when Iter was called.
// Each call starts again from the beginning of the file.
func (s *DiskSet) Iter() Iterator {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()
	return newFileIterator(s.path, size)
}

// Sync flushes appended keys to stable storage
func (s *DiskSet) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	return s.file.Sync()
}

// Close syncs and closes the set
func (s *DiskSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := errors.Join(s.file.Sync(), s.file.Close())
	s.file = nil
	return err
}

type fileIterator struct {
	file    *os.File
	scanner *bufio.Scanner
	key     string
	err     error
}

func newFileIterator(path string, limit int64) *fileIterator {
	f, err := os.Open(path)
	if err != nil {
		return &fileIterator{err: err}
	}
	scanner := bufio.NewScanner(io.LimitReader(f, limit))
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &fileIterator{file: f, scanner: scanner}
}

func (it *fileIterator) Next() bool {
	if it.scanner == nil || it.err != nil {
		return false
	}
	for it.scanner.Scan() {
		key := strings.TrimSuffix(it.scanner.Text(), "\r")
		if key == "" {
			continue
		}
		it.key = key
		return true
	}
	it.err = it.scanner.Err()
	return false
}

func (it *fileIterator) Key() string { return it.key }
func (it *fileIterator) Err() error  { return it.err }

func (it *fileIterator) Close() error {
	if it.file == nil {
		return nil
	}
	err := it.file.Close()
	it.file = nil
	it.scanner = nil
	return err
}
