// Package store persists scrape, batch and analysis records as flat JSON files.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned by Load when no record matches the id fragment.
var ErrNotFound = errors.New("record not found")

// PersistenceError wraps directory and file I/O failures.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Record is a stored JSON document and the name it was saved under.
type Record struct {
	Name    string
	ModTime time.Time
	Data    jsoniter.RawMessage
}

// Decode unmarshals the record into v.
func (r *Record) Decode(v interface{}) error {
	return json.Unmarshal(r.Data, v)
}

// Store writes records into a single flat directory.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now for filename timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store rooted at dir. The directory is created lazily on first write.
func New(dir string, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{dir: dir, logger: logger.Named("store"), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory records are written to.
func (s *Store) Dir() string { return s.dir }

// Save writes record as "{hint}-{epochMillis}.json" and returns the filename.
func (s *Store) Save(record interface{}, hint string) (string, error) {
	name := fmt.Sprintf("%s-%d.json", sanitize(hint), s.now().UnixMilli())
	if err := s.Put(name, record); err != nil {
		return "", err
	}
	return name, nil
}

// Put writes record under an exact filename, replacing any previous content.
func (s *Store) Put(name string, record interface{}) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Path: name, Err: err}
	}
	path, err := WriteFile(s.dir, name, data)
	if err != nil {
		return err
	}
	s.logger.Debug("Record written.", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

// Load returns the record whose filename contains idFragment and ends in ".json".
// When several match, the one with the newest timestamp wins.
func (s *Store) Load(idFragment string) (*Record, error) {
	if strings.TrimSpace(idFragment) == "" || strings.ContainsAny(idFragment, `/\`) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, idFragment)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, idFragment)
		}
		return nil, &PersistenceError{Op: "list", Path: s.dir, Err: err}
	}

	type candidate struct {
		name    string
		stamp   int64
		modTime time.Time
	}
	var matches []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || !strings.Contains(name, idFragment) {
			continue
		}
		c := candidate{name: name}
		if info, err := entry.Info(); err == nil {
			c.modTime = info.ModTime()
		}
		c.stamp = filenameStamp(name)
		if c.stamp == 0 {
			c.stamp = c.modTime.UnixMilli()
		}
		matches = append(matches, c)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idFragment)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].stamp != matches[j].stamp {
			return matches[i].stamp > matches[j].stamp
		}
		return matches[i].name > matches[j].name
	})
	best := matches[0]

	path := filepath.Join(s.dir, best.name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	return &Record{Name: best.name, ModTime: best.modTime, Data: data}, nil
}

// WriteFile writes data to dir/name atomically, creating dir as needed, and returns the full path.
func WriteFile(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", &PersistenceError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", &PersistenceError{Op: "close", Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", &PersistenceError{Op: "chmod", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", &PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return path, nil
}

// minStamp is the smallest 13-digit epoch-millis value (September 2001).
const minStamp = 1_000_000_000_000

// filenameStamp extracts the epoch-millis suffix from "{prefix}-{millis}.json", or 0.
func filenameStamp(name string) int64 {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.LastIndexByte(base, '-')
	if idx < 0 {
		return 0
	}
	stamp, err := strconv.ParseInt(base[idx+1:], 10, 64)
	// Shorter numbers are id parts such as a CVE sequence, not epoch millis.
	if err != nil || stamp < minStamp {
		return 0
	}
	return stamp
}

// sanitize keeps hints usable as a single path component.
func sanitize(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "record"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, hint)
}
