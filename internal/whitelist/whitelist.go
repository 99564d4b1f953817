// Package whitelist implements the command-name to executable-path
// mapping that gates every launch attempt. Reloads replace the entire
// map atomically under a single-writer lock; lookups never block one
// another.
package whitelist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/slices"
)

// ErrInvalidConfig is returned by Load/Reload when the config source
// is missing or contains no usable entries.
var ErrInvalidConfig = errors.New("whitelist: config is invalid")

// Entry is one whitelist mapping: a command name a client may invoke,
// and the absolute path of the executable it resolves to.
type Entry struct {
	Name string
	Path string
}

// Store is the in-memory whitelist. The zero value is not usable;
// construct one with Load.
type Store struct {
	mu      sync.RWMutex
	byName  map[string]string
	digest  [blake2b.Size256]byte
	path    string
	hasPath bool
}

// Load reads path and returns a Store populated from it. It fails with
// ErrInvalidConfig if path does not exist or contains no entries.
func Load(path string) (*Store, error) {
	s := &Store{path: path, hasPath: true}
	if err := s.reloadFrom(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup resolves name against the whitelist. It never blocks other
// readers or a concurrent Reload for longer than the map access.
func (s *Store) Lookup(name string) (path string, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path, found = s.byName[name]
	return path, found
}

// Snapshot returns the whitelist entries sorted by name, for status
// reporting and for tests asserting reload idempotence.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.byName))
	for name, path := range s.byName {
		out = append(out, Entry{Name: name, Path: path})
	}
	slices.SortFunc(out, func(a, b Entry) bool { return a.Name < b.Name })
	return out
}

// Reload re-parses the file passed to Load and, if it parses
// successfully, atomically replaces the whole mapping. On failure the
// previous mapping is retained and the error is returned. changed
// reports whether the on-disk content differed from what is currently
// loaded (a byte-identical reload is a no-op, not an error).
func (s *Store) Reload() (changed bool, err error) {
	s.mu.RLock()
	path := s.path
	hasPath := s.hasPath
	s.mu.RUnlock()
	if !hasPath {
		return false, fmt.Errorf("whitelist: %w: no config path configured", ErrInvalidConfig)
	}
	return s.reloadFromChanged(path)
}

func (s *Store) reloadFrom(path string) error {
	_, err := s.reloadFromChanged(path)
	return err
}

func (s *Store) reloadFromChanged(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("whitelist: %w: %s", ErrInvalidConfig, err)
	}
	digest := blake2b.Sum256(raw)

	entries, err := parse(raw)
	if err != nil {
		return false, fmt.Errorf("whitelist: %w: %s", ErrInvalidConfig, err)
	}
	if len(entries) == 0 {
		return false, fmt.Errorf("whitelist: %w: no entries in %s", ErrInvalidConfig, path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName != nil && digest == s.digest {
		s.path = path
		s.hasPath = true
		return false, nil
	}
	s.byName = entries
	s.digest = digest
	s.path = path
	s.hasPath = true
	return true, nil
}

// parse implements the config format of spec §4.1: one non-empty
// "name path" pair per line, leading/trailing whitespace ignored,
// later duplicate names overwrite earlier ones, extra tokens on a
// line are ignored.
func parse(raw []byte) (map[string]string, error) {
	entries := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(string(raw)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries[fields[0]] = fields[1]
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return entries, nil
}
