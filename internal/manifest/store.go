package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoAssociatedFile is returned by Set for keys that were never
// registered against a destination file. Such keys would silently
// vanish on save, so they are rejected outright.
var ErrNoAssociatedFile = errors.New("key has no associated file")

// Store holds the durable application state. Every key is registered to
// exactly one destination file; Save serializes each destination's keys
// into that file as a JSON object.
type Store struct {
	values       map[string]any
	destinations map[string][]string
}

// NewStore builds an empty store with a registry for each destination.
func NewStore(destinations []string) *Store {
	s := &Store{
		values:       map[string]any{},
		destinations: map[string][]string{},
	}
	for _, dest := range destinations {
		if _, ok := s.destinations[dest]; !ok {
			s.destinations[dest] = []string{}
		}
	}
	return s
}

// LoadStore builds a store from the destination files that already exist
// on disk, registering every top-level key found in them. A destination
// with no file yet is left empty. A destination that exists but does not
// parse as a JSON object is a fatal load error.
func LoadStore(destinations []string) (*Store, error) {
	s := NewStore(destinations)
	for _, dest := range destinations {
		data, err := os.ReadFile(dest)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", dest, err)
		}
		keys := make([]string, 0, len(raw))
		for key := range raw {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value, err := decodeValue(key, raw[key])
			if err != nil {
				return nil, fmt.Errorf("parse %s key %q: %w", dest, key, err)
			}
			s.AddKey(key, value, dest)
		}
	}
	return s, nil
}

// decodeValue gives well-known keys their typed representation; anything
// else passes through as raw JSON so unrecognized keys survive a
// load/save round trip.
func decodeValue(key string, raw json.RawMessage) (any, error) {
	switch {
	case key == "processid":
		var id int
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, err
		}
		return id, nil
	case key == "dropbox":
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m == nil {
			m = Manifest{}
		}
		return m, nil
	case strings.HasPrefix(key, "process-"):
		record := &ProcessRecord{}
		if err := json.Unmarshal(raw, record); err != nil {
			return nil, err
		}
		return record, nil
	case key == "reboot":
		var marker string
		if err := json.Unmarshal(raw, &marker); err != nil {
			return nil, err
		}
		return marker, nil
	default:
		return raw, nil
	}
}

// AddKey registers key against dest and assigns its value, bypassing the
// registration guard. Destinations not seen before are created.
func (s *Store) AddKey(key string, value any, dest string) {
	registered := false
	for _, existing := range s.destinations[dest] {
		if existing == key {
			registered = true
			break
		}
	}
	if !registered {
		s.destinations[dest] = append(s.destinations[dest], key)
	}
	s.values[key] = value
}

// Set assigns a value to an already-registered key.
func (s *Store) Set(key string, value any) error {
	for _, keys := range s.destinations {
		for _, existing := range keys {
			if existing == key {
				s.values[key] = value
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s (use AddKey first)", ErrNoAssociatedFile, key)
}

// Get returns the raw value for key.
func (s *Store) Get(key string) (any, bool) {
	value, ok := s.values[key]
	return value, ok
}

// Has reports whether key currently holds a value.
func (s *Store) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// ProcessID returns the current process counter, defaulting to zero.
func (s *Store) ProcessID() int {
	if value, ok := s.values["processid"].(int); ok {
		return value
	}
	return 0
}

// Dropbox returns the dropbox manifest, or nil when the key is absent.
// The returned map is the live value; mutations are visible to Save.
func (s *Store) Dropbox() Manifest {
	if m, ok := s.values["dropbox"].(Manifest); ok {
		return m
	}
	return nil
}

// Process returns the record for process index id.
func (s *Store) Process(id int) (*ProcessRecord, bool) {
	record, ok := s.values[ProcessKey(id)].(*ProcessRecord)
	return record, ok && record != nil
}

// Reboot returns the stored boot marker.
func (s *Store) Reboot() (string, bool) {
	marker, ok := s.values["reboot"].(string)
	return marker, ok
}

// Save writes every destination file, creating parent directories as
// needed. Each file holds exactly the registered keys that currently have
// values, as tab-indented JSON. Saves are neither atomic per file nor
// transactional across destinations.
func (s *Store) Save() error {
	for dest, keys := range s.destinations {
		payload := make(map[string]any, len(keys))
		for _, key := range keys {
			if value, ok := s.values[key]; ok {
				payload[key] = value
			}
		}
		data, err := json.MarshalIndent(payload, "", "\t")
		if err != nil {
			return fmt.Errorf("encode %s: %w", dest, err)
		}
		if dir := filepath.Dir(dest); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Destinations returns the configured destination files.
func (s *Store) Destinations() []string {
	dests := make([]string, 0, len(s.destinations))
	for dest := range s.destinations {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	return dests
}
