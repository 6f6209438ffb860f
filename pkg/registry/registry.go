package registry

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bothive/bothive/pkg/errors"
	"github.com/bothive/bothive/pkg/logging"

	"gopkg.in/yaml.v3"
)

// UnitRecord is the durable per-unit state: the environment variable
// overrides applied on top of the supervisor's own environment.
type UnitRecord struct {
	Env map[string]string `yaml:"env"`
}

// Store is the durable record of all units. All mutations are serialized
// through a single mutex and rewrite the whole file, so concurrent writers
// cannot lose each other's updates.
type Store struct {
	path   string
	logger logging.Logger

	mutex sync.Mutex
	units map[string]UnitRecord
}

// Open loads the store from path, initializing an empty store if the file
// does not exist yet.
func Open(path string, logger logging.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger,
		units:  make(map[string]UnitRecord),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Infof("Registry store not found, starting empty, path: %s", path)
			return s, nil
		}
		return nil, errors.NewIOError("failed to read registry store", err).WithContext("path", path)
	}

	if err := yaml.Unmarshal(data, &s.units); err != nil {
		return nil, errors.NewValidationError("failed to parse registry store", err).WithContext("path", path)
	}
	if s.units == nil {
		s.units = make(map[string]UnitRecord)
	}

	logger.Infof("Registry store loaded, path: %s, units: %d", path, len(s.units))
	return s, nil
}

// List returns the names of all registered units, sorted.
func (s *Store) List() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	names := make([]string, 0, len(s.units))
	for name := range s.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the record for a unit, if registered.
func (s *Store) Get(name string) (UnitRecord, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.units[name]
	return copyRecord(rec), ok
}

// Put registers or replaces a unit record.
func (s *Store) Put(name string, rec UnitRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.units[name] = copyRecord(rec)
	return s.persist()
}

// Register adds a unit with an empty environment unless it already exists;
// existing units keep their overrides.
func (s *Store) Register(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.units[name]; exists {
		return nil
	}
	s.units[name] = UnitRecord{Env: make(map[string]string)}
	return s.persist()
}

// Remove deletes a unit record.
func (s *Store) Remove(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.units[name]; !exists {
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}
	delete(s.units, name)
	return s.persist()
}

// GetEnv returns a copy of a unit's environment overrides.
func (s *Store) GetEnv(name string) (map[string]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, exists := s.units[name]
	if !exists {
		return nil, errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}
	return copyEnv(rec.Env), nil
}

// SetEnvVar sets one environment override for a unit.
func (s *Store) SetEnvVar(name, key, value string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, exists := s.units[name]
	if !exists {
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}
	if rec.Env == nil {
		rec.Env = make(map[string]string)
	}
	rec.Env[key] = value
	s.units[name] = rec
	return s.persist()
}

// DeleteEnvVar removes one environment override from a unit.
func (s *Store) DeleteEnvVar(name, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, exists := s.units[name]
	if !exists {
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}
	if _, exists := rec.Env[key]; !exists {
		return errors.NewNotFoundError("environment variable not found", nil).WithContext("unit", name).WithContext("key", key)
	}
	delete(rec.Env, key)
	s.units[name] = rec
	return s.persist()
}

// persist rewrites the whole store atomically. Callers must hold the mutex.
func (s *Store) persist() error {
	data, err := yaml.Marshal(s.units)
	if err != nil {
		return errors.NewInternalError("failed to marshal registry store", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewIOError("failed to create registry directory", err).WithContext("dir", dir)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.NewIOError("failed to write registry store", err).WithContext("path", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.NewIOError("failed to replace registry store", err).WithContext("path", s.path)
	}

	s.logger.Debugf("Registry store persisted, path: %s, units: %d", s.path, len(s.units))
	return nil
}

func copyRecord(rec UnitRecord) UnitRecord {
	return UnitRecord{Env: copyEnv(rec.Env)}
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
