/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store keeps track of live topologies on disk so that a lab leaked
// by a crashed process can still be released.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/gofrs/flock"
)

// lockFileName is locked while a topology file is written so that two
// netbridge processes sharing a store do not interleave.
const lockFileName = ".lock"

var (
	// ErrNotFound indicates the requested topology ID was not found
	ErrNotFound = errors.New("topology not found")
	// ErrCorrupted indicates the store file is corrupted or invalid
	ErrCorrupted = errors.New("store corrupted")
	// ErrInvalidID indicates an empty ID or one that is not a file name
	ErrInvalidID = errors.New("invalid topology ID")
)

// Store manages persistence of live topologies.
type Store interface {
	Save(topology *lab.Topology) error
	Load(id string) (*lab.Topology, error)
	List() ([]*lab.Topology, error)
	Delete(id string) error
}

// JSONStore implements Store using one JSON file per topology.
type JSONStore struct {
	dir  string
	mu   sync.RWMutex
	lock *flock.Flock
}

var _ Store = &JSONStore{}

// NewJSONStore creates the store directory if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &JSONStore{dir: dir, lock: flock.New(filepath.Join(dir, lockFileName))}, nil
}

// Dir returns the store directory.
func (s *JSONStore) Dir() string {
	return s.dir
}

func validateID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *JSONStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// lockDir takes the in-process and the file lock. Readers only take the
// in-process lock: files are replaced by rename.
func (s *JSONStore) lockDir() (func(), error) {
	s.mu.Lock()
	if err := s.lock.Lock(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to lock store directory: %w", err)
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

// Save writes the topology. The file is replaced atomically.
func (s *JSONStore) Save(topology *lab.Topology) error {
	if topology == nil {
		return errors.New("topology is nil")
	}
	if err := validateID(topology.ID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(topology, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal topology: %w", err)
	}

	unlock, err := s.lockDir()
	if err != nil {
		return err
	}
	defer unlock()

	// the file holds device credentials
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+topology.ID+"-*")
	if err != nil {
		return fmt.Errorf("failed to write topology file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write topology file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write topology file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(topology.ID)); err != nil {
		return fmt.Errorf("failed to write topology file: %w", err)
	}
	return nil
}

// Load reads a topology.
func (s *JSONStore) Load(id string) (*lab.Topology, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	var topology lab.Topology
	if err := json.Unmarshal(data, &topology); err != nil {
		return nil, errors.Join(err, ErrCorrupted)
	}
	if topology.ID != id {
		return nil, errors.Join(fmt.Errorf("file %s holds topology %q", s.path(id), topology.ID), ErrCorrupted)
	}
	return &topology, nil
}

// List returns the stored topologies ordered by ID. Unreadable files are
// skipped.
func (s *JSONStore) List() ([]*lab.Topology, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var topologies []*lab.Topology
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var topology lab.Topology
		if err := json.Unmarshal(data, &topology); err != nil {
			continue
		}
		topologies = append(topologies, &topology)
	}

	slices.SortFunc(topologies, func(a, b *lab.Topology) int {
		return strings.Compare(a.ID, b.ID)
	})
	return topologies, nil
}

// Delete removes a topology.
func (s *JSONStore) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	unlock, err := s.lockDir()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete topology file: %w", err)
	}
	return nil
}
