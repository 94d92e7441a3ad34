package coordinator

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/failsafe/internal/masterfile"
)

// MasterRegistry holds the current master of every system and persists it
// to the master file, serving as the authoritative source for the address
// clients are told to use.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│         MasterRegistry              │
//	├─────────────────────────────────────┤
//	│  masters: map[system]→host:port     │
//	│  file: atomic master file           │
//	│  mu: RWMutex for thread safety      │
//	├─────────────────────────────────────┤
//	│  Set("primary", "10.0.0.2:6379")    │
//	│    → memory → temp file → rename    │
//	└─────────────────────────────────────┘
//
// Memory always holds the masters clients are told about. A failed write
// leaves the registry dirty until Flush gets the file in step again.
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Set and Flush hold the write lock while the file is replaced
//   - All returned data is copied to prevent races
type MasterRegistry struct {
	masters map[string]string
	file    *masterfile.File
	dirty   bool
	mu      sync.RWMutex
}

// NewMasterRegistry creates a registry persisting to file.
// A nil file keeps the registry in memory only.
func NewMasterRegistry(file *masterfile.File) *MasterRegistry {
	return &MasterRegistry{
		masters: make(map[string]string),
		file:    file,
	}
}

// Load replaces the in-memory state with the content of the master file.
//
// Returns:
//   - map[string]string: Copy of the loaded masters
//   - error: If the file exists but cannot be read
func (r *MasterRegistry) Load() (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return r.copyLocked(), nil
	}
	masters, err := r.file.Read()
	if err != nil {
		return nil, errors.Wrap(err, "loading master file")
	}
	r.masters = masters
	r.dirty = false
	return r.copyLocked(), nil
}

// Get returns the master of system, or "" when none is known.
func (r *MasterRegistry) Get(system string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.masters[system]
}

// Set records addr as master of system and rewrites the master file atomically.
// The in-memory value changes even when the write fails; the error is
// returned and the write is retried by the next Flush.
func (r *MasterRegistry) Set(system, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if addr == "" {
		delete(r.masters, system)
	} else {
		r.masters[system] = addr
	}
	r.dirty = true
	return errors.Wrapf(r.flushLocked(), "persisting master %s for system %s", addr, system)
}

// Flush rewrites the master file if an earlier write failed.
func (r *MasterRegistry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	return errors.Wrap(r.flushLocked(), "persisting master file")
}

func (r *MasterRegistry) flushLocked() error {
	if r.file != nil {
		if err := r.file.Write(r.masters); err != nil {
			return err
		}
	}
	r.dirty = false
	return nil
}

// Content renders the masters in master file format.
func (r *MasterRegistry) Content() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return masterfile.Marshal(r.masters)
}

func (r *MasterRegistry) copyLocked() map[string]string {
	out := make(map[string]string, len(r.masters))
	for k, v := range r.masters {
		out[k] = v
	}
	return out
}
