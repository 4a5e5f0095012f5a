// Package multidrive composes a primary drive and any number of writer
// drives into a single view. Reads resolve to the drive holding the most
// recently modified copy of a file; writes go to the local writable drive.
package multidrive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/codrive/codrive/pkg/drive"
)

// ErrNotFound is returned when no loaded drive holds a file.
var ErrNotFound = fs.ErrNotExist

// MultiDrive is the set of locally loaded drive handles.
type MultiDrive struct {
	primary drive.Drive

	mu      sync.RWMutex
	sources map[drive.Key]drive.Drive
	order   []drive.Key // load order, primary first

	// readers is held shared while drives taken from the set are in use and
	// exclusively while a removed drive is closed.
	readers sync.RWMutex
}

// New creates a drive set containing only primary.
func New(primary drive.Drive) *MultiDrive {
	key := primary.Key()
	return &MultiDrive{
		primary: primary,
		sources: map[drive.Key]drive.Drive{key: primary},
		order:   []drive.Key{key},
	}
}

// Primary returns the primary drive.
func (m *MultiDrive) Primary() drive.Drive {
	return m.primary
}

// Key returns the primary drive's identity.
func (m *MultiDrive) Key() drive.Key {
	return m.primary.Key()
}

// HasDrive reports whether a drive for key is loaded.
func (m *MultiDrive) HasDrive(key drive.Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sources[key]
	return ok
}

// Get returns the loaded drive for key.
func (m *MultiDrive) Get(key drive.Key) (drive.Drive, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.sources[key]
	return d, ok
}

// AddDrive adds d to the set. It returns false if a drive with the same key
// is already loaded.
func (m *MultiDrive) AddDrive(d drive.Drive) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := d.Key()
	if _, ok := m.sources[key]; ok {
		return false
	}
	m.sources[key] = d
	m.order = append(m.order, key)
	return true
}

// RemoveDrive removes the drive for key and returns it. The primary cannot
// be removed.
func (m *MultiDrive) RemoveDrive(key drive.Key) (drive.Drive, bool) {
	if key == m.primary.Key() {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.sources[key]
	if !ok {
		return nil, false
	}
	delete(m.sources, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return d, true
}

// Acquire holds the set for reading. Drives removed while it is held stay
// open until release is called. Acquire must not be called again before
// release.
func (m *MultiDrive) Acquire() (release func()) {
	m.readers.RLock()
	return m.readers.RUnlock
}

// CloseRemoved closes a drive already removed from the set once no reader
// that could have obtained it still holds the set.
func (m *MultiDrive) CloseRemoved(d drive.Drive) error {
	m.readers.Lock()
	defer m.readers.Unlock()
	return d.Close()
}

// Drives returns all loaded drives, primary first, then in load order.
// Callers that use the drives should hold the set with Acquire.
func (m *MultiDrive) Drives() []drive.Drive {
	m.mu.RLock()
	defer m.mu.RUnlock()

	drives := make([]drive.Drive, 0, len(m.order))
	for _, k := range m.order {
		drives = append(drives, m.sources[k])
	}
	return drives
}

// Keys returns the keys of all loaded drives in load order.
func (m *MultiDrive) Keys() []drive.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]drive.Key(nil), m.order...)
}

// Len returns the number of loaded drives including the primary.
func (m *MultiDrive) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Writer returns the first loaded drive the local process can write to, or
// nil if there is none.
func (m *MultiDrive) Writer() drive.Drive {
	for _, d := range m.Drives() {
		if d.Writable() {
			return d
		}
	}
	return nil
}

// WriterOrPrimary returns Writer, falling back to the primary.
func (m *MultiDrive) WriterOrPrimary() drive.Drive {
	if w := m.Writer(); w != nil {
		return w
	}
	return m.primary
}

// ResolveLatest returns the drive whose copy of name was modified most
// recently. Ties go to the drive loaded first. The returned drive may be
// unloaded and closed once ResolveLatest returns; ReadFile holds the set
// across the read.
func (m *MultiDrive) ResolveLatest(ctx context.Context, name string) (drive.Drive, error) {
	release := m.Acquire()
	defer release()
	return m.resolveLatest(ctx, name)
}

func (m *MultiDrive) resolveLatest(ctx context.Context, name string) (drive.Drive, error) {
	var (
		latest  drive.Drive
		latestT int64
		lastErr error
	)

	for _, d := range m.Drives() {
		info, err := d.Stat(ctx, name)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				lastErr = err
			}
			continue
		}
		if t := info.ModTime().UnixNano(); latest == nil || t > latestT {
			latest, latestT = d, t
		}
	}

	if latest == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, lastErr)
		}
		return nil, &fs.PathError{Op: "resolve", Path: name, Err: ErrNotFound}
	}
	return latest, nil
}

// ReadFile reads name from the drive holding its latest copy.
func (m *MultiDrive) ReadFile(ctx context.Context, name string) ([]byte, error) {
	release := m.Acquire()
	defer release()

	d, err := m.resolveLatest(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.ReadFile(ctx, name)
}

// WriteFile writes name to the local writable drive, or the primary.
func (m *MultiDrive) WriteFile(ctx context.Context, name string, data []byte) error {
	release := m.Acquire()
	defer release()
	return m.WriterOrPrimary().WriteFile(ctx, name, data)
}
