package service

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RiderDirectory keeps the display names of known riders. Availability is never
// stored here; it is derived from the deliveries a rider holds.
type RiderDirectory struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewRiderDirectory creates an empty directory.
func NewRiderDirectory() *RiderDirectory {
	return &RiderDirectory{names: make(map[string]string)}
}

// Register adds or renames a rider. An empty id gets a fresh UUID.
func (d *RiderDirectory) Register(id, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidRiderName
	}
	if id == "" {
		id = uuid.NewString()
	}

	d.mu.Lock()
	d.names[id] = name
	d.mu.Unlock()
	return id, nil
}

// Name returns the rider's name and whether the rider is registered.
// A nil directory knows no riders.
func (d *RiderDirectory) Name(id string) (string, bool) {
	if d == nil {
		return "", false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.names[id]
	return name, ok
}
