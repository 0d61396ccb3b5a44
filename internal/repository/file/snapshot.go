// Package file persists the delivery collection as a single JSON document on disk.
//
// Every Save rewrites the whole collection, mirroring a flat key-value layout. The write
// goes to a temporary file first and is renamed into place so a crash never leaves a
// half-written snapshot behind.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"lastmile/internal/domain"
	"lastmile/internal/repository"
)

// SnapshotRepository implements repository.DeliveryRepository on top of one JSON file.
type SnapshotRepository struct {
	mu         sync.Mutex
	path       string
	deliveries map[string]domain.Delivery
	loaded     bool
}

// NewSnapshotRepository creates a repository that reads and writes path.
// The file is created on the first Save.
func NewSnapshotRepository(path string) *SnapshotRepository {
	return &SnapshotRepository{
		path:       path,
		deliveries: make(map[string]domain.Delivery),
	}
}

// LoadAll reads the snapshot. A missing file is an empty collection.
func (r *SnapshotRepository) LoadAll(ctx context.Context) ([]domain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	return r.sortedLocked(), nil
}

// Save replaces d in the collection and rewrites the snapshot.
// On failure the previous snapshot and in-memory copy are kept.
func (r *SnapshotRepository) Save(ctx context.Context, d *domain.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return err
	}

	prev, existed := r.deliveries[d.ID]
	r.deliveries[d.ID] = *d

	if err := r.writeLocked(); err != nil {
		if existed {
			r.deliveries[d.ID] = prev
		} else {
			delete(r.deliveries, d.ID)
		}
		return err
	}
	return nil
}

func (r *SnapshotRepository) loadLocked() error {
	if r.loaded {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var list []domain.Delivery
	if len(data) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
	}
	for _, d := range list {
		r.deliveries[d.ID] = d
	}
	r.loaded = true
	return nil
}

func (r *SnapshotRepository) writeLocked() error {
	data, err := json.Marshal(r.sortedLocked())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".deliveries-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (r *SnapshotRepository) sortedLocked() []domain.Delivery {
	list := make([]domain.Delivery, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Seq != list[j].Seq {
			return list[i].Seq < list[j].Seq
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Ensure SnapshotRepository implements repository.DeliveryRepository.
var _ repository.DeliveryRepository = (*SnapshotRepository)(nil)
