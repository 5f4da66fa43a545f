package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/portfolio-briefing/internal/models"
)

// MemorySnapshotStore keeps encoded snapshots in process memory.
// Callers always get a fresh copy, so stored snapshots cannot be mutated.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]map[string][]byte // owner -> date key -> document
}

// NewMemorySnapshotStore creates an empty in-memory store
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string]map[string][]byte),
	}
}

// Put stores the snapshot for (ownerID, date), replacing any previous one
func (m *MemorySnapshotStore) Put(ctx context.Context, ownerID string, date time.Time, snapshot *models.Snapshot) error {
	data, err := encodeSnapshot(ownerID, date, snapshot)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byDate, ok := m.snapshots[ownerID]
	if !ok {
		byDate = make(map[string][]byte)
		m.snapshots[ownerID] = byDate
	}
	byDate[models.DateKey(date)] = data
	return nil
}

// Get returns the snapshot for (ownerID, date), or nil when none was stored
func (m *MemorySnapshotStore) Get(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.snapshots[ownerID][models.DateKey(date)]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	return decodeSnapshot(data)
}

// ListDates returns the stored snapshot dates for an owner, newest first
func (m *MemorySnapshotStore) ListDates(ctx context.Context, ownerID string, limit int) ([]time.Time, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.snapshots[ownerID]))
	for key := range m.snapshots[ownerID] {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	return newestDates(keys, limit), nil
}

// DeleteOlderThan removes an owner's snapshots dated before cutoff
func (m *MemorySnapshotStore) DeleteOlderThan(ctx context.Context, ownerID string, cutoff time.Time) (int64, error) {
	cutoffKey := models.DateKey(cutoff)

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key := range m.snapshots[ownerID] {
		// date keys sort chronologically as strings
		if key < cutoffKey {
			delete(m.snapshots[ownerID], key)
			deleted++
		}
	}
	return deleted, nil
}

// newestDates parses date keys, drops malformed ones, and returns up to limit
// dates newest first. A non-positive limit returns all of them.
func newestDates(keys []string, limit int) []time.Time {
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	dates := []time.Time{}
	for _, key := range keys {
		if limit > 0 && len(dates) >= limit {
			break
		}
		date, err := models.ParseDateKey(key)
		if err != nil {
			continue
		}
		dates = append(dates, date)
	}
	return dates
}
