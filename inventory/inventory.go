// Package inventory caches per-node disk and partition metadata. The cache is
// read-only from the orchestrator's point of view; an external scanning
// collaborator refreshes snapshots through the HTTP surface.
package inventory

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mrveiss/pureboot-sub001/interfaces"
)

type diskKey struct {
	node   interfaces.NodeID
	device string
}

// Store is an in-memory snapshot cache keyed by (node, device).
type Store struct {
	mu    sync.RWMutex
	disks map[diskKey]interfaces.DiskSnapshot
	log   *slog.Logger
}

// NewStore creates an empty inventory store.
func NewStore(log *slog.Logger) *Store {
	return &Store{
		disks: make(map[diskKey]interfaces.DiskSnapshot),
		log:   log,
	}
}

// Put replaces the snapshot for the snapshot's (node, device) pair.
func (s *Store) Put(snapshot interfaces.DiskSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snapshot.ScannedAt.IsZero() {
		snapshot.ScannedAt = time.Now()
	}

	s.disks[diskKey{snapshot.NodeID, snapshot.Device}] = snapshot
	s.log.Debug("Inventory snapshot updated",
		"node", snapshot.NodeID.String(),
		"device", snapshot.Device,
		"sizeBytes", snapshot.SizeBytes,
		"partitions", len(snapshot.Partitions))
}

// Get returns the snapshot for (node, device), or ErrNotFound.
func (s *Store) Get(node interfaces.NodeID, device string) (interfaces.DiskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.disks[diskKey{node, device}]
	if !ok {
		return interfaces.DiskSnapshot{}, fmt.Errorf("%w: disk %s on node %s", interfaces.ErrNotFound, device, node)
	}
	return snapshot, nil
}

// Delete removes the snapshot for (node, device), if present.
func (s *Store) Delete(node interfaces.NodeID, device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.disks, diskKey{node, device})
}

// HasNode reports whether any snapshot exists for the node.
func (s *Store) HasNode(node interfaces.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key := range s.disks {
		if key.node == node {
			return true
		}
	}
	return false
}
