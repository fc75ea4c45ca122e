package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mrveiss/pureboot-sub001/interfaces"
	"github.com/mrveiss/pureboot-sub001/metrics"
)

const lunSuffix = ".lun"

// BlockBackend stages clone data as block targets. Each reservation allocates
// a sparse LUN backing file of at least the requested size inside a pool
// directory; the export layer (iSCSI target daemon) binds LUNs from that
// pool and is outside this component.
type BlockBackend struct {
	poolDir     string
	log         *slog.Logger
	locationURI string
}

// NewBlockBackend creates a block staging backend with LUN backing files
// stored under poolDir.
func NewBlockBackend(poolDir string, log *slog.Logger) (*BlockBackend, error) {
	if err := os.MkdirAll(poolDir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create LUN pool directory: %v", interfaces.ErrProvisioningFailure, err)
	}

	return &BlockBackend{
		poolDir:     poolDir,
		log:         log,
		locationURI: fmt.Sprintf("block://%s", poolDir),
	}, nil
}

// Reserve allocates a sparse LUN backing file of at least sizeBytes. The
// returned allocation path is the LUN identifier.
func (b *BlockBackend) Reserve(ctx context.Context, destination string, sizeBytes int64) (interfaces.StagingAllocation, error) {
	if destination == "" {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: destination is required", interfaces.ErrProvisioningFailure)
	}
	if sizeBytes <= 0 {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: LUN size must be positive", interfaces.ErrProvisioningFailure)
	}

	free, err := freeBytes(b.poolDir)
	if err != nil {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: failed to stat LUN pool filesystem: %v", interfaces.ErrProvisioningFailure, err)
	}
	if sizeBytes > free {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: insufficient space: need %d bytes, %d available", interfaces.ErrProvisioningFailure, sizeBytes, free)
	}

	now := time.Now()
	destinationDir := filepath.Join(b.poolDir, destination)
	if err := os.MkdirAll(destinationDir, 0750); err != nil {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: failed to create destination pool: %v", interfaces.ErrProvisioningFailure, err)
	}

	lunPath := filepath.Join(destinationDir, generationStamp(now)+lunSuffix)
	f, err := os.OpenFile(lunPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: failed to create LUN backing file: %v", interfaces.ErrProvisioningFailure, err)
	}
	defer f.Close()

	if err := f.Truncate(sizeBytes); err != nil {
		os.Remove(lunPath)
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: failed to allocate LUN of %d bytes: %v", interfaces.ErrProvisioningFailure, sizeBytes, err)
	}

	b.log.Info("Reserved staging LUN",
		"backend", b.Name(),
		"lun", lunPath,
		"sizeBytes", sizeBytes)
	metrics.StagingBytesReserved.Add(float64(sizeBytes))

	return interfaces.StagingAllocation{
		Backend:       b.Name(),
		LocationURI:   b.locationURI,
		Path:          lunPath,
		ReservedBytes: sizeBytes,
		Status:        interfaces.StagingProvisioned,
		CreatedAt:     now,
	}, nil
}

// Release reclaims LUNs in the allocation's destination pool, keeping the
// keepVersions most recent ones.
func (b *BlockBackend) Release(ctx context.Context, alloc interfaces.StagingAllocation, keepVersions int) error {
	destinationDir := filepath.Dir(alloc.Path)

	entries, err := os.ReadDir(destinationDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list LUN pool: %w", err)
	}

	var luns []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), lunSuffix) {
			luns = append(luns, entry.Name())
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(luns)))

	for i, name := range luns {
		if i < keepVersions {
			continue
		}
		lunPath := filepath.Join(destinationDir, name)
		if err := os.Remove(lunPath); err != nil {
			return fmt.Errorf("failed to delete LUN %s: %w", lunPath, err)
		}
		b.log.Info("Deleted staging LUN", "lun", lunPath)
	}

	metrics.StagingReleases.Inc()
	return nil
}

// Available checks the LUN pool directory is reachable.
func (b *BlockBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.poolDir)
	if err != nil {
		b.log.Debug("Block staging backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this backend.
func (b *BlockBackend) Name() string {
	return fmt.Sprintf("block-%s", filepath.Base(b.poolDir))
}

// LocationURI returns the URI this backend was created from.
func (b *BlockBackend) LocationURI() string {
	return b.locationURI
}
