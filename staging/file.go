package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mrveiss/pureboot-sub001/interfaces"
	"github.com/mrveiss/pureboot-sub001/metrics"
)

// generationStampFormat is fixed-width so generation names sort
// lexicographically in creation order.
const generationStampFormat = "2006-01-02T15:04:05.000000000Z"

func generationStamp(now time.Time) string {
	return now.UTC().Format(generationStampFormat)
}

// FileBackend stages clone data on a local or network-mounted filesystem.
// Each reservation creates a fresh timestamped generation directory so
// successive clones of the same destination never collide and can be
// retained independently.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a filesystem staging backend rooted at baseDir.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create staging base directory: %v", interfaces.ErrProvisioningFailure, err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Reserve creates a new generation directory under the destination path.
func (b *FileBackend) Reserve(ctx context.Context, destination string, sizeBytes int64) (interfaces.StagingAllocation, error) {
	if destination == "" {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: destination path is required", interfaces.ErrProvisioningFailure)
	}

	free, err := freeBytes(b.baseDir)
	if err != nil {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: failed to stat staging filesystem: %v", interfaces.ErrProvisioningFailure, err)
	}
	if sizeBytes > free {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: insufficient space: need %d bytes, %d available", interfaces.ErrProvisioningFailure, sizeBytes, free)
	}

	now := time.Now()
	generationDir := filepath.Join(b.baseDir, destination, generationStamp(now))

	if err := os.MkdirAll(generationDir, 0755); err != nil {
		return interfaces.StagingAllocation{}, fmt.Errorf("%w: failed to create generation directory: %v", interfaces.ErrProvisioningFailure, err)
	}

	b.log.Info("Reserved staging generation",
		"backend", b.Name(),
		"path", generationDir,
		"sizeBytes", sizeBytes)
	metrics.StagingBytesReserved.Add(float64(sizeBytes))

	return interfaces.StagingAllocation{
		Backend:       b.Name(),
		LocationURI:   b.locationURI,
		Path:          generationDir,
		ReservedBytes: sizeBytes,
		Status:        interfaces.StagingProvisioned,
		CreatedAt:     now,
	}, nil
}

// Release reclaims generations under the allocation's destination, keeping
// the keepVersions most recent ones regardless of which session produced
// them. Whole generations are deleted, never partial contents.
func (b *FileBackend) Release(ctx context.Context, alloc interfaces.StagingAllocation, keepVersions int) error {
	destinationDir := filepath.Dir(alloc.Path)

	entries, err := os.ReadDir(destinationDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list staging generations: %w", err)
	}

	var generations []string
	for _, entry := range entries {
		if entry.IsDir() {
			generations = append(generations, entry.Name())
		}
	}

	// Newest first; stamps are fixed-width so name order is time order.
	sort.Sort(sort.Reverse(sort.StringSlice(generations)))

	for i, name := range generations {
		if i < keepVersions {
			continue
		}
		generationDir := filepath.Join(destinationDir, name)
		if err := os.RemoveAll(generationDir); err != nil {
			return fmt.Errorf("failed to delete generation %s: %w", generationDir, err)
		}
		b.log.Info("Deleted staging generation", "path", generationDir)
	}

	metrics.StagingReleases.Inc()
	return nil
}

// Available checks the staging base directory is reachable.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File staging backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI this backend was created from.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}
