// Package interfaces defines the core types and contracts shared between the
// components of the clone orchestration service. It provides the contract
// between components without implementation details.
package interfaces

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mrveiss/pureboot-sub001/cryptoutils"
)

type TLSCert = cryptoutils.TLSCert
type TLSKey = cryptoutils.TLSKey
type CACert = cryptoutils.CACert

// SessionID uniquely identifies a clone session.
type SessionID string

// NewSessionID generates a fresh random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.Must(uuid.NewRandom()).String())
}

// ParseSessionID validates a session identifier received over the wire.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionID(id.String()), nil
}

// String returns the session identifier as a string.
func (id SessionID) String() string {
	return string(id)
}

// NodeID identifies a node in the external inventory store.
type NodeID string

// String returns the node identifier as a string.
func (id NodeID) String() string {
	return string(id)
}

// Role identifies which side of a clone a participant plays.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
)

// ParseRole validates a role received over the wire.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSource, RoleTarget:
		return Role(s), nil
	default:
		return "", fmt.Errorf("invalid role %q", s)
	}
}

// String returns the role as a string.
func (r Role) String() string {
	return string(r)
}

// CloneCommonName returns the synthetic certificate identity for one session
// participant, of the form clone-{session}-{role}.
func CloneCommonName(id SessionID, role Role) string {
	return fmt.Sprintf("clone-%s-%s", id, role)
}

// CloneMode selects how bytes travel from source to target.
type CloneMode string

const (
	// ModeDirect is a point-to-point streamed clone between two live agents,
	// mutually authenticated with session certificates.
	ModeDirect CloneMode = "direct"

	// ModeStaged routes the clone through an intermediate storage backend,
	// decoupling source and target in time.
	ModeStaged CloneMode = "staged"
)

// ParseCloneMode validates a clone mode received over the wire.
func ParseCloneMode(s string) (CloneMode, error) {
	switch CloneMode(s) {
	case ModeDirect, ModeStaged:
		return CloneMode(s), nil
	default:
		return "", fmt.Errorf("invalid clone mode %q", s)
	}
}

// ResizeMode selects how the partition layout adapts to the target disk.
type ResizeMode string

const (
	ResizeNone         ResizeMode = "none"
	ResizeShrinkSource ResizeMode = "shrink_source"
	ResizeGrowTarget   ResizeMode = "grow_target"
)

// ParseResizeMode validates a resize mode received over the wire.
func ParseResizeMode(s string) (ResizeMode, error) {
	switch ResizeMode(s) {
	case ResizeNone, ResizeShrinkSource, ResizeGrowTarget:
		return ResizeMode(s), nil
	default:
		return "", fmt.Errorf("invalid resize mode %q", s)
	}
}

// SessionStatus is the lifecycle state of a clone session. Status only ever
// advances forward through the transition graph; a failed clone is retried by
// creating a new session.
type SessionStatus string

const (
	StatusPending     SessionStatus = "pending"
	StatusSourceReady SessionStatus = "source_ready"
	StatusCloning     SessionStatus = "cloning"
	StatusCompleted   SessionStatus = "completed"
	StatusFailed      SessionStatus = "failed"
	StatusCancelled   SessionStatus = "cancelled"
)

// Terminal reports whether the status accepts no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next exists in the lifecycle
// graph. Cancellation is legal from any non-terminal state; failure from any
// non-terminal state past pending creation.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch next {
	case StatusSourceReady:
		return s == StatusPending
	case StatusCloning:
		return s == StatusSourceReady
	case StatusCompleted:
		return s == StatusCloning
	case StatusFailed, StatusCancelled:
		return !s.Terminal()
	default:
		return false
	}
}

// CertificateBundle carries the PEM material issued for one session
// participant. The private key exists only in this bundle; the CA does not
// retain it.
type CertificateBundle struct {
	Cert     TLSCert   `json:"cert_pem"`
	Key      TLSKey    `json:"key_pem"`
	CA       CACert    `json:"ca_pem"`
	NotAfter time.Time `json:"not_after"`
}

// PartitionInfo describes one partition in a disk inventory snapshot.
type PartitionInfo struct {
	Number       int    `json:"number"`
	StartByte    int64  `json:"start_byte"`
	SizeBytes    int64  `json:"size_bytes"`
	Filesystem   string `json:"filesystem"`
	Flags        string `json:"flags"`
	UsedBytes    int64  `json:"used_bytes"`
	CanShrink    bool   `json:"can_shrink"`
	MinSizeBytes int64  `json:"min_size_bytes"`
}

// DiskSnapshot is a read-only per-(node, device) view of a disk, populated by
// the external scanning collaborator.
type DiskSnapshot struct {
	NodeID     NodeID          `json:"node_id"`
	Device     string          `json:"device"`
	SizeBytes  int64           `json:"size_bytes"`
	Model      string          `json:"model"`
	Serial     string          `json:"serial"`
	TableKind  string          `json:"table_kind"`
	Partitions []PartitionInfo `json:"partitions"`
	ScannedAt  time.Time       `json:"scanned_at"`
}

// PartitionAction is what the resize planner decided for one partition.
type PartitionAction string

const (
	ActionKeep   PartitionAction = "keep"
	ActionShrink PartitionAction = "shrink"
	ActionGrow   PartitionAction = "grow"
	ActionDelete PartitionAction = "delete"
)

// PlannedPartition is one entry of a resize plan, byte-exact.
type PlannedPartition struct {
	Number          int             `json:"number"`
	Action          PartitionAction `json:"action"`
	SourceSizeBytes int64           `json:"source_size_bytes"`
	TargetSizeBytes int64           `json:"target_size_bytes"`
}

// ResizePlan is the planner's verdict for adapting a source layout to a
// target disk. Immutable once attached to a session.
type ResizePlan struct {
	Mode            ResizeMode         `json:"mode"`
	TargetSizeBytes int64              `json:"target_size_bytes"`
	Partitions      []PlannedPartition `json:"partitions"`
	Feasible        bool               `json:"feasible"`

	// BlockingPartition and Reason are set only when the plan is infeasible.
	BlockingPartition int    `json:"blocking_partition,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// PlannedTotal returns the sum of planned partition sizes in bytes.
func (p *ResizePlan) PlannedTotal() int64 {
	var total int64
	for _, part := range p.Partitions {
		total += part.TargetSizeBytes
	}
	return total
}

// StagingStatus is the lifecycle state of a staging allocation, driven by the
// same callback surface the orchestrator exposes to agents.
type StagingStatus string

const (
	StagingPending     StagingStatus = "pending"
	StagingProvisioned StagingStatus = "provisioned"
	StagingUploading   StagingStatus = "uploading"
	StagingReady       StagingStatus = "ready"
	StagingDownloading StagingStatus = "downloading"
	StagingCleanup     StagingStatus = "cleanup"
	StagingReleased    StagingStatus = "released"
)

// CanTransitionTo reports whether the edge s -> next exists in the staging
// lifecycle. Release is legal from any state: cleanup happens regardless of
// how far a transfer got.
func (s StagingStatus) CanTransitionTo(next StagingStatus) bool {
	switch next {
	case StagingProvisioned:
		return s == StagingPending
	case StagingUploading:
		return s == StagingProvisioned
	case StagingReady:
		return s == StagingUploading
	case StagingDownloading:
		return s == StagingReady
	case StagingCleanup:
		return s != StagingReleased
	case StagingReleased:
		return s != StagingReleased
	default:
		return false
	}
}

// StagingAllocation is one reserved staging generation, owned exclusively by
// a single clone session.
type StagingAllocation struct {
	Backend       string        `json:"backend"`
	LocationURI   string        `json:"location_uri"`
	Path          string        `json:"path"`
	ReservedBytes int64         `json:"reserved_bytes"`
	Status        StagingStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// EventType classifies broadcast events. Progress events are rate-limited;
// lifecycle events never are.
type EventType string

const (
	EventReady     EventType = "ready"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Lifecycle reports whether the event type is a lifecycle (non-progress) event.
func (t EventType) Lifecycle() bool {
	return t != EventProgress
}

// Event is one lifecycle or progress notification for a session.
type Event struct {
	Type             EventType     `json:"type"`
	SessionID        SessionID     `json:"session_id"`
	Status           SessionStatus `json:"status"`
	BytesTotal       int64         `json:"bytes_total,omitempty"`
	BytesTransferred int64         `json:"bytes_transferred,omitempty"`
	RateBps          int64         `json:"rate_bps,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// SourceEndpoint is where a listening source agent can be reached.
type SourceEndpoint struct {
	IP   net.IP `json:"ip"`
	Port int    `json:"port"`
}

// Validate checks the endpoint is usable for a direct transfer.
func (e SourceEndpoint) Validate() error {
	if e.IP == nil {
		return errors.New("source endpoint IP is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("invalid source endpoint port %d", e.Port)
	}
	return nil
}
