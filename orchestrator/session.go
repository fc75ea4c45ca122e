package orchestrator

import (
	"net"
	"sync"
	"time"

	"github.com/mrveiss/pureboot-sub001/interfaces"
)

// Session is one clone session aggregate. It owns at most one resize plan
// and, in staged mode, exactly one staging allocation. Certificate bundles
// exist if and only if the session is direct.
type Session struct {
	ID   interfaces.SessionID `json:"id"`
	Name string               `json:"name,omitempty"`
	Mode interfaces.CloneMode `json:"mode"`

	Status interfaces.SessionStatus `json:"status"`

	SourceNode   interfaces.NodeID `json:"source_node"`
	SourceDevice string            `json:"source_device"`
	TargetNode   interfaces.NodeID `json:"target_node,omitempty"`
	TargetDevice string            `json:"target_device,omitempty"`

	ResizeMode interfaces.ResizeMode  `json:"resize_mode"`
	Plan       *interfaces.ResizePlan `json:"plan,omitempty"`

	StagingBackendURI  string                        `json:"staging_backend_uri,omitempty"`
	StagingDestination string                        `json:"staging_destination,omitempty"`
	Staging            *interfaces.StagingAllocation `json:"staging,omitempty"`

	SourceEndpoint *interfaces.SourceEndpoint `json:"source_endpoint,omitempty"`

	BytesTotal       int64 `json:"bytes_total"`
	BytesTransferred int64 `json:"bytes_transferred"`
	RateBps          int64 `json:"rate_bps"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LastActivityAt is bumped by every agent callback. The reaper measures
	// staged-session idleness from here, so a slow but live transfer is
	// never reaped mid-flight.
	LastActivityAt time.Time `json:"last_activity_at"`

	// CertNotAfter is the expiry of the session's leaf certificates.
	// A direct session past this point can no longer succeed: the peer
	// will reject the expired leaf.
	CertNotAfter time.Time `json:"cert_not_after,omitempty"`

	Error string `json:"error,omitempty"`
}

// managedSession pairs a session with its serialization guard. Concurrent
// callbacks for one session serialize here; sessions never share a lock.
type managedSession struct {
	mu      sync.Mutex
	session Session

	// certificates are kept out of the serialized Session: leaf private
	// keys are only ever handed to the session's own participants.
	certificates map[interfaces.Role]interfaces.CertificateBundle
}

// snapshot returns a copy of the session safe to hand to callers. The caller
// must hold mu.
func (m *managedSession) snapshot() Session {
	s := m.session
	if m.session.Plan != nil {
		plan := *m.session.Plan
		s.Plan = &plan
	}
	if m.session.Staging != nil {
		alloc := *m.session.Staging
		s.Staging = &alloc
	}
	if m.session.SourceEndpoint != nil {
		endpoint := *m.session.SourceEndpoint
		s.SourceEndpoint = &endpoint
	}
	return s
}

// CreateSpec describes a clone session to create. Mode is immutable once the
// session exists.
type CreateSpec struct {
	Name         string
	Mode         interfaces.CloneMode
	SourceNode   interfaces.NodeID
	SourceDevice string
	TargetNode   interfaces.NodeID
	TargetDevice string

	// TargetSizeBytes declares the target disk size when the target disk has
	// not been scanned yet. Ignored when an inventory snapshot exists.
	TargetSizeBytes int64

	ResizeMode interfaces.ResizeMode

	// StagingBackendURI and StagingDestination are required in staged mode.
	StagingBackendURI  string
	StagingDestination string

	// SourceIP and TargetIP, when known up front, are added as IP SANs to
	// the respective leaf certificates (direct mode).
	SourceIP net.IP
	TargetIP net.IP
}

// UpdatePatch carries the fields an operator may edit while a session is
// still pending. Nil fields are left unchanged.
type UpdatePatch struct {
	Name         *string
	TargetNode   *interfaces.NodeID
	TargetDevice *string
}
