package interfaces

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrNotFound indicates an unknown session, node or backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates an illegal session or staging transition.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrInfeasiblePlan indicates a resize plan that cannot fit the target disk.
	ErrInfeasiblePlan = errors.New("resize plan infeasible")

	// ErrProvisioningFailure indicates an unreachable or full staging backend.
	ErrProvisioningFailure = errors.New("staging provisioning failure")

	// ErrCertificate indicates the CA is not initialized or issuance failed.
	ErrCertificate = errors.New("certificate error")

	// ErrCancelled indicates the session was cancelled by the operator.
	ErrCancelled = errors.New("session cancelled")
)

// CertificateAuthority issues short-lived leaf certificates scoped to one
// session and one role, signed by a long-lived self-signed root.
type CertificateAuthority interface {
	// Initialize loads or generates the root key and certificate. Idempotent.
	Initialize() error

	// IssueSessionCertificate issues a leaf for (session, role). The optional
	// ip is added as an IP SAN. Returns ErrCertificate (wrapped) if the CA is
	// not initialized or signing fails.
	IssueSessionCertificate(id SessionID, role Role, ip net.IP) (CertificateBundle, error)

	// RootCertificatePEM returns the CA certificate so participants can
	// validate their peer's leaf.
	RootCertificatePEM() (CACert, error)
}

// InventoryStore is the read-only cache of per-node disk metadata. It is
// populated by an external scanning collaborator.
type InventoryStore interface {
	Put(snapshot DiskSnapshot)
	Get(node NodeID, device string) (DiskSnapshot, error)
	Delete(node NodeID, device string)

	// HasNode reports whether any snapshot exists for the node.
	HasNode(node NodeID) bool
}

// StagingBackend allocates and reclaims intermediate storage for staged
// transfers. Each reservation is an isolated timestamped generation.
type StagingBackend interface {
	// Reserve allocates a fresh generation of at least sizeBytes under the
	// given destination. Returns the allocation in provisioned status.
	Reserve(ctx context.Context, destination string, sizeBytes int64) (StagingAllocation, error)

	// Release removes the allocation's generation, keeping the keepVersions
	// most recent generations under the same destination across all sessions.
	Release(ctx context.Context, alloc StagingAllocation, keepVersions int) error

	// Available checks whether the backend is currently reachable.
	Available(ctx context.Context) bool

	// Name returns a unique identifier for this backend.
	Name() string

	// LocationURI returns the URI this backend was created from.
	LocationURI() string
}

// StagingFactory creates staging backends from location URIs.
type StagingFactory interface {
	BackendFor(locationURI string) (StagingBackend, error)
}

// Broadcaster fans out session events to observers without ever blocking the
// publisher. Slow subscribers are dropped.
type Broadcaster interface {
	Publish(id SessionID, event Event)
}
