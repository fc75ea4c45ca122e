// Package api defines the wire types exchanged between the clone
// orchestration service, the boot agents and the operator UI.
package api

import (
	"github.com/mrveiss/pureboot-sub001/interfaces"
)

// CreateSessionRequest creates a clone session. Mode is immutable once set.
type CreateSessionRequest struct {
	Name         string `json:"name,omitempty"`
	Mode         string `json:"mode"`
	SourceNode   string `json:"source_node"`
	SourceDevice string `json:"source_device"`
	TargetNode   string `json:"target_node,omitempty"`
	TargetDevice string `json:"target_device,omitempty"`

	// TargetSizeBytes declares the target disk size when the target disk is
	// not yet scanned.
	TargetSizeBytes int64 `json:"target_size_bytes,omitempty"`

	ResizeMode string `json:"resize_mode,omitempty"`

	StagingBackendURI  string `json:"staging_backend_uri,omitempty"`
	StagingDestination string `json:"staging_destination,omitempty"`

	SourceIP string `json:"source_ip,omitempty"`
	TargetIP string `json:"target_ip,omitempty"`
}

// UpdateSessionRequest edits a pending session. Omitted fields are unchanged.
type UpdateSessionRequest struct {
	Name         *string `json:"name,omitempty"`
	TargetNode   *string `json:"target_node,omitempty"`
	TargetDevice *string `json:"target_device,omitempty"`
}

// SourceReadyRequest is the source agent's callback once it is listening.
type SourceReadyRequest struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	SizeBytes int64  `json:"size_bytes"`
	Device    string `json:"device,omitempty"`
}

// ProgressRequest is either agent's transfer counter callback.
type ProgressRequest struct {
	Role             string `json:"role"`
	BytesTransferred int64  `json:"bytes_transferred"`
	RateBps          int64  `json:"rate_bps,omitempty"`
}

// FailRequest carries an agent-reported failure reason.
type FailRequest struct {
	Error string `json:"error"`
}

// StagingStatusRequest records an agent-reported staging transition.
type StagingStatusRequest struct {
	Status string `json:"status"`
}

// CertificateResponse is the PEM bundle for one session participant, plus
// the shared CA certificate for peer validation.
type CertificateResponse struct {
	CertPEM string `json:"cert_pem"`
	KeyPEM  string `json:"key_pem"`
	CAPEM   string `json:"ca_pem"`
}

// SessionListResponse wraps the session listing.
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Count    int               `json:"count"`
}

// SessionResponse is one session as seen over the wire.
type SessionResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Mode   string `json:"mode"`
	Status string `json:"status"`

	SourceNode   string `json:"source_node"`
	SourceDevice string `json:"source_device"`
	TargetNode   string `json:"target_node,omitempty"`
	TargetDevice string `json:"target_device,omitempty"`

	ResizeMode string                 `json:"resize_mode"`
	Plan       *interfaces.ResizePlan `json:"plan,omitempty"`

	Staging *interfaces.StagingAllocation `json:"staging,omitempty"`

	BytesTotal       int64 `json:"bytes_total"`
	BytesTransferred int64 `json:"bytes_transferred"`
	RateBps          int64 `json:"rate_bps"`

	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`

	Error string `json:"error,omitempty"`
}
