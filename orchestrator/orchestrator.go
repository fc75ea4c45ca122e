// Package orchestrator owns the clone session lifecycle. It is the sole
// receiver of callback events from the two boot agents, requests
// certificates from the CA, attaches resize plans, reserves staging for
// staged sessions and broadcasts every state change.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mrveiss/pureboot-sub001/interfaces"
	"github.com/mrveiss/pureboot-sub001/metrics"
	"github.com/mrveiss/pureboot-sub001/planner"
)

// Config tunes orchestrator behavior.
type Config struct {
	// KeepVersions is how many staging generations to retain per destination
	// when an allocation is released.
	KeepVersions int

	// StagedDeadline bounds how long a staged session may sit idle, with no
	// agent callback, before the reaper fails it. Direct sessions are
	// bounded by their certificates' expiry instead.
	StagedDeadline time.Duration

	// ReapInterval is how often the reaper sweeps for doomed sessions.
	ReapInterval time.Duration
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		KeepVersions:   2,
		StagedDeadline: 24 * time.Hour,
		ReapInterval:   time.Minute,
	}
}

// Orchestrator manages all clone sessions. Mutations serialize per session;
// unrelated sessions never contend.
type Orchestrator struct {
	cfg            Config
	ca             interfaces.CertificateAuthority
	inventory      interfaces.InventoryStore
	stagingFactory interfaces.StagingFactory
	broadcaster    interfaces.Broadcaster
	log            *slog.Logger

	mu       sync.RWMutex
	sessions map[interfaces.SessionID]*managedSession
}

// New creates an orchestrator wired to its collaborators.
func New(cfg Config, ca interfaces.CertificateAuthority, inv interfaces.InventoryStore, stagingFactory interfaces.StagingFactory, broadcaster interfaces.Broadcaster, log *slog.Logger) *Orchestrator {
	if cfg.KeepVersions < 0 {
		cfg.KeepVersions = 0
	}
	return &Orchestrator{
		cfg:            cfg,
		ca:             ca,
		inventory:      inv,
		stagingFactory: stagingFactory,
		broadcaster:    broadcaster,
		log:            log,
		sessions:       make(map[interfaces.SessionID]*managedSession),
	}
}

// Create validates the spec, issues certificates (direct mode) or reserves
// staging (staged mode), attaches a resize plan when the inventory allows
// computing one, and registers the new session in pending status.
//
// Direct mode fails with ErrInfeasiblePlan if the plan cannot fit; a staged
// session with an infeasible plan is created but cannot leave pending.
func (o *Orchestrator) Create(ctx context.Context, spec CreateSpec) (Session, error) {
	if spec.SourceNode == "" || spec.SourceDevice == "" {
		return Session{}, fmt.Errorf("%w: source node and device are required", interfaces.ErrNotFound)
	}
	if !o.inventory.HasNode(spec.SourceNode) {
		return Session{}, fmt.Errorf("%w: source node %s", interfaces.ErrNotFound, spec.SourceNode)
	}
	if spec.ResizeMode == "" {
		spec.ResizeMode = interfaces.ResizeNone
	}

	switch spec.Mode {
	case interfaces.ModeDirect:
		if spec.TargetNode == "" {
			return Session{}, fmt.Errorf("%w: direct mode requires target node", interfaces.ErrNotFound)
		}
		if !o.inventory.HasNode(spec.TargetNode) {
			return Session{}, fmt.Errorf("%w: target node %s", interfaces.ErrNotFound, spec.TargetNode)
		}
	case interfaces.ModeStaged:
		if spec.StagingBackendURI == "" {
			return Session{}, fmt.Errorf("%w: staged mode requires a staging backend", interfaces.ErrNotFound)
		}
		if spec.StagingDestination == "" {
			spec.StagingDestination = fmt.Sprintf("%s-%s", spec.SourceNode, sanitizeDevice(spec.SourceDevice))
		}
	default:
		return Session{}, fmt.Errorf("invalid clone mode %q", spec.Mode)
	}

	plan, err := o.buildPlan(spec)
	if err != nil {
		return Session{}, err
	}
	if spec.Mode == interfaces.ModeDirect && plan != nil && !plan.Feasible {
		return Session{}, fmt.Errorf("%w: %s", interfaces.ErrInfeasiblePlan, plan.Reason)
	}

	now := time.Now()
	managed := &managedSession{
		session: Session{
			ID:                 interfaces.NewSessionID(),
			Name:               spec.Name,
			Mode:               spec.Mode,
			Status:             interfaces.StatusPending,
			SourceNode:         spec.SourceNode,
			SourceDevice:       spec.SourceDevice,
			TargetNode:         spec.TargetNode,
			TargetDevice:       spec.TargetDevice,
			ResizeMode:         spec.ResizeMode,
			Plan:               plan,
			StagingBackendURI:  spec.StagingBackendURI,
			StagingDestination: spec.StagingDestination,
			CreatedAt:          now,
			LastActivityAt:     now,
		},
		certificates: make(map[interfaces.Role]interfaces.CertificateBundle),
	}

	// Direct mode: both leaves must exist before the session does. Staged
	// mode: staging must be provisioned before the session does.
	switch spec.Mode {
	case interfaces.ModeDirect:
		sourceBundle, err := o.ca.IssueSessionCertificate(managed.session.ID, interfaces.RoleSource, spec.SourceIP)
		if err != nil {
			return Session{}, err
		}
		targetBundle, err := o.ca.IssueSessionCertificate(managed.session.ID, interfaces.RoleTarget, spec.TargetIP)
		if err != nil {
			return Session{}, err
		}
		managed.certificates[interfaces.RoleSource] = sourceBundle
		managed.certificates[interfaces.RoleTarget] = targetBundle
		managed.session.CertNotAfter = sourceBundle.NotAfter

	case interfaces.ModeStaged:
		backend, err := o.stagingFactory.BackendFor(spec.StagingBackendURI)
		if err != nil {
			return Session{}, err
		}
		alloc, err := backend.Reserve(ctx, spec.StagingDestination, spec.TargetSizeBytes)
		if err != nil {
			return Session{}, err
		}
		managed.session.Staging = &alloc
	}

	o.mu.Lock()
	o.sessions[managed.session.ID] = managed
	o.mu.Unlock()

	o.log.Info("Clone session created",
		"session", managed.session.ID.String(),
		"mode", string(spec.Mode),
		"sourceNode", spec.SourceNode.String(),
		"resizeMode", string(spec.ResizeMode))
	metrics.SessionsCreated.WithLabelValues(string(spec.Mode)).Inc()

	managed.mu.Lock()
	defer managed.mu.Unlock()
	return managed.snapshot(), nil
}

func (o *Orchestrator) buildPlan(spec CreateSpec) (*interfaces.ResizePlan, error) {
	source, err := o.inventory.Get(spec.SourceNode, spec.SourceDevice)
	if err != nil {
		// The source disk must be scanned before planning; without a
		// snapshot the plan is deferred (staged sessions may still be
		// created and edited while pending).
		if spec.Mode == interfaces.ModeDirect {
			return nil, err
		}
		return nil, nil
	}

	targetSize := spec.TargetSizeBytes
	if spec.TargetNode != "" && spec.TargetDevice != "" {
		if target, err := o.inventory.Get(spec.TargetNode, spec.TargetDevice); err == nil {
			targetSize = target.SizeBytes
		}
	}
	if targetSize <= 0 {
		if spec.Mode == interfaces.ModeDirect {
			return nil, fmt.Errorf("%w: target disk size unknown", interfaces.ErrNotFound)
		}
		return nil, nil
	}

	plan, err := planner.BuildPlan(source, targetSize, spec.ResizeMode)
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// Get returns a session by id.
func (o *Orchestrator) Get(id interfaces.SessionID) (Session, error) {
	managed, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()
	return managed.snapshot(), nil
}

// List returns all sessions, newest first.
func (o *Orchestrator) List() []Session {
	o.mu.RLock()
	all := make([]*managedSession, 0, len(o.sessions))
	for _, managed := range o.sessions {
		all = append(all, managed)
	}
	o.mu.RUnlock()

	sessions := make([]Session, 0, len(all))
	for _, managed := range all {
		managed.mu.Lock()
		sessions = append(sessions, managed.snapshot())
		managed.mu.Unlock()
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

// Update applies a patch to a pending session. Any other status rejects the
// edit with ErrInvalidState.
func (o *Orchestrator) Update(id interfaces.SessionID, patch UpdatePatch) (Session, error) {
	managed, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	if managed.session.Status != interfaces.StatusPending {
		return Session{}, fmt.Errorf("%w: session %s is %s, edits are only legal while pending",
			interfaces.ErrInvalidState, id, managed.session.Status)
	}

	if patch.Name != nil {
		managed.session.Name = *patch.Name
	}
	if patch.TargetNode != nil {
		managed.session.TargetNode = *patch.TargetNode
	}
	if patch.TargetDevice != nil {
		managed.session.TargetDevice = *patch.TargetDevice
	}

	return managed.snapshot(), nil
}

// SourceReady records that the source agent is listening. It sets the total
// byte count, transitions pending -> source_ready, starts the session clock
// and broadcasts a ready event.
func (o *Orchestrator) SourceReady(id interfaces.SessionID, endpoint interfaces.SourceEndpoint, sizeBytes int64, device string) (Session, error) {
	managed, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	if err := o.checkExpiryLocked(managed); err != nil {
		return Session{}, err
	}
	if err := endpoint.Validate(); err != nil {
		return Session{}, err
	}
	if !managed.session.Status.CanTransitionTo(interfaces.StatusSourceReady) {
		return Session{}, fmt.Errorf("%w: cannot report source ready while session %s is %s",
			interfaces.ErrInvalidState, id, managed.session.Status)
	}
	if managed.session.Plan != nil && !managed.session.Plan.Feasible {
		return Session{}, fmt.Errorf("%w: %s", interfaces.ErrInfeasiblePlan, managed.session.Plan.Reason)
	}

	now := time.Now()
	managed.session.Status = interfaces.StatusSourceReady
	managed.session.SourceEndpoint = &endpoint
	managed.session.BytesTotal = sizeBytes
	if device != "" {
		managed.session.SourceDevice = device
	}
	managed.session.StartedAt = &now
	managed.session.LastActivityAt = now

	o.log.Info("Source agent ready",
		"session", id.String(),
		"endpoint", fmt.Sprintf("%s:%d", endpoint.IP, endpoint.Port),
		"sizeBytes", sizeBytes)

	o.broadcaster.Publish(id, interfaces.Event{
		Type:       interfaces.EventReady,
		SessionID:  id,
		Status:     interfaces.StatusSourceReady,
		BytesTotal: sizeBytes,
		Timestamp:  now,
	})

	return managed.snapshot(), nil
}

// Progress upserts transfer counters from either agent. Last write wins; no
// ordering is enforced on the value itself, but bytes_transferred never
// exceeds bytes_total. The first report while source_ready advances the
// session to cloning. Broadcast of progress is rate-limited downstream.
func (o *Orchestrator) Progress(id interfaces.SessionID, role interfaces.Role, bytesTransferred, rateBps int64) (Session, error) {
	managed, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	if err := o.checkExpiryLocked(managed); err != nil {
		return Session{}, err
	}

	switch managed.session.Status {
	case interfaces.StatusSourceReady:
		managed.session.Status = interfaces.StatusCloning
	case interfaces.StatusCloning:
	default:
		return Session{}, fmt.Errorf("%w: progress for session %s rejected while %s",
			interfaces.ErrInvalidState, id, managed.session.Status)
	}

	if managed.session.BytesTotal > 0 && bytesTransferred > managed.session.BytesTotal {
		bytesTransferred = managed.session.BytesTotal
	}
	managed.session.BytesTransferred = bytesTransferred
	managed.session.RateBps = rateBps
	managed.session.LastActivityAt = time.Now()

	o.broadcaster.Publish(id, interfaces.Event{
		Type:             interfaces.EventProgress,
		SessionID:        id,
		Status:           managed.session.Status,
		BytesTotal:       managed.session.BytesTotal,
		BytesTransferred: bytesTransferred,
		RateBps:          rateBps,
		Timestamp:        time.Now(),
	})

	return managed.snapshot(), nil
}

// Complete marks the session as successfully finished. A second call on an
// already-completed session is rejected, not repeated: staging is released
// exactly once.
func (o *Orchestrator) Complete(ctx context.Context, id interfaces.SessionID) (Session, error) {
	managed, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	if !managed.session.Status.CanTransitionTo(interfaces.StatusCompleted) {
		return Session{}, fmt.Errorf("%w: cannot complete session %s while %s",
			interfaces.ErrInvalidState, id, managed.session.Status)
	}

	now := time.Now()
	managed.session.Status = interfaces.StatusCompleted
	managed.session.CompletedAt = &now
	managed.session.BytesTransferred = managed.session.BytesTotal

	o.releaseStagingLocked(ctx, managed)

	o.log.Info("Clone session completed",
		"session", id.String(),
		"bytes", managed.session.BytesTotal)
	metrics.SessionsFinished.WithLabelValues(string(interfaces.StatusCompleted)).Inc()

	o.broadcaster.Publish(id, interfaces.Event{
		Type:             interfaces.EventCompleted,
		SessionID:        id,
		Status:           interfaces.StatusCompleted,
		BytesTotal:       managed.session.BytesTotal,
		BytesTransferred: managed.session.BytesTransferred,
		Timestamp:        now,
	})

	return managed.snapshot(), nil
}

// Fail marks the session as failed with the given reason. It is reachable
// from any non-terminal state so a struggling agent can always explain
// itself; only terminal sessions reject it.
func (o *Orchestrator) Fail(ctx context.Context, id interfaces.SessionID, reason string) (Session, error) {
	managed, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()
	return o.failLocked(ctx, managed, reason)
}

func (o *Orchestrator) failLocked(ctx context.Context, managed *managedSession, reason string) (Session, error) {
	id := managed.session.ID
	if !managed.session.Status.CanTransitionTo(interfaces.StatusFailed) {
		return Session{}, fmt.Errorf("%w: cannot fail session %s while %s",
			interfaces.ErrInvalidState, id, managed.session.Status)
	}

	now := time.Now()
	managed.session.Status = interfaces.StatusFailed
	managed.session.CompletedAt = &now
	managed.session.Error = reason

	o.log.Warn("Clone session failed",
		"session", id.String(),
		"reason", reason)
	metrics.SessionsFinished.WithLabelValues(string(interfaces.StatusFailed)).Inc()

	o.broadcaster.Publish(id, interfaces.Event{
		Type:      interfaces.EventFailed,
		SessionID: id,
		Status:    interfaces.StatusFailed,
		Reason:    reason,
		Timestamp: now,
	})

	return managed.snapshot(), nil
}

// Cancel records an operator-initiated cancellation. It is legal from any
// non-terminal state, releases staging and stops accepting further writes.
// Actively severing an in-flight transfer is outside this component: the
// agents' certificates expire on their own.
func (o *Orchestrator) Cancel(ctx context.Context, id interfaces.SessionID) (Session, error) {
	managed, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	if !managed.session.Status.CanTransitionTo(interfaces.StatusCancelled) {
		return Session{}, fmt.Errorf("%w: cannot cancel session %s while %s",
			interfaces.ErrInvalidState, id, managed.session.Status)
	}

	now := time.Now()
	managed.session.Status = interfaces.StatusCancelled
	managed.session.CompletedAt = &now

	o.releaseStagingLocked(ctx, managed)

	o.log.Info("Clone session cancelled", "session", id.String())
	metrics.SessionsFinished.WithLabelValues(string(interfaces.StatusCancelled)).Inc()

	o.broadcaster.Publish(id, interfaces.Event{
		Type:      interfaces.EventCancelled,
		SessionID: id,
		Status:    interfaces.StatusCancelled,
		Timestamp: now,
	})

	return managed.snapshot(), nil
}

// UpdateStagingStatus records an agent-reported staging transition
// (uploading, ready, downloading). Transitions are recorded, not
// interpreted; illegal ones are rejected.
func (o *Orchestrator) UpdateStagingStatus(id interfaces.SessionID, status interfaces.StagingStatus) (Session, error) {
	managed, err := o.lookup(id)
	if err != nil {
		return Session{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	if managed.session.Staging == nil {
		return Session{}, fmt.Errorf("%w: session %s has no staging allocation", interfaces.ErrNotFound, id)
	}
	if managed.session.Status.Terminal() {
		return Session{}, fmt.Errorf("%w: session %s is %s", interfaces.ErrInvalidState, id, managed.session.Status)
	}
	if !managed.session.Staging.Status.CanTransitionTo(status) {
		return Session{}, fmt.Errorf("%w: staging cannot go from %s to %s",
			interfaces.ErrInvalidState, managed.session.Staging.Status, status)
	}

	managed.session.Staging.Status = status
	managed.session.LastActivityAt = time.Now()
	return managed.snapshot(), nil
}

// Certificate returns the PEM bundle for one participant of a direct
// session. Staged sessions have no certificates.
func (o *Orchestrator) Certificate(id interfaces.SessionID, role interfaces.Role) (interfaces.CertificateBundle, error) {
	managed, err := o.lookup(id)
	if err != nil {
		return interfaces.CertificateBundle{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	if managed.session.Mode != interfaces.ModeDirect {
		return interfaces.CertificateBundle{}, fmt.Errorf("%w: session %s is staged, no certificates exist",
			interfaces.ErrNotFound, id)
	}

	bundle, ok := managed.certificates[role]
	if !ok {
		return interfaces.CertificateBundle{}, fmt.Errorf("%w: no certificate for role %s", interfaces.ErrNotFound, role)
	}
	return bundle, nil
}

func (o *Orchestrator) lookup(id interfaces.SessionID) (*managedSession, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	managed, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", interfaces.ErrNotFound, id)
	}
	return managed, nil
}

// checkExpiryLocked fails a direct session whose leaf certificates have
// expired. The peer would reject the expired leaf anyway; the mutation that
// discovered the expiry surfaces it.
func (o *Orchestrator) checkExpiryLocked(managed *managedSession) error {
	if managed.session.Mode != interfaces.ModeDirect || managed.session.Status.Terminal() {
		return nil
	}
	if managed.session.CertNotAfter.IsZero() || time.Now().Before(managed.session.CertNotAfter) {
		return nil
	}

	o.failLocked(context.Background(), managed, "session certificates expired")
	return fmt.Errorf("%w: session certificates expired at %s",
		interfaces.ErrCertificate, managed.session.CertNotAfter.Format(time.RFC3339))
}

// releaseStagingLocked reclaims the session's staging allocation per the
// retention policy. Release failures are logged, not propagated: the session
// outcome is already decided.
func (o *Orchestrator) releaseStagingLocked(ctx context.Context, managed *managedSession) {
	if managed.session.Staging == nil || managed.session.Staging.Status == interfaces.StagingReleased {
		return
	}

	backend, err := o.stagingFactory.BackendFor(managed.session.StagingBackendURI)
	if err != nil {
		o.log.Error("Failed to resolve staging backend for release",
			"session", managed.session.ID.String(), "err", err)
		return
	}

	if err := backend.Release(ctx, *managed.session.Staging, o.cfg.KeepVersions); err != nil {
		o.log.Error("Failed to release staging allocation",
			"session", managed.session.ID.String(), "err", err)
		return
	}

	managed.session.Staging.Status = interfaces.StagingReleased
}

func sanitizeDevice(device string) string {
	out := make([]byte, 0, len(device))
	for i := 0; i < len(device); i++ {
		c := device[i]
		if c == '/' {
			c = '-'
		}
		out = append(out, c)
	}
	for len(out) > 0 && out[0] == '-' {
		out = out[1:]
	}
	return string(out)
}
