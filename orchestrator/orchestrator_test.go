package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrveiss/pureboot-sub001/broadcast"
	"github.com/mrveiss/pureboot-sub001/cryptoutils"
	"github.com/mrveiss/pureboot-sub001/interfaces"
	"github.com/mrveiss/pureboot-sub001/inventory"
)

const gb = int64(1_000_000_000)

type fakeCA struct {
	mu       sync.Mutex
	notAfter time.Time
	issued   []string
	issueErr error
}

func (c *fakeCA) Initialize() error { return nil }

func (c *fakeCA) IssueSessionCertificate(id interfaces.SessionID, role interfaces.Role, ip net.IP) (interfaces.CertificateBundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.issueErr != nil {
		return interfaces.CertificateBundle{}, c.issueErr
	}
	c.issued = append(c.issued, role.String())
	return interfaces.CertificateBundle{
		Cert:     cryptoutils.TLSCert(fmt.Sprintf("cert:%s:%s", id, role)),
		Key:      cryptoutils.TLSKey(fmt.Sprintf("key:%s:%s", id, role)),
		CA:       cryptoutils.CACert("root"),
		NotAfter: c.notAfter,
	}, nil
}

func (c *fakeCA) RootCertificatePEM() (interfaces.CACert, error) {
	return cryptoutils.CACert("root"), nil
}

type fakeBackend struct {
	mu              sync.Mutex
	reserves        int
	releases        int
	lastDestination string
	lastKeep        int
	reserveErr      error
	releaseErr      error
}

func (b *fakeBackend) Reserve(ctx context.Context, destination string, sizeBytes int64) (interfaces.StagingAllocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserveErr != nil {
		return interfaces.StagingAllocation{}, b.reserveErr
	}
	b.reserves++
	b.lastDestination = destination
	return interfaces.StagingAllocation{
		Backend:       b.Name(),
		LocationURI:   b.LocationURI(),
		Path:          "/staging/" + destination + "/gen",
		ReservedBytes: sizeBytes,
		Status:        interfaces.StagingProvisioned,
		CreatedAt:     time.Now(),
	}, nil
}

func (b *fakeBackend) Release(ctx context.Context, alloc interfaces.StagingAllocation, keepVersions int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.releaseErr != nil {
		return b.releaseErr
	}
	b.releases++
	b.lastKeep = keepVersions
	return nil
}

func (b *fakeBackend) Available(ctx context.Context) bool { return true }
func (b *fakeBackend) Name() string                       { return "fake" }
func (b *fakeBackend) LocationURI() string                { return "file:///staging" }

func (b *fakeBackend) releaseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releases
}

type fakeFactory struct {
	backend *fakeBackend
}

func (f *fakeFactory) BackendFor(locationURI string) (interfaces.StagingBackend, error) {
	return f.backend, nil
}

type fixture struct {
	orch        *Orchestrator
	ca          *fakeCA
	backend     *fakeBackend
	broadcaster *broadcast.Broadcaster
	inv         *inventory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		ca:          &fakeCA{notAfter: time.Now().Add(time.Hour)},
		backend:     &fakeBackend{},
		broadcaster: broadcast.New(broadcast.DefaultProgressRate, log),
		inv:         inventory.NewStore(log),
	}

	f.inv.Put(interfaces.DiskSnapshot{
		NodeID:    "node-a",
		Device:    "/dev/sda",
		SizeBytes: 500 * gb,
		TableKind: "gpt",
		Partitions: []interfaces.PartitionInfo{
			{Number: 1, SizeBytes: 500 * gb, CanShrink: true, MinSizeBytes: 100 * gb},
		},
	})
	f.inv.Put(interfaces.DiskSnapshot{
		NodeID:    "node-b",
		Device:    "/dev/sdb",
		SizeBytes: 500 * gb,
		TableKind: "gpt",
	})

	f.orch = New(DefaultConfig(), f.ca, f.inv, &fakeFactory{backend: f.backend}, f.broadcaster, log)
	return f
}

func directSpec() CreateSpec {
	return CreateSpec{
		Name:         "lab-clone",
		Mode:         interfaces.ModeDirect,
		SourceNode:   "node-a",
		SourceDevice: "/dev/sda",
		TargetNode:   "node-b",
		TargetDevice: "/dev/sdb",
		ResizeMode:   interfaces.ResizeNone,
	}
}

func stagedSpec() CreateSpec {
	return CreateSpec{
		Mode:              interfaces.ModeStaged,
		SourceNode:        "node-a",
		SourceDevice:      "/dev/sda",
		TargetSizeBytes:   500 * gb,
		ResizeMode:        interfaces.ResizeNone,
		StagingBackendURI: "file:///staging",
	}
}

// startCloning drives a fresh session to the cloning status.
func startCloning(t *testing.T, f *fixture, spec CreateSpec) Session {
	t.Helper()
	session, err := f.orch.Create(context.Background(), spec)
	require.NoError(t, err)
	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 100*gb, "")
	require.NoError(t, err)
	session, err = f.orch.Progress(session.ID, interfaces.RoleSource, 1*gb, 500_000_000)
	require.NoError(t, err)
	return session
}

func TestCreateDirectSession(t *testing.T) {
	f := newFixture(t)

	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)

	assert.Equal(t, interfaces.StatusPending, session.Status)
	assert.Equal(t, interfaces.ModeDirect, session.Mode)
	require.NotNil(t, session.Plan)
	assert.True(t, session.Plan.Feasible)
	assert.False(t, session.CertNotAfter.IsZero())
	assert.Equal(t, []string{"source", "target"}, f.ca.issued)

	// Both participants can retrieve their bundle.
	for _, role := range []interfaces.Role{interfaces.RoleSource, interfaces.RoleTarget} {
		bundle, err := f.orch.Certificate(session.ID, role)
		require.NoError(t, err)
		assert.NotEmpty(t, bundle.Cert)
		assert.NotEmpty(t, bundle.Key)
	}

	got, err := f.orch.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	spec := directSpec()
	spec.SourceNode = "node-unknown"
	_, err := f.orch.Create(context.Background(), spec)
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	spec = directSpec()
	spec.TargetNode = ""
	_, err = f.orch.Create(context.Background(), spec)
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	spec = stagedSpec()
	spec.StagingBackendURI = ""
	_, err = f.orch.Create(context.Background(), spec)
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	spec = directSpec()
	spec.Mode = interfaces.CloneMode("sideways")
	_, err = f.orch.Create(context.Background(), spec)
	require.Error(t, err)
}

func TestCreateDirectRejectsInfeasiblePlan(t *testing.T) {
	f := newFixture(t)
	f.inv.Put(interfaces.DiskSnapshot{NodeID: "node-b", Device: "/dev/sdb", SizeBytes: 200 * gb})

	_, err := f.orch.Create(context.Background(), directSpec())
	require.ErrorIs(t, err, interfaces.ErrInfeasiblePlan)
}

func TestCreateDirectCertificateFailure(t *testing.T) {
	f := newFixture(t)
	f.ca.issueErr = fmt.Errorf("%w: signing failed", interfaces.ErrCertificate)

	_, err := f.orch.Create(context.Background(), directSpec())
	require.ErrorIs(t, err, interfaces.ErrCertificate)
	assert.Empty(t, f.orch.List())
}

func TestCreateStagedReservesStaging(t *testing.T) {
	f := newFixture(t)

	session, err := f.orch.Create(context.Background(), stagedSpec())
	require.NoError(t, err)

	assert.Equal(t, 1, f.backend.reserves)
	assert.Equal(t, "node-a-dev-sda", f.backend.lastDestination)
	require.NotNil(t, session.Staging)
	assert.Equal(t, interfaces.StagingProvisioned, session.Staging.Status)

	// Staged sessions have no certificates.
	_, err = f.orch.Certificate(session.ID, interfaces.RoleSource)
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCreateStagedReserveFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.reserveErr = fmt.Errorf("%w: bucket unreachable", interfaces.ErrProvisioningFailure)

	_, err := f.orch.Create(context.Background(), stagedSpec())
	require.ErrorIs(t, err, interfaces.ErrProvisioningFailure)
	assert.Empty(t, f.orch.List())
}

func TestSourceReady(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)

	sub := f.broadcaster.Subscribe(session.ID)
	defer f.broadcaster.Unsubscribe(sub)

	endpoint := interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}
	session, err = f.orch.SourceReady(session.ID, endpoint, 100*gb, "/dev/sda")
	require.NoError(t, err)

	assert.Equal(t, interfaces.StatusSourceReady, session.Status)
	assert.Equal(t, 100*gb, session.BytesTotal)
	require.NotNil(t, session.StartedAt)
	require.NotNil(t, session.SourceEndpoint)
	assert.Equal(t, 7000, session.SourceEndpoint.Port)

	ev := <-sub.Events()
	assert.Equal(t, interfaces.EventReady, ev.Type)
	assert.Equal(t, 100*gb, ev.BytesTotal)
}

func TestSourceReadyValidation(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)

	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{Port: 7000}, 100*gb, "")
	require.Error(t, err)

	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 0}, 100*gb, "")
	require.Error(t, err)

	// A second ready report after the first succeeded is an illegal edge.
	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 100*gb, "")
	require.NoError(t, err)
	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 100*gb, "")
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestSourceReadyUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SourceReady(interfaces.NewSessionID(), interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 1, "")
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestStagedSourceReadyBlockedByInfeasiblePlan(t *testing.T) {
	f := newFixture(t)

	// Staged sessions may be created with an infeasible plan but cannot
	// leave pending with one.
	spec := stagedSpec()
	spec.TargetSizeBytes = 200 * gb
	session, err := f.orch.Create(context.Background(), spec)
	require.NoError(t, err)
	require.NotNil(t, session.Plan)
	assert.False(t, session.Plan.Feasible)

	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 100*gb, "")
	require.ErrorIs(t, err, interfaces.ErrInfeasiblePlan)
}

func TestProgressAdvancesToCloning(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)
	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 100*gb, "")
	require.NoError(t, err)

	sub := f.broadcaster.Subscribe(session.ID)
	defer f.broadcaster.Unsubscribe(sub)

	session, err = f.orch.Progress(session.ID, interfaces.RoleSource, 50*gb, 800_000_000)
	require.NoError(t, err)

	assert.Equal(t, interfaces.StatusCloning, session.Status)
	assert.Equal(t, 50*gb, session.BytesTransferred)
	assert.Equal(t, int64(800_000_000), session.RateBps)

	ev := <-sub.Events()
	assert.Equal(t, interfaces.EventProgress, ev.Type)
	assert.Equal(t, 50*gb, ev.BytesTransferred)
}

func TestProgressFromEitherRoleLastWriteWins(t *testing.T) {
	f := newFixture(t)
	session := startCloning(t, f, directSpec())

	_, err := f.orch.Progress(session.ID, interfaces.RoleSource, 40*gb, 0)
	require.NoError(t, err)
	got, err := f.orch.Progress(session.ID, interfaces.RoleTarget, 30*gb, 0)
	require.NoError(t, err)
	assert.Equal(t, 30*gb, got.BytesTransferred)
}

func TestProgressClampedToTotal(t *testing.T) {
	f := newFixture(t)
	session := startCloning(t, f, directSpec())

	got, err := f.orch.Progress(session.ID, interfaces.RoleSource, 900*gb, 0)
	require.NoError(t, err)
	assert.Equal(t, got.BytesTotal, got.BytesTransferred)
}

func TestProgressRejectedWhilePending(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)

	_, err = f.orch.Progress(session.ID, interfaces.RoleSource, 1*gb, 0)
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	session := startCloning(t, f, directSpec())

	sub := f.broadcaster.Subscribe(session.ID)
	defer f.broadcaster.Unsubscribe(sub)

	session, err := f.orch.Complete(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, interfaces.StatusCompleted, session.Status)
	assert.Equal(t, session.BytesTotal, session.BytesTransferred)
	require.NotNil(t, session.CompletedAt)

	ev := <-sub.Events()
	assert.Equal(t, interfaces.EventCompleted, ev.Type)

	// Completion is not repeatable.
	_, err = f.orch.Complete(context.Background(), session.ID)
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestCompleteRequiresCloning(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)

	_, err = f.orch.Complete(context.Background(), session.ID)
	require.ErrorIs(t, err, interfaces.ErrInvalidState)

	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 100*gb, "")
	require.NoError(t, err)
	_, err = f.orch.Complete(context.Background(), session.ID)
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestCompleteStagedReleasesStagingOnce(t *testing.T) {
	f := newFixture(t)
	session := startCloning(t, f, stagedSpec())

	_, err := f.orch.Complete(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.backend.releaseCount())
	assert.Equal(t, DefaultConfig().KeepVersions, f.backend.lastKeep)

	got, err := f.orch.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StagingReleased, got.Staging.Status)
}

func TestFailRecordsReasonAndKeepsStaging(t *testing.T) {
	f := newFixture(t)
	session := startCloning(t, f, stagedSpec())

	sub := f.broadcaster.Subscribe(session.ID)
	defer f.broadcaster.Unsubscribe(sub)

	session, err := f.orch.Fail(context.Background(), session.ID, "target write error")
	require.NoError(t, err)

	assert.Equal(t, interfaces.StatusFailed, session.Status)
	assert.Equal(t, "target write error", session.Error)

	// The staged generation is kept for diagnosis; retention reclaims it
	// when a later release runs against the same destination.
	assert.Equal(t, 0, f.backend.releaseCount())

	ev := <-sub.Events()
	assert.Equal(t, interfaces.EventFailed, ev.Type)
	assert.Equal(t, "target write error", ev.Reason)

	_, err = f.orch.Fail(context.Background(), session.ID, "again")
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestCancelReleasesStaging(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), stagedSpec())
	require.NoError(t, err)

	session, err = f.orch.Cancel(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, interfaces.StatusCancelled, session.Status)
	assert.Equal(t, 1, f.backend.releaseCount())

	// Terminal: no further transitions of any kind.
	_, err = f.orch.Cancel(context.Background(), session.ID)
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
	_, err = f.orch.Fail(context.Background(), session.ID, "late")
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
	_, err = f.orch.Progress(session.ID, interfaces.RoleSource, 1, 0)
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestCancelLegalFromAnyNonTerminalState(t *testing.T) {
	for _, advance := range []int{0, 1, 2} {
		f := newFixture(t)
		session, err := f.orch.Create(context.Background(), directSpec())
		require.NoError(t, err)

		if advance >= 1 {
			_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 100*gb, "")
			require.NoError(t, err)
		}
		if advance >= 2 {
			_, err = f.orch.Progress(session.ID, interfaces.RoleSource, 1*gb, 0)
			require.NoError(t, err)
		}

		got, err := f.orch.Cancel(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.StatusCancelled, got.Status)
	}
}

func TestUpdatePendingOnly(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)

	name := "renamed"
	device := "/dev/sdc"
	got, err := f.orch.Update(session.ID, UpdatePatch{Name: &name, TargetDevice: &device})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "/dev/sdc", got.TargetDevice)
	assert.Equal(t, session.TargetNode, got.TargetNode, "nil patch fields are left unchanged")

	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 100*gb, "")
	require.NoError(t, err)
	_, err = f.orch.Update(session.ID, UpdatePatch{Name: &name})
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestUpdateStagingStatus(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), stagedSpec())
	require.NoError(t, err)

	for _, status := range []interfaces.StagingStatus{
		interfaces.StagingUploading,
		interfaces.StagingReady,
		interfaces.StagingDownloading,
	} {
		got, err := f.orch.UpdateStagingStatus(session.ID, status)
		require.NoError(t, err)
		assert.Equal(t, status, got.Staging.Status)
	}

	// downloading -> uploading is not an edge.
	_, err = f.orch.UpdateStagingStatus(session.ID, interfaces.StagingUploading)
	require.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestUpdateStagingStatusDirectSession(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)

	_, err = f.orch.UpdateStagingStatus(session.ID, interfaces.StagingUploading)
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestExpiredCertificatesFailTheSession(t *testing.T) {
	f := newFixture(t)
	f.ca.notAfter = time.Now().Add(-time.Minute)

	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)

	_, err = f.orch.SourceReady(session.ID, interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}, 100*gb, "")
	require.ErrorIs(t, err, interfaces.ErrCertificate)

	got, err := f.orch.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "expired")
}

func TestListNewestFirst(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := f.orch.Create(context.Background(), stagedSpec())
	require.NoError(t, err)

	sessions := f.orch.List()
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)
}

func TestConcurrentSourceReadySerializes(t *testing.T) {
	f := newFixture(t)
	session, err := f.orch.Create(context.Background(), directSpec())
	require.NoError(t, err)

	endpoint := interfaces.SourceEndpoint{IP: net.ParseIP("10.0.0.5"), Port: 7000}
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.SourceReady(session.ID, endpoint, 100*gb, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, interfaces.ErrInvalidState)
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	got, err := f.orch.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusSourceReady, got.Status)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	f := newFixture(t)
	session := startCloning(t, f, directSpec())

	// Mutating a returned snapshot must not leak into orchestrator state.
	session.Plan.Feasible = false
	session.BytesTransferred = 0

	got, err := f.orch.Get(session.ID)
	require.NoError(t, err)
	assert.True(t, got.Plan.Feasible)
	assert.Equal(t, 1*gb, got.BytesTransferred)
}
