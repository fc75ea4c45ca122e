package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mrveiss/pureboot-sub001/interfaces"
)

// Reaper periodically fails sessions that can no longer succeed: direct
// sessions whose certificates expired, and staged sessions stuck past the
// configured deadline. It drives the same Fail path manual calls use.
type Reaper struct {
	orchestrator *Orchestrator
	interval     time.Duration
	stop         chan struct{}
	done         chan struct{}
}

// NewReaper creates a reaper for the orchestrator. Call Start to run it.
func NewReaper(o *Orchestrator) *Reaper {
	interval := o.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		orchestrator: o,
		interval:     interval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the sweep loop in the background.
func (r *Reaper) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	for _, session := range r.orchestrator.List() {
		if session.Status.Terminal() {
			continue
		}

		switch session.Mode {
		case interfaces.ModeDirect:
			if !session.CertNotAfter.IsZero() && now.After(session.CertNotAfter) {
				r.fail(ctx, session.ID, "session certificates expired")
			}
		case interfaces.ModeStaged:
			deadline := r.orchestrator.cfg.StagedDeadline
			idleSince := session.LastActivityAt
			if idleSince.IsZero() {
				idleSince = session.CreatedAt
			}
			if deadline > 0 && now.Sub(idleSince) > deadline {
				r.fail(ctx, session.ID, fmt.Sprintf("staged session idle past %s deadline", deadline))
			}
		}
	}
}

func (r *Reaper) fail(ctx context.Context, id interfaces.SessionID, reason string) {
	// A concurrent callback may have finished the session between List and
	// here; the resulting InvalidState is not worth reporting.
	if _, err := r.orchestrator.Fail(ctx, id, reason); err == nil {
		r.orchestrator.log.Info("Reaped stalled session", "session", id.String(), "reason", reason)
	}
}
