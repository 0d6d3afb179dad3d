package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"caprig/internal/config"
	"caprig/internal/domain"
	"caprig/internal/events"
	"caprig/internal/repo"
)

const claimCandidateBatch = 10

// ClaimResult is what a worker gets back from ClaimNext. Claimed is false
// when the queue is empty; the worker is expected to poll again later.
type ClaimResult struct {
	Claimed bool
	Trial   domain.Trial
	Videos  []domain.Video
}

// ClaimNext hands the oldest ready trial to the worker. Stale claims are
// released first so abandoned trials re-enter the queue before candidates
// are read. Each candidate is claimed with a conditional update; losing
// the race just moves on to the next one.
func (e Engine) ClaimNext(ctx context.Context, workerID string) (ClaimResult, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return ClaimResult{}, fmt.Errorf("worker_id required")
	}
	if _, err := e.ReleaseStale(ctx); err != nil {
		return ClaimResult{}, err
	}

	candidates, err := e.Repo.ReadyTrialCandidates(ctx, claimCandidateBatch, e.priorityKinds())
	if err != nil {
		return ClaimResult{}, err
	}
	for _, cand := range candidates {
		t, ok, err := e.claimOne(ctx, cand.ID, workerID)
		if err != nil {
			return ClaimResult{}, err
		}
		if !ok {
			continue
		}
		videos, err := e.Repo.ListVideosByTrial(ctx, t.ID)
		if err != nil {
			return ClaimResult{}, err
		}
		return ClaimResult{Claimed: true, Trial: t, Videos: videos}, nil
	}
	return ClaimResult{}, nil
}

func (e Engine) priorityKinds() []string {
	if e.Config == nil {
		return nil
	}
	return e.Config.Queue.PriorityKinds
}

func (e Engine) claimOne(ctx context.Context, trialID, workerID string) (domain.Trial, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trial{}, false, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	ok, err := e.Repo.ClaimTrialTx(ctx, tx, trialID, workerID, now)
	if err != nil {
		return domain.Trial{}, false, err
	}
	if !ok {
		return domain.Trial{}, false, nil
	}
	if err := e.Repo.UpsertWorkerTx(ctx, tx, workerID, now); err != nil {
		return domain.Trial{}, false, err
	}
	if err := e.Events.Append(ctx, tx, "trial.claimed", "trial", trialID, workerID, events.EventPayload{
		"worker_id": workerID,
	}); err != nil {
		return domain.Trial{}, false, err
	}
	t, err := e.Repo.GetTrialTx(ctx, tx, trialID)
	if err != nil {
		return domain.Trial{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trial{}, false, err
	}
	return t, true, nil
}

// Heartbeat refreshes the worker's hold on a claimed trial.
func (e Engine) Heartbeat(ctx context.Context, trialID, workerID string) error {
	ok, err := e.Repo.TouchTrialHeartbeat(ctx, trialID, workerID, e.nowStr())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := e.Repo.GetTrial(ctx, trialID); err != nil {
		return err
	}
	return NotClaimedError{TrialID: trialID, WorkerID: workerID}
}

// ReleaseStale returns claimed trials whose heartbeat went quiet back to
// `ready`. The stale heartbeat value sits in the release condition, so for
// a given silence exactly one sweeper wins and the event fires once.
func (e Engine) ReleaseStale(ctx context.Context) (int, error) {
	if e.Config == nil {
		return 0, errors.New("config not loaded")
	}
	cutoff := e.now().UTC().Add(-e.Config.ClaimStaleness()).Format(time.RFC3339)
	stale, err := e.Repo.StaleClaims(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, t := range stale {
		if t.ClaimedBy == nil || t.HeartbeatAt == nil {
			continue
		}
		ok, err := e.releaseOne(ctx, t)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	return released, nil
}

func (e Engine) releaseOne(ctx context.Context, t domain.Trial) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	ok, err := e.Repo.ReleaseTrialClaimTx(ctx, tx, t.ID, *t.ClaimedBy, *t.HeartbeatAt, now)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := e.Events.Append(ctx, tx, "trial.released", "trial", t.ID, "sweeper", events.EventPayload{
		"worker_id":    *t.ClaimedBy,
		"heartbeat_at": *t.HeartbeatAt,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ResultOptions finalize a claimed trial. Exactly one of ResultRef and
// ErrorMessage must be set.
type ResultOptions struct {
	TrialID      string
	WorkerID     string
	ResultRef    string
	ErrorMessage string
	ActorID      string
}

// IngestResult closes out a claimed trial and advances its session. A
// calibration or neutral trial returns the session to `calibration`; a
// dynamic trial completes the session or, under the multi_trial policy,
// also returns it to `calibration` for more takes. A failed trial moves
// the session to `error`.
func (e Engine) IngestResult(ctx context.Context, opts ResultOptions) (domain.Trial, error) {
	if e.Config == nil {
		return domain.Trial{}, errors.New("config not loaded")
	}
	if (opts.ResultRef == "") == (opts.ErrorMessage == "") {
		return domain.Trial{}, fmt.Errorf("exactly one of result_ref and error required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trial{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTrialTx(ctx, tx, opts.TrialID)
	if err != nil {
		return domain.Trial{}, err
	}
	if t.Lifecycle == domain.LifecycleDeleted {
		return domain.Trial{}, repo.ErrNotFound
	}
	if t.State != "processing" || t.ClaimedBy == nil || *t.ClaimedBy != opts.WorkerID {
		return domain.Trial{}, NotClaimedError{TrialID: opts.TrialID, WorkerID: opts.WorkerID}
	}
	s, err := e.Repo.GetSessionTx(ctx, tx, t.SessionID)
	if err != nil {
		return domain.Trial{}, err
	}
	if err := ensureSessionWorkable(s, "done"); err != nil {
		return domain.Trial{}, err
	}

	now := e.nowStr()
	actor := opts.ActorID
	if actor == "" {
		actor = opts.WorkerID
	}
	if opts.ErrorMessage != "" {
		ok, err := e.Repo.FailTrialTx(ctx, tx, t.ID, opts.WorkerID, opts.ErrorMessage, now)
		if err != nil {
			return domain.Trial{}, err
		}
		if !ok {
			return domain.Trial{}, NotClaimedError{TrialID: t.ID, WorkerID: opts.WorkerID}
		}
		ok, err = e.Repo.UpdateSessionStateTx(ctx, tx, s.ID, []string{"processing"}, "error", now)
		if err != nil {
			return domain.Trial{}, err
		}
		if !ok {
			return domain.Trial{}, e.sessionTransitionLost(ctx, tx, s.ID, "error")
		}
		if err := e.Events.Append(ctx, tx, "trial.failed", "trial", t.ID, actor, events.EventPayload{
			"error": opts.ErrorMessage,
		}); err != nil {
			return domain.Trial{}, err
		}
		if err := e.Events.Append(ctx, tx, "session.state", "session", s.ID, actor, events.EventPayload{
			"from": s.State, "to": "error", "trial_id": t.ID,
		}); err != nil {
			return domain.Trial{}, err
		}
	} else {
		ok, err := e.Repo.FinishTrialTx(ctx, tx, t.ID, opts.WorkerID, opts.ResultRef, now)
		if err != nil {
			return domain.Trial{}, err
		}
		if !ok {
			return domain.Trial{}, NotClaimedError{TrialID: t.ID, WorkerID: opts.WorkerID}
		}
		next := e.sessionStateAfter(t.Kind)
		ok, err = e.Repo.UpdateSessionStateTx(ctx, tx, s.ID, []string{"processing"}, next, now)
		if err != nil {
			return domain.Trial{}, err
		}
		if !ok {
			return domain.Trial{}, e.sessionTransitionLost(ctx, tx, s.ID, next)
		}
		if err := e.Events.Append(ctx, tx, "trial.done", "trial", t.ID, actor, events.EventPayload{
			"result_ref": opts.ResultRef,
		}); err != nil {
			return domain.Trial{}, err
		}
		if err := e.Events.Append(ctx, tx, "session.state", "session", s.ID, actor, events.EventPayload{
			"from": s.State, "to": next, "trial_id": t.ID,
		}); err != nil {
			return domain.Trial{}, err
		}
	}

	t, err = e.Repo.GetTrialTx(ctx, tx, t.ID)
	if err != nil {
		return domain.Trial{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trial{}, err
	}
	return t, nil
}

// sessionStateAfter picks the session state a finished trial leads to.
// Calibration and neutral takes feed the calibration stage; dynamic takes
// complete the session unless the policy asks for more.
func (e Engine) sessionStateAfter(kind string) string {
	if kind != "dynamic" {
		return "calibration"
	}
	if e.Config.Sessions.CompletionPolicy == config.CompletionMultiTrial {
		return "calibration"
	}
	return "done"
}

// ArtifactOptions attach an intermediate output to a claimed trial.
type ArtifactOptions struct {
	TrialID    string
	WorkerID   string
	Tag        string
	StorageRef string
	MetaJSON   *string
}

// AddResultArtifact records an auxiliary output (pose overlay, confidence
// report) produced while the worker holds the trial.
func (e Engine) AddResultArtifact(ctx context.Context, opts ArtifactOptions) (domain.ResultArtifact, error) {
	if strings.TrimSpace(opts.Tag) == "" || strings.TrimSpace(opts.StorageRef) == "" {
		return domain.ResultArtifact{}, fmt.Errorf("tag and storage_ref required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResultArtifact{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTrialTx(ctx, tx, opts.TrialID)
	if err != nil {
		return domain.ResultArtifact{}, err
	}
	if t.Lifecycle == domain.LifecycleDeleted {
		return domain.ResultArtifact{}, repo.ErrNotFound
	}
	if t.State != "processing" || t.ClaimedBy == nil || *t.ClaimedBy != opts.WorkerID {
		return domain.ResultArtifact{}, NotClaimedError{TrialID: opts.TrialID, WorkerID: opts.WorkerID}
	}
	a := domain.ResultArtifact{
		ID:         uuid.New().String(),
		TrialID:    t.ID,
		Tag:        opts.Tag,
		StorageRef: opts.StorageRef,
		MetaJSON:   opts.MetaJSON,
		CreatedBy:  opts.WorkerID,
		CreatedAt:  e.nowStr(),
	}
	if err := e.Repo.InsertResultTx(ctx, tx, a); err != nil {
		return domain.ResultArtifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "result.added", "trial", t.ID, opts.WorkerID, events.EventPayload{
		"tag": opts.Tag, "storage_ref": opts.StorageRef,
	}); err != nil {
		return domain.ResultArtifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ResultArtifact{}, err
	}
	return a, nil
}

// QueueStatus summarizes trial states and stale claims for operators.
func (e Engine) QueueStatus(ctx context.Context) (domain.QueueStatus, error) {
	counts, err := e.Repo.CountTrialsByState(ctx)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	cutoff := e.now().UTC().Add(-e.Config.ClaimStaleness()).Format(time.RFC3339)
	stale, err := e.Repo.CountStaleClaims(ctx, cutoff)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	return domain.QueueStatus{Counts: counts, StaleClaims: stale}, nil
}
