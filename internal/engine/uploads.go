package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"caprig/internal/domain"
	"caprig/internal/engine/access"
	"caprig/internal/events"
	"caprig/internal/repo"
)

// UploadOptions are parameters for registering a finished upload against a
// video slot. DeviceID, when set, restricts the call to the slot's owner.
type UploadOptions struct {
	VideoID    string
	StorageRef string
	ParamsJSON *string
	DeviceID   string
	ActorID    string
}

// RegisterUpload records the storage reference for a slot. Re-uploads
// overwrite the previous reference. When the last expected slot lands on an
// uploading trial, the trial moves to `ready` and the session to
// `processing` in the same transaction.
func (e Engine) RegisterUpload(ctx context.Context, opts UploadOptions) (domain.Video, error) {
	if strings.TrimSpace(opts.StorageRef) == "" {
		return domain.Video{}, fmt.Errorf("storage_ref required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Video{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVideoTx(ctx, tx, opts.VideoID)
	if err != nil {
		return domain.Video{}, err
	}
	if opts.DeviceID != "" && v.DeviceID != opts.DeviceID {
		return domain.Video{}, access.DeniedError{Action: "upload"}
	}
	t, err := e.Repo.GetTrialTx(ctx, tx, v.TrialID)
	if err != nil {
		return domain.Video{}, err
	}
	if err := ensureTrialWorkable(t, ""); err != nil {
		return domain.Video{}, err
	}
	switch t.State {
	case "recording", "uploading":
	default:
		return domain.Video{}, TransitionError{Entity: "trial", ID: t.ID, From: t.State}
	}

	now := e.nowStr()
	if err := e.Repo.SetVideoUploadTx(ctx, tx, v.ID, opts.StorageRef, opts.ParamsJSON, now); err != nil {
		return domain.Video{}, err
	}
	actor := opts.ActorID
	if actor == "" {
		actor = opts.DeviceID
	}
	if err := e.Events.Append(ctx, tx, "video.uploaded", "trial", t.ID, actor, events.EventPayload{
		"video_id":    v.ID,
		"device_id":   v.DeviceID,
		"storage_ref": opts.StorageRef,
	}); err != nil {
		return domain.Video{}, err
	}

	if t.State == "uploading" {
		uploaded, err := e.Repo.CountUploadedVideosTx(ctx, tx, t.ID)
		if err != nil {
			return domain.Video{}, err
		}
		if uploaded >= t.ExpectedDeviceCount {
			if err := e.queueTrialTx(ctx, tx, t, uploaded, actor, now); err != nil {
				return domain.Video{}, err
			}
		}
	}

	v, err = e.Repo.GetVideoTx(ctx, tx, v.ID)
	if err != nil {
		return domain.Video{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Video{}, err
	}
	return v, nil
}

// queueTrialTx applies the paired ready/processing transition. Both rows
// move together or the transaction rolls back, so readers never observe a
// ready trial under a session that is not processing.
func (e Engine) queueTrialTx(ctx context.Context, tx *sql.Tx, t domain.Trial, uploaded int, actorID, now string) error {
	ok, err := e.Repo.MarkTrialReadyTx(ctx, tx, t.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		return e.trialTransitionLost(ctx, tx, t.ID, "ready")
	}
	ok, err = e.Repo.UpdateSessionStateTx(ctx, tx, t.SessionID, []string{"uploading"}, "processing", now)
	if err != nil {
		return err
	}
	if !ok {
		return e.sessionTransitionLost(ctx, tx, t.SessionID, "processing")
	}
	if err := e.Events.Append(ctx, tx, "trial.ready", "trial", t.ID, actorID, events.EventPayload{
		"uploaded": uploaded,
		"expected": t.ExpectedDeviceCount,
	}); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "session.state", "session", t.SessionID, actorID, events.EventPayload{
		"from": "uploading", "to": "processing", "trial_id": t.ID,
	})
}

// CancelTrial abandons an open trial. Registered uploads are cleared and
// the session returns to `created` so the operator can start over.
func (e Engine) CancelTrial(ctx context.Context, trialID, actorID string) (domain.Trial, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trial{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTrialTx(ctx, tx, trialID)
	if err != nil {
		return domain.Trial{}, err
	}
	if err := ensureTrialWorkable(t, "canceled"); err != nil {
		return domain.Trial{}, err
	}
	if err := ensureTrialTransition(t.ID, t.State, "canceled"); err != nil {
		return domain.Trial{}, err
	}
	s, err := e.Repo.GetSessionTx(ctx, tx, t.SessionID)
	if err != nil {
		return domain.Trial{}, err
	}
	now := e.nowStr()
	ok, err := e.Repo.CancelTrialTx(ctx, tx, t.ID, now)
	if err != nil {
		return domain.Trial{}, err
	}
	if !ok {
		return domain.Trial{}, e.trialTransitionLost(ctx, tx, t.ID, "canceled")
	}
	if err := e.Repo.ClearVideoUploadsTx(ctx, tx, t.ID, now); err != nil {
		return domain.Trial{}, err
	}
	ok, err = e.Repo.UpdateSessionStateTx(ctx, tx, t.SessionID, []string{"recording", "uploading"}, "created", now)
	if err != nil {
		return domain.Trial{}, err
	}
	if !ok {
		return domain.Trial{}, e.sessionTransitionLost(ctx, tx, t.SessionID, "created")
	}
	if err := e.Events.Append(ctx, tx, "trial.canceled", "trial", t.ID, actorID, events.EventPayload{
		"session_id": t.SessionID,
	}); err != nil {
		return domain.Trial{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.state", "session", s.ID, actorID, events.EventPayload{
		"from": s.State, "to": "created", "trial_id": t.ID,
	}); err != nil {
		return domain.Trial{}, err
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

// RenameTrial changes a trial's display name, deduplicating against its
// session siblings. Terminal trials stay renameable; deleted ones do not.
func (e Engine) RenameTrial(ctx context.Context, trialID, name, actorID string) (domain.Trial, error) {
	base := strings.TrimSpace(name)
	if base == "" {
		return domain.Trial{}, fmt.Errorf("name required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trial{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTrialTx(ctx, tx, trialID)
	if err != nil {
		return domain.Trial{}, err
	}
	if t.Lifecycle == domain.LifecycleDeleted {
		return domain.Trial{}, repo.ErrNotFound
	}
	deduped, err := e.dedupTrialNameTx(ctx, tx, t.SessionID, base, t.ID)
	if err != nil {
		return domain.Trial{}, err
	}
	now := e.nowStr()
	if err := e.Repo.RenameTrialTx(ctx, tx, t.ID, deduped, now); err != nil {
		return domain.Trial{}, err
	}
	if err := e.Events.Append(ctx, tx, "trial.renamed", "trial", t.ID, actorID, events.EventPayload{
		"from": t.Name, "to": deduped,
	}); err != nil {
		return domain.Trial{}, err
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

