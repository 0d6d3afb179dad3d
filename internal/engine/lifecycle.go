package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"caprig/internal/domain"
	"caprig/internal/events"
	"caprig/internal/repo"
)

// Trash soft-deletes an entity. Already-trashed entities are a no-op, so
// a retried trash stays safe; deleted entities read as gone.
func (e Engine) Trash(ctx context.Context, kind, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lifecycle, err := e.Repo.EntityLifecycleTx(ctx, tx, kind, id)
	if err != nil {
		return err
	}
	switch lifecycle {
	case domain.LifecycleTrashed:
		return nil
	case domain.LifecycleDeleted:
		return repo.ErrNotFound
	}
	now := e.nowStr()
	ok, err := e.Repo.TrashEntityTx(ctx, tx, kind, id, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if err := e.Events.Append(ctx, tx, kind+".trashed", kind, id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Restore brings a trashed entity back to active. Anything else is
// rejected: active entities have nothing to restore and deleted ones are
// gone.
func (e Engine) Restore(ctx context.Context, kind, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lifecycle, err := e.Repo.EntityLifecycleTx(ctx, tx, kind, id)
	if err != nil {
		return err
	}
	switch lifecycle {
	case domain.LifecycleDeleted:
		return repo.ErrNotFound
	case domain.LifecycleActive:
		return TransitionError{Entity: kind, ID: id, From: lifecycle, To: domain.LifecycleActive}
	}
	now := e.nowStr()
	ok, err := e.Repo.RestoreEntityTx(ctx, tx, kind, id, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if err := e.Events.Append(ctx, tx, kind+".restored", kind, id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// PermanentlyDelete is the terminal, irreversible step. Rows stay behind
// for the audit trail but every API treats them as gone. Deleting a
// session takes its trials, video slots, devices and pairing codes with
// it; deleting a trial takes its slots and artifacts; subjects own
// nothing.
func (e Engine) PermanentlyDelete(ctx context.Context, kind, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lifecycle, err := e.Repo.EntityLifecycleTx(ctx, tx, kind, id)
	if err != nil {
		return err
	}
	if lifecycle == domain.LifecycleDeleted {
		return repo.ErrNotFound
	}
	now := e.nowStr()
	ok, err := e.Repo.MarkEntityDeletedTx(ctx, tx, kind, id, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if err := e.cascadeDeleteTx(ctx, tx, kind, id, actorID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, kind+".deleted", kind, id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) cascadeDeleteTx(ctx context.Context, tx *sql.Tx, kind, id, actorID, now string) error {
	switch kind {
	case repo.KindSession:
		trialIDs, err := e.Repo.MarkTrialsDeletedBySessionTx(ctx, tx, id, now)
		if err != nil {
			return err
		}
		for _, tid := range trialIDs {
			if err := e.Repo.DeleteResultsByTrialTx(ctx, tx, tid); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "trial.deleted", "trial", tid, actorID, events.EventPayload{
				"cascade": "session", "session_id": id,
			}); err != nil {
				return err
			}
		}
		if err := e.Repo.DeleteVideosBySessionTx(ctx, tx, id); err != nil {
			return err
		}
		if err := e.Repo.DeleteDevicesBySessionTx(ctx, tx, id); err != nil {
			return err
		}
		return e.Repo.DeletePairingCodesBySessionTx(ctx, tx, id)
	case repo.KindTrial:
		if err := e.Repo.DeleteVideosByTrialTx(ctx, tx, id); err != nil {
			return err
		}
		return e.Repo.DeleteResultsByTrialTx(ctx, tx, id)
	}
	return nil
}

// PurgeTrashed permanently deletes entities whose trash grace period ran
// out. A zero TTL disables the sweep.
func (e Engine) PurgeTrashed(ctx context.Context) (int, error) {
	if e.Config == nil {
		return 0, errors.New("config not loaded")
	}
	ttl := e.Config.TrashTTL()
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := e.now().UTC().Add(-ttl).Format(time.RFC3339)
	purged := 0
	for _, kind := range []string{repo.KindSession, repo.KindTrial, repo.KindSubject} {
		ids, err := e.Repo.TrashedBefore(ctx, kind, cutoff, 100)
		if err != nil {
			return purged, err
		}
		for _, id := range ids {
			err := e.PermanentlyDelete(ctx, kind, id, "retention")
			if err != nil && !errors.Is(err, repo.ErrNotFound) && !errors.Is(err, ErrConflict) {
				return purged, err
			}
			if err == nil {
				purged++
			}
		}
	}
	return purged, nil
}
