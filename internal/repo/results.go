package repo

import (
	"context"
	"database/sql"

	"caprig/internal/domain"
)

func (r Repo) InsertResultTx(ctx context.Context, tx *sql.Tx, a domain.ResultArtifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO results(id,trial_id,tag,storage_ref,meta_json,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.TrialID, a.Tag, a.StorageRef, nullableStringPtr(a.MetaJSON), a.CreatedBy, a.CreatedAt)
	return err
}

func (r Repo) ListResultsByTrial(ctx context.Context, trialID string) ([]domain.ResultArtifact, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,trial_id,tag,storage_ref,meta_json,created_by,created_at FROM results WHERE trial_id=? ORDER BY created_at ASC, id ASC`, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResultArtifact
	for rows.Next() {
		var a domain.ResultArtifact
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.TrialID, &a.Tag, &a.StorageRef, &meta, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		if meta.Valid {
			a.MetaJSON = &meta.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteResultsByTrialTx(ctx context.Context, tx *sql.Tx, trialID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM results WHERE trial_id=?`, trialID)
	return err
}
