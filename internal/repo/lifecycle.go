package repo

import (
	"context"
	"database/sql"
	"fmt"
)

// Entity kinds sharing the active/trashed/deleted lifecycle.
const (
	KindSession = "session"
	KindTrial   = "trial"
	KindSubject = "subject"
)

func lifecycleTable(kind string) (string, error) {
	switch kind {
	case KindSession:
		return "sessions", nil
	case KindTrial:
		return "trials", nil
	case KindSubject:
		return "subjects", nil
	}
	return "", fmt.Errorf("unknown entity kind %s", kind)
}

// EntityLifecycleTx returns the lifecycle value for any lifecycle-bearing
// entity, or ErrNotFound.
func (r Repo) EntityLifecycleTx(ctx context.Context, tx *sql.Tx, kind, id string) (string, error) {
	table, err := lifecycleTable(kind)
	if err != nil {
		return "", err
	}
	var lifecycle string
	err = tx.QueryRowContext(ctx, `SELECT lifecycle FROM `+table+` WHERE id=?`, id).Scan(&lifecycle)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return lifecycle, err
}

// TrashEntityTx moves active to trashed; false when the row was not active.
func (r Repo) TrashEntityTx(ctx context.Context, tx *sql.Tx, kind, id, now string) (bool, error) {
	table, err := lifecycleTable(kind)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET lifecycle='trashed', trashed_at=?, updated_at=? WHERE id=? AND lifecycle='active'`,
		now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RestoreEntityTx moves trashed back to active; false when the row was not
// trashed.
func (r Repo) RestoreEntityTx(ctx context.Context, tx *sql.Tx, kind, id, now string) (bool, error) {
	table, err := lifecycleTable(kind)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET lifecycle='active', trashed_at=NULL, updated_at=? WHERE id=? AND lifecycle='trashed'`,
		now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkEntityDeletedTx is the terminal lifecycle step. The row stays behind
// for audit; every API treats it as gone.
func (r Repo) MarkEntityDeletedTx(ctx context.Context, tx *sql.Tx, kind, id, now string) (bool, error) {
	table, err := lifecycleTable(kind)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET lifecycle='deleted', updated_at=? WHERE id=? AND lifecycle IN ('active','trashed')`,
		now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkTrialsDeletedBySessionTx cascades a session deletion to its trials.
func (r Repo) MarkTrialsDeletedBySessionTx(ctx context.Context, tx *sql.Tx, sessionID, now string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM trials WHERE session_id=? AND lifecycle!='deleted'`, sessionID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE trials SET lifecycle='deleted', updated_at=? WHERE session_id=? AND lifecycle!='deleted'`, now, sessionID)
	return ids, err
}

// TrashedBefore lists entities trashed earlier than the cutoff, for the
// retention sweep.
func (r Repo) TrashedBefore(ctx context.Context, kind, cutoff string, limit int) ([]string, error) {
	table, err := lifecycleTable(kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT id FROM ` + table + ` WHERE lifecycle='trashed' AND trashed_at < ? ORDER BY trashed_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
