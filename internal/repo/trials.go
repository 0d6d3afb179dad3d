package repo

import (
	"context"
	"database/sql"
	"strings"

	"caprig/internal/domain"
)

const trialColumns = `id,session_id,name,kind,state,expected_device_count,queued_at,claimed_by,claimed_at,heartbeat_at,result_ref,error_message,lifecycle,created_at,updated_at,trashed_at`

func scanTrial(row rowScanner) (domain.Trial, error) {
	var t domain.Trial
	var queuedAt, claimedBy, claimedAt, heartbeatAt, resultRef, errorMessage, trashedAt sql.NullString
	err := row.Scan(&t.ID, &t.SessionID, &t.Name, &t.Kind, &t.State, &t.ExpectedDeviceCount,
		&queuedAt, &claimedBy, &claimedAt, &heartbeatAt, &resultRef, &errorMessage,
		&t.Lifecycle, &t.CreatedAt, &t.UpdatedAt, &trashedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if queuedAt.Valid {
		t.QueuedAt = &queuedAt.String
	}
	if claimedBy.Valid {
		t.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.String
	}
	if heartbeatAt.Valid {
		t.HeartbeatAt = &heartbeatAt.String
	}
	if resultRef.Valid {
		t.ResultRef = &resultRef.String
	}
	if errorMessage.Valid {
		t.ErrorMessage = &errorMessage.String
	}
	if trashedAt.Valid {
		t.TrashedAt = &trashedAt.String
	}
	return t, nil
}

func (r Repo) InsertTrialTx(ctx context.Context, tx *sql.Tx, t domain.Trial) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trials(id,session_id,name,kind,state,expected_device_count,lifecycle,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SessionID, t.Name, t.Kind, t.State, t.ExpectedDeviceCount, t.Lifecycle, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTrial(ctx context.Context, id string) (domain.Trial, error) {
	return scanTrial(r.DB.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE id=?`, id))
}

func (r Repo) GetTrialTx(ctx context.Context, tx *sql.Tx, id string) (domain.Trial, error) {
	return scanTrial(tx.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE id=?`, id))
}

// OpenTrialTx returns the session's trial still accepting device activity
// (recording or uploading), if any.
func (r Repo) OpenTrialTx(ctx context.Context, tx *sql.Tx, sessionID string) (domain.Trial, error) {
	return scanTrial(tx.QueryRowContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE session_id=? AND state IN ('recording','uploading') AND lifecycle='active' LIMIT 1`, sessionID))
}

// LatestTrialTx returns the session's most recent non-deleted trial, for
// status reporting once no trial is open.
func (r Repo) LatestTrialTx(ctx context.Context, tx *sql.Tx, sessionID string) (domain.Trial, error) {
	return scanTrial(tx.QueryRowContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE session_id=? AND lifecycle!='deleted' ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID))
}

type TrialFilters struct {
	SessionID string
	State     string
	Lifecycle string
	Limit     int
}

func (r Repo) ListTrials(ctx context.Context, f TrialFilters) ([]domain.Trial, error) {
	clauses := []string{"lifecycle=?"}
	lifecycle := f.Lifecycle
	if lifecycle == "" {
		lifecycle = domain.LifecycleActive
	}
	args := []any{lifecycle}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	query := `SELECT ` + trialColumns + ` FROM trials WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TrialNameTakenTx reports whether another non-deleted trial in the session
// already uses the name.
func (r Repo) TrialNameTakenTx(ctx context.Context, tx *sql.Tx, sessionID, name, excludeID string) (bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT 1 FROM trials WHERE session_id=? AND name=? AND id!=? AND lifecycle!='deleted' LIMIT 1`,
		sessionID, name, excludeID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) RenameTrialTx(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trials SET name=?, updated_at=? WHERE id=?`, name, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StopTrialTx freezes the expected device count and moves the trial from
// recording to uploading.
func (r Repo) StopTrialTx(ctx context.Context, tx *sql.Tx, id string, expected int, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE trials SET state='uploading', expected_device_count=?, updated_at=? WHERE id=? AND state='recording' AND lifecycle='active'`,
		expected, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkTrialReadyTx queues a fully uploaded trial for processing.
func (r Repo) MarkTrialReadyTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE trials SET state='ready', queued_at=?, updated_at=? WHERE id=? AND state='uploading' AND lifecycle='active'`,
		now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CancelTrialTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE trials SET state='canceled', updated_at=? WHERE id=? AND state IN ('recording','uploading') AND lifecycle='active'`,
		now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReadyTrialCandidates returns claimable trials in claim order. Priority
// kinds, when configured, are scanned before the plain FIFO tail.
func (r Repo) ReadyTrialCandidates(ctx context.Context, limit int, priorityKinds []string) ([]domain.Trial, error) {
	cols := make([]string, 0, 16)
	for _, c := range strings.Split(trialColumns, ",") {
		cols = append(cols, "t."+c)
	}
	query := `SELECT ` + strings.Join(cols, ",") + ` FROM trials t
JOIN sessions s ON s.id = t.session_id
WHERE t.state='ready' AND t.claimed_by IS NULL AND t.lifecycle='active' AND s.lifecycle='active'`
	var args []any
	order := ` ORDER BY t.queued_at ASC, t.id ASC`
	if len(priorityKinds) > 0 {
		placeholders := strings.Repeat("?,", len(priorityKinds))
		placeholders = placeholders[:len(placeholders)-1]
		order = ` ORDER BY CASE WHEN t.kind IN (` + placeholders + `) THEN 0 ELSE 1 END, t.queued_at ASC, t.id ASC`
		for _, k := range priorityKinds {
			args = append(args, k)
		}
	}
	query += order
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTrialTx is the compare-and-set at the heart of the dispatcher: the
// WHERE clause re-checks ready-and-unclaimed, so of two racing workers
// exactly one sees an affected row.
func (r Repo) ClaimTrialTx(ctx context.Context, tx *sql.Tx, id, workerID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE trials SET state='processing', claimed_by=?, claimed_at=?, heartbeat_at=?, updated_at=?
WHERE id=? AND state='ready' AND claimed_by IS NULL AND lifecycle='active'`,
		workerID, now, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchTrialHeartbeat refreshes the claim heartbeat; false means the trial is
// not processing under that worker.
func (r Repo) TouchTrialHeartbeat(ctx context.Context, id, workerID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE trials SET heartbeat_at=?, updated_at=? WHERE id=? AND state='processing' AND claimed_by=?`,
		now, now, id, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StaleClaims returns processing trials whose last heartbeat is older than
// the cutoff.
func (r Repo) StaleClaims(ctx context.Context, cutoff string) ([]domain.Trial, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE state='processing' AND claimed_by IS NOT NULL AND heartbeat_at < ? ORDER BY heartbeat_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ReleaseTrialClaimTx puts an abandoned claim back on the queue. The worker
// and heartbeat are part of the condition so a release happens at most once
// per expiry even with concurrent sweepers.
func (r Repo) ReleaseTrialClaimTx(ctx context.Context, tx *sql.Tx, id, workerID, heartbeatAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE trials SET state='ready', claimed_by=NULL, claimed_at=NULL, heartbeat_at=NULL, updated_at=?
WHERE id=? AND state='processing' AND claimed_by=? AND heartbeat_at=?`,
		now, id, workerID, heartbeatAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishTrialTx records the result and completes the trial; conditional on
// the caller still holding the claim.
func (r Repo) FinishTrialTx(ctx context.Context, tx *sql.Tx, id, workerID, resultRef, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE trials SET state='done', result_ref=?, updated_at=? WHERE id=? AND state='processing' AND claimed_by=?`,
		resultRef, now, id, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailTrialTx records a processing failure; conditional on the claim.
func (r Repo) FailTrialTx(ctx context.Context, tx *sql.Tx, id, workerID, message, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE trials SET state='error', error_message=?, updated_at=? WHERE id=? AND state='processing' AND claimed_by=?`,
		message, now, id, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CountTrialsByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM trials WHERE lifecycle='active' GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (r Repo) CountStaleClaims(ctx context.Context, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trials WHERE state='processing' AND claimed_by IS NOT NULL AND heartbeat_at < ?`, cutoff).Scan(&n)
	return n, err
}

const videoColumns = `id,trial_id,device_id,storage_ref,params_json,uploaded_at,created_at,updated_at`

func scanVideo(row rowScanner) (domain.Video, error) {
	var v domain.Video
	var storageRef, paramsJSON, uploadedAt sql.NullString
	err := row.Scan(&v.ID, &v.TrialID, &v.DeviceID, &storageRef, &paramsJSON, &uploadedAt, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if storageRef.Valid {
		v.StorageRef = &storageRef.String
	}
	if paramsJSON.Valid {
		v.ParamsJSON = &paramsJSON.String
	}
	if uploadedAt.Valid {
		v.UploadedAt = &uploadedAt.String
	}
	return v, nil
}

// EnsureVideoSlotTx creates the device's slot on a trial at most once and
// returns the surviving row, whoever created it.
func (r Repo) EnsureVideoSlotTx(ctx context.Context, tx *sql.Tx, v domain.Video) (domain.Video, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO videos(id,trial_id,device_id,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(trial_id, device_id) DO NOTHING`,
		v.ID, v.TrialID, v.DeviceID, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return domain.Video{}, err
	}
	return r.GetVideoForDeviceTx(ctx, tx, v.TrialID, v.DeviceID)
}

func (r Repo) GetVideo(ctx context.Context, id string) (domain.Video, error) {
	return scanVideo(r.DB.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id=?`, id))
}

func (r Repo) GetVideoTx(ctx context.Context, tx *sql.Tx, id string) (domain.Video, error) {
	return scanVideo(tx.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id=?`, id))
}

func (r Repo) GetVideoForDeviceTx(ctx context.Context, tx *sql.Tx, trialID, deviceID string) (domain.Video, error) {
	return scanVideo(tx.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE trial_id=? AND device_id=?`, trialID, deviceID))
}

func (r Repo) ListVideosByTrial(ctx context.Context, trialID string) ([]domain.Video, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE trial_id=? ORDER BY created_at ASC, id ASC`, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// SetVideoUploadTx overwrites the slot's upload; a repeat upload from the
// same device replaces the previous one, last write wins.
func (r Repo) SetVideoUploadTx(ctx context.Context, tx *sql.Tx, id, storageRef string, paramsJSON *string, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE videos SET storage_ref=?, params_json=?, uploaded_at=?, updated_at=? WHERE id=?`,
		storageRef, nullableStringPtr(paramsJSON), now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountVideoSlotsTx(ctx context.Context, tx *sql.Tx, trialID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE trial_id=?`, trialID).Scan(&n)
	return n, err
}

func (r Repo) CountUploadedVideosTx(ctx context.Context, tx *sql.Tx, trialID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE trial_id=? AND uploaded_at IS NOT NULL`, trialID).Scan(&n)
	return n, err
}

// ClearVideoUploadsTx discards upload metadata for a canceled trial; the
// slots remain as a record of which devices took part.
func (r Repo) ClearVideoUploadsTx(ctx context.Context, tx *sql.Tx, trialID, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE videos SET storage_ref=NULL, params_json=NULL, uploaded_at=NULL, updated_at=? WHERE trial_id=?`, now, trialID)
	return err
}

func (r Repo) DeleteVideosByTrialTx(ctx context.Context, tx *sql.Tx, trialID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM videos WHERE trial_id=?`, trialID)
	return err
}

func (r Repo) DeleteVideosBySessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM videos WHERE trial_id IN (SELECT id FROM trials WHERE session_id=?)`, sessionID)
	return err
}
