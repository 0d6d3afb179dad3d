package repo

import (
	"context"
	"database/sql"

	"caprig/internal/domain"
)

const pairingCodeColumns = `code,session_id,expires_at,redeemed_at,device_id,created_at`

func scanPairingCode(row rowScanner) (domain.PairingCode, error) {
	var pc domain.PairingCode
	var redeemedAt, deviceID sql.NullString
	err := row.Scan(&pc.Code, &pc.SessionID, &pc.ExpiresAt, &redeemedAt, &deviceID, &pc.CreatedAt)
	if err == sql.ErrNoRows {
		return pc, ErrNotFound
	}
	if err != nil {
		return pc, err
	}
	if redeemedAt.Valid {
		pc.RedeemedAt = &redeemedAt.String
	}
	if deviceID.Valid {
		pc.DeviceID = &deviceID.String
	}
	return pc, nil
}

func (r Repo) InsertPairingCodeTx(ctx context.Context, tx *sql.Tx, pc domain.PairingCode) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pairing_codes(code,session_id,expires_at,created_at) VALUES (?,?,?,?)`,
		pc.Code, pc.SessionID, pc.ExpiresAt, pc.CreatedAt)
	return err
}

func (r Repo) GetPairingCodeTx(ctx context.Context, tx *sql.Tx, code string) (domain.PairingCode, error) {
	return scanPairingCode(tx.QueryRowContext(ctx, `SELECT `+pairingCodeColumns+` FROM pairing_codes WHERE code=?`, code))
}

// RedeemPairingCodeTx burns a code for a device. Redeemed-at and expiry are
// checked in the WHERE clause so a code can be spent exactly once.
func (r Repo) RedeemPairingCodeTx(ctx context.Context, tx *sql.Tx, code, deviceID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE pairing_codes SET redeemed_at=?, device_id=? WHERE code=? AND redeemed_at IS NULL AND expires_at > ?`,
		now, deviceID, code, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListPairingCodesBySession(ctx context.Context, sessionID string) ([]domain.PairingCode, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+pairingCodeColumns+` FROM pairing_codes WHERE session_id=? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PairingCode
	for rows.Next() {
		pc, err := scanPairingCode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, pc)
	}
	return res, rows.Err()
}

func (r Repo) DeletePairingCodesBySessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pairing_codes WHERE session_id=?`, sessionID)
	return err
}

func (r Repo) InsertDeviceTx(ctx context.Context, tx *sql.Tx, d domain.Device) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO devices(id,session_id,paired_at,last_seen_at) VALUES (?,?,?,?)`,
		d.ID, d.SessionID, d.PairedAt, d.LastSeenAt)
	return err
}

func (r Repo) TouchDeviceTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE devices SET last_seen_at=? WHERE id=?`, now, id)
	return err
}

func (r Repo) ListDevicesBySession(ctx context.Context, sessionID string) ([]domain.Device, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,session_id,paired_at,last_seen_at FROM devices WHERE session_id=? ORDER BY paired_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.SessionID, &d.PairedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) DeleteDevicesBySessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE session_id=?`, sessionID)
	return err
}

// UpsertWorkerTx records a worker identity on first contact and bumps its
// last claim time afterwards.
func (r Repo) UpsertWorkerTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workers(id,first_seen_at,last_claim_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET last_claim_at=excluded.last_claim_at`, id, now, now)
	return err
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,first_seen_at,last_claim_at FROM workers ORDER BY last_claim_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.FirstSeenAt, &w.LastClaimAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
