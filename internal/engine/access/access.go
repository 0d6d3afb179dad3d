package access

import (
	"context"
	"database/sql"
	"fmt"
)

// DeniedError indicates the caller lacks authority for an action.
type DeniedError struct {
	Action string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("permission denied for %s", e.Action)
}

// Service answers authorization questions backed by SQL. Device bindings
// are checked inside the caller's transaction so a decision and the write
// it guards commit together.
type Service struct {
	DB *sql.DB
}

// DeviceInSession reports whether the device was paired into the session.
func (s Service) DeviceInSession(ctx context.Context, tx *sql.Tx, deviceID, sessionID string) (bool, error) {
	query := func(q string, args ...any) *sql.Row {
		if tx != nil {
			return tx.QueryRowContext(ctx, q, args...)
		}
		return s.DB.QueryRowContext(ctx, q, args...)
	}
	row := query(`SELECT 1 FROM devices WHERE id=? AND session_id=? LIMIT 1`, deviceID, sessionID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequireDeviceInSession returns DeniedError unless the device belongs to
// the session.
func (s Service) RequireDeviceInSession(ctx context.Context, tx *sql.Tx, deviceID, sessionID, action string) error {
	ok, err := s.DeviceInSession(ctx, tx, deviceID, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return DeniedError{Action: action}
	}
	return nil
}
