package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"caprig/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// rowScanner covers *sql.Row and *sql.Rows so scan helpers serve both.
type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id,state,subject_id,metadata_json,lifecycle,created_at,updated_at,trashed_at`

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var subjectID, metadata, trashedAt sql.NullString
	err := row.Scan(&s.ID, &s.State, &subjectID, &metadata, &s.Lifecycle, &s.CreatedAt, &s.UpdatedAt, &trashedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if subjectID.Valid {
		s.SubjectID = &subjectID.String
	}
	if trashedAt.Valid {
		s.TrashedAt = &trashedAt.String
	}
	s.Metadata = decodeMetadata(metadata)
	return s, nil
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,state,subject_id,metadata_json,lifecycle,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.State, nullableStringPtr(s.SubjectID), encodeMetadata(s.Metadata), s.Lifecycle, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

type SessionFilters struct {
	State           string
	SubjectID       string
	Lifecycle       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	clauses := []string{"lifecycle=?"}
	lifecycle := f.Lifecycle
	if lifecycle == "" {
		lifecycle = domain.LifecycleActive
	}
	args := []any{lifecycle}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSessionStateTx moves a session between workflow states. The expected
// states are part of the WHERE clause so a concurrent transition loses the
// race instead of overwriting it; false means no row matched.
func (r Repo) UpdateSessionStateTx(ctx context.Context, tx *sql.Tx, id string, from []string, to, now string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("expected states required")
	}
	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{to, now, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state=?, updated_at=? WHERE id=? AND state IN (`+placeholders+`) AND lifecycle='active'`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateSessionFieldsTx sets metadata and/or subject; nil leaves a field alone.
func (r Repo) UpdateSessionFieldsTx(ctx context.Context, tx *sql.Tx, id string, metadata map[string]string, subjectID *string, subjectSet bool, now string) error {
	fields := []string{"updated_at=?"}
	args := []any{now}
	if metadata != nil {
		fields = append(fields, "metadata_json=?")
		args = append(args, encodeMetadata(metadata))
	}
	if subjectSet {
		fields = append(fields, "subject_id=?")
		args = append(args, nullableStringPtr(subjectID))
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(fields, ", ")+` WHERE id=? AND lifecycle!='deleted'`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func encodeMetadata(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeMetadata(v sql.NullString) map[string]string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil
	}
	return m
}
