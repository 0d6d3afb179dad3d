package repo

import (
	"context"
	"database/sql"
	"strings"

	"caprig/internal/domain"
)

const subjectColumns = `id,name,metadata_json,lifecycle,created_at,updated_at,trashed_at`

func scanSubject(row rowScanner) (domain.Subject, error) {
	var s domain.Subject
	var metadata, trashedAt sql.NullString
	err := row.Scan(&s.ID, &s.Name, &metadata, &s.Lifecycle, &s.CreatedAt, &s.UpdatedAt, &trashedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if trashedAt.Valid {
		s.TrashedAt = &trashedAt.String
	}
	s.Metadata = decodeMetadata(metadata)
	return s, nil
}

func (r Repo) InsertSubjectTx(ctx context.Context, tx *sql.Tx, s domain.Subject) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO subjects(id,name,metadata_json,lifecycle,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.Name, encodeMetadata(s.Metadata), s.Lifecycle, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSubject(ctx context.Context, id string) (domain.Subject, error) {
	return scanSubject(r.DB.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id=?`, id))
}

func (r Repo) GetSubjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Subject, error) {
	return scanSubject(tx.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id=?`, id))
}

func (r Repo) ListSubjects(ctx context.Context, lifecycle string, limit int) ([]domain.Subject, error) {
	if lifecycle == "" {
		lifecycle = domain.LifecycleActive
	}
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE lifecycle=? ORDER BY created_at DESC, id DESC`
	args := []any{lifecycle}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSubjectTx(ctx context.Context, tx *sql.Tx, id string, name *string, metadata map[string]string, now string) error {
	fields := []string{"updated_at=?"}
	args := []any{now}
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if metadata != nil {
		fields = append(fields, "metadata_json=?")
		args = append(args, encodeMetadata(metadata))
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, `UPDATE subjects SET `+strings.Join(fields, ", ")+` WHERE id=? AND lifecycle!='deleted'`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
