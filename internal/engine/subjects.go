package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"caprig/internal/domain"
	"caprig/internal/events"
	"caprig/internal/repo"
)

// SubjectCreateOptions are parameters for registering a subject.
type SubjectCreateOptions struct {
	ID       string
	Name     string
	Metadata map[string]string
	ActorID  string
}

func (e Engine) CreateSubject(ctx context.Context, opts SubjectCreateOptions) (domain.Subject, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Subject{}, fmt.Errorf("name required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subject{}, err
	}
	defer tx.Rollback()

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	s := domain.Subject{
		ID:        id,
		Name:      name,
		Metadata:  opts.Metadata,
		Lifecycle: domain.LifecycleActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertSubjectTx(ctx, tx, s); err != nil {
		return domain.Subject{}, fmt.Errorf("insert subject: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "subject.created", "subject", s.ID, opts.ActorID, events.EventPayload{
		"name": s.Name,
	}); err != nil {
		return domain.Subject{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subject{}, err
	}
	return s, nil
}

// SubjectUpdateOptions carry partial subject updates. A nil Name or
// Metadata leaves the field alone.
type SubjectUpdateOptions struct {
	ID       string
	Name     *string
	Metadata map[string]string
	ActorID  string
}

func (e Engine) UpdateSubject(ctx context.Context, opts SubjectUpdateOptions) (domain.Subject, error) {
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Subject{}, fmt.Errorf("name must not be empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subject{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSubjectTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Subject{}, err
	}
	if s.Lifecycle == domain.LifecycleDeleted {
		return domain.Subject{}, repo.ErrNotFound
	}
	now := e.nowStr()
	if err := e.Repo.UpdateSubjectTx(ctx, tx, s.ID, opts.Name, opts.Metadata, now); err != nil {
		return domain.Subject{}, err
	}
	if err := e.Events.Append(ctx, tx, "subject.updated", "subject", s.ID, opts.ActorID, nil); err != nil {
		return domain.Subject{}, err
	}
	s, err = e.Repo.GetSubjectTx(ctx, tx, s.ID)
	if err != nil {
		return domain.Subject{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subject{}, err
	}
	return s, nil
}
