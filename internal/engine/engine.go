package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"caprig/internal/config"
	"caprig/internal/domain"
	"caprig/internal/engine/access"
	"caprig/internal/events"
	"caprig/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Access access.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Access: access.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TransitionError reports a state change the entity's current state (or
// lifecycle) forbids. An empty To means the current state rejects the
// operation outright.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("%s %s is %s", e.Entity, e.ID, e.From)
	}
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// IdentifierError reports a request referencing an entity that does not
// resolve.
type IdentifierError struct {
	Field string
	Value string
}

func (e IdentifierError) Error() string {
	return fmt.Sprintf("%s %s does not resolve", e.Field, e.Value)
}

// NoDevicesError rejects a stop with no device slots to wait for.
type NoDevicesError struct {
	SessionID string
}

func (e NoDevicesError) Error() string {
	return fmt.Sprintf("no devices registered for session %s", e.SessionID)
}

// NotClaimedError rejects a worker operation on a trial it does not hold.
type NotClaimedError struct {
	TrialID  string
	WorkerID string
}

func (e NotClaimedError) Error() string {
	return fmt.Sprintf("trial %s is not claimed by %s", e.TrialID, e.WorkerID)
}

var (
	ErrConflict        = errors.New("conflicting concurrent update")
	ErrCodeInvalid     = errors.New("pairing code invalid or expired")
	ErrCodeAlreadyUsed = errors.New("pairing code already used")
)

func ensureSessionTransition(id, from, to string) error {
	if to == "error" {
		switch from {
		case "done", "error":
		default:
			return nil
		}
		return TransitionError{Entity: "session", ID: id, From: from, To: to}
	}
	switch from {
	case "created", "calibration":
		if to == "recording" {
			return nil
		}
	case "recording":
		if to == "uploading" || to == "created" {
			return nil
		}
	case "uploading":
		if to == "processing" || to == "created" {
			return nil
		}
	case "processing":
		if to == "done" || to == "calibration" {
			return nil
		}
	}
	return TransitionError{Entity: "session", ID: id, From: from, To: to}
}

func ensureTrialTransition(id, from, to string) error {
	switch from {
	case "recording":
		if to == "uploading" || to == "canceled" {
			return nil
		}
	case "uploading":
		if to == "ready" || to == "canceled" {
			return nil
		}
	case "ready":
		if to == "processing" {
			return nil
		}
	case "processing":
		if to == "done" || to == "error" || to == "ready" {
			return nil
		}
	}
	return TransitionError{Entity: "trial", ID: id, From: from, To: to}
}

// ensureSessionWorkable gates workflow operations: deleted reads as gone,
// trashed freezes transitions.
func ensureSessionWorkable(s domain.Session, to string) error {
	if s.Lifecycle == domain.LifecycleDeleted {
		return repo.ErrNotFound
	}
	if s.Lifecycle != domain.LifecycleActive {
		return TransitionError{Entity: "session", ID: s.ID, From: s.Lifecycle, To: to}
	}
	return nil
}

func ensureTrialWorkable(t domain.Trial, to string) error {
	if t.Lifecycle == domain.LifecycleDeleted {
		return repo.ErrNotFound
	}
	if t.Lifecycle != domain.LifecycleActive {
		return TransitionError{Entity: "trial", ID: t.ID, From: t.Lifecycle, To: to}
	}
	return nil
}

func validKind(kind string) bool {
	switch kind {
	case "calibration", "neutral", "dynamic":
		return true
	}
	return false
}

// SessionCreateOptions are parameters for creating a session.
type SessionCreateOptions struct {
	ID        string
	SubjectID string
	Metadata  map[string]string
	ActorID   string
}

// CreateSession opens a session in `created` and mints its first pairing
// code so devices can join right away.
func (e Engine) CreateSession(ctx context.Context, opts SessionCreateOptions) (domain.Session, domain.PairingCode, error) {
	if e.Config == nil {
		return domain.Session{}, domain.PairingCode{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, domain.PairingCode{}, err
	}
	defer tx.Rollback()

	if opts.SubjectID != "" {
		subj, err := e.Repo.GetSubjectTx(ctx, tx, opts.SubjectID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Session{}, domain.PairingCode{}, IdentifierError{Field: "subject_id", Value: opts.SubjectID}
			}
			return domain.Session{}, domain.PairingCode{}, err
		}
		if subj.Lifecycle != domain.LifecycleActive {
			return domain.Session{}, domain.PairingCode{}, IdentifierError{Field: "subject_id", Value: opts.SubjectID}
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	s := domain.Session{
		ID:        id,
		State:     "created",
		SubjectID: optionalString(opts.SubjectID),
		Metadata:  opts.Metadata,
		Lifecycle: domain.LifecycleActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return domain.Session{}, domain.PairingCode{}, fmt.Errorf("insert session: %w", err)
	}
	pc, err := e.mintPairingCodeTx(ctx, tx, s.ID, opts.ActorID)
	if err != nil {
		return domain.Session{}, domain.PairingCode{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.created", "session", s.ID, opts.ActorID, events.EventPayload{
		"state":      s.State,
		"subject_id": opts.SubjectID,
	}); err != nil {
		return domain.Session{}, domain.PairingCode{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, domain.PairingCode{}, err
	}
	return s, pc, nil
}

// SessionUpdateOptions encapsulates allowed updates. A nil Metadata leaves
// metadata alone; SubjectSet distinguishes clearing the subject from not
// touching it.
type SessionUpdateOptions struct {
	ID         string
	Metadata   map[string]string
	SubjectID  *string
	SubjectSet bool
	ActorID    string
}

func (e Engine) UpdateSession(ctx context.Context, opts SessionUpdateOptions) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Lifecycle == domain.LifecycleDeleted {
		return domain.Session{}, repo.ErrNotFound
	}
	if opts.SubjectSet && opts.SubjectID != nil && *opts.SubjectID != "" {
		subj, err := e.Repo.GetSubjectTx(ctx, tx, *opts.SubjectID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Session{}, IdentifierError{Field: "subject_id", Value: *opts.SubjectID}
			}
			return domain.Session{}, err
		}
		if subj.Lifecycle != domain.LifecycleActive {
			return domain.Session{}, IdentifierError{Field: "subject_id", Value: *opts.SubjectID}
		}
	}
	now := e.nowStr()
	if err := e.Repo.UpdateSessionFieldsTx(ctx, tx, s.ID, opts.Metadata, opts.SubjectID, opts.SubjectSet, now); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.updated", "session", s.ID, opts.ActorID, events.EventPayload{
		"fields": updateFieldNames(opts),
	}); err != nil {
		return domain.Session{}, err
	}
	s, err = e.Repo.GetSessionTx(ctx, tx, s.ID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func updateFieldNames(opts SessionUpdateOptions) []string {
	var fields []string
	if opts.Metadata != nil {
		fields = append(fields, "metadata")
	}
	if opts.SubjectSet {
		fields = append(fields, "subject_id")
	}
	return fields
}

// RecordOptions are parameters for starting a trial.
type RecordOptions struct {
	SessionID string
	Name      string
	Kind      string
	ActorID   string
}

// StartRecording opens a trial on the session and moves the session to
// `recording`. Allowed from `created` or `calibration` only.
func (e Engine) StartRecording(ctx context.Context, opts RecordOptions) (domain.Trial, error) {
	if opts.Kind == "" {
		opts.Kind = "dynamic"
	}
	if !validKind(opts.Kind) {
		return domain.Trial{}, fmt.Errorf("invalid trial kind %s", opts.Kind)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trial{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, opts.SessionID)
	if err != nil {
		return domain.Trial{}, err
	}
	if err := ensureSessionWorkable(s, "recording"); err != nil {
		return domain.Trial{}, err
	}
	if err := ensureSessionTransition(s.ID, s.State, "recording"); err != nil {
		return domain.Trial{}, err
	}
	if _, err := e.Repo.OpenTrialTx(ctx, tx, s.ID); err == nil {
		return domain.Trial{}, fmt.Errorf("session %s already has an open trial: %w", s.ID, ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Trial{}, err
	}

	base := strings.TrimSpace(opts.Name)
	if base == "" {
		base = opts.Kind
	}
	name, err := e.dedupTrialNameTx(ctx, tx, s.ID, base, "")
	if err != nil {
		return domain.Trial{}, err
	}
	now := e.nowStr()
	t := domain.Trial{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		Name:      name,
		Kind:      opts.Kind,
		State:     "recording",
		Lifecycle: domain.LifecycleActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertTrialTx(ctx, tx, t); err != nil {
		return domain.Trial{}, fmt.Errorf("insert trial: %w", err)
	}
	ok, err := e.Repo.UpdateSessionStateTx(ctx, tx, s.ID, []string{s.State}, "recording", now)
	if err != nil {
		return domain.Trial{}, err
	}
	if !ok {
		return domain.Trial{}, e.sessionTransitionLost(ctx, tx, s.ID, "recording")
	}
	if err := e.Events.Append(ctx, tx, "trial.created", "trial", t.ID, opts.ActorID, events.EventPayload{
		"session_id": s.ID,
		"name":       t.Name,
		"kind":       t.Kind,
	}); err != nil {
		return domain.Trial{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.state", "session", s.ID, opts.ActorID, events.EventPayload{
		"from": s.State, "to": "recording", "trial_id": t.ID,
	}); err != nil {
		return domain.Trial{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trial{}, err
	}
	return t, nil
}

// StopRecording freezes the expected device count and moves the open trial
// to `uploading`. The count comes from the configured override when set,
// otherwise from the slots devices registered while polling; zero means no
// device ever joined and the stop is rejected.
func (e Engine) StopRecording(ctx context.Context, sessionID, actorID string) (domain.Trial, error) {
	if e.Config == nil {
		return domain.Trial{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trial{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.Trial{}, err
	}
	if err := ensureSessionWorkable(s, "uploading"); err != nil {
		return domain.Trial{}, err
	}
	if err := ensureSessionTransition(s.ID, s.State, "uploading"); err != nil {
		return domain.Trial{}, err
	}
	t, err := e.Repo.OpenTrialTx(ctx, tx, s.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Trial{}, fmt.Errorf("session %s has no open trial: %w", s.ID, ErrConflict)
		}
		return domain.Trial{}, err
	}
	slots, err := e.Repo.CountVideoSlotsTx(ctx, tx, t.ID)
	if err != nil {
		return domain.Trial{}, err
	}
	expected := e.Config.Devices.ExpectedCount
	if expected <= 0 {
		expected = slots
	}
	if expected == 0 {
		return domain.Trial{}, NoDevicesError{SessionID: s.ID}
	}
	now := e.nowStr()
	ok, err := e.Repo.StopTrialTx(ctx, tx, t.ID, expected, now)
	if err != nil {
		return domain.Trial{}, err
	}
	if !ok {
		return domain.Trial{}, e.trialTransitionLost(ctx, tx, t.ID, "uploading")
	}
	ok, err = e.Repo.UpdateSessionStateTx(ctx, tx, s.ID, []string{"recording"}, "uploading", now)
	if err != nil {
		return domain.Trial{}, err
	}
	if !ok {
		return domain.Trial{}, e.sessionTransitionLost(ctx, tx, s.ID, "uploading")
	}
	if err := e.Events.Append(ctx, tx, "trial.stopped", "trial", t.ID, actorID, events.EventPayload{
		"expected_device_count": expected,
	}); err != nil {
		return domain.Trial{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.state", "session", s.ID, actorID, events.EventPayload{
		"from": "recording", "to": "uploading",
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

// PollResult is the status snapshot devices and the web client act on.
type PollResult struct {
	Session domain.Session
	Trial   *domain.Trial
	Video   *domain.Video
}

// PollStatus reads the session state. When a device polls during
// `recording` its video slot on the open trial is created at most once;
// after the stop only the existing slot is returned, so late devices
// cannot widen the expected set.
func (e Engine) PollStatus(ctx context.Context, sessionID, deviceID, actorID string) (PollResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PollResult{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return PollResult{}, err
	}
	if s.Lifecycle == domain.LifecycleDeleted {
		return PollResult{}, repo.ErrNotFound
	}
	res := PollResult{Session: s}

	t, err := e.Repo.OpenTrialTx(ctx, tx, s.ID)
	switch {
	case err == nil:
		res.Trial = &t
	case errors.Is(err, repo.ErrNotFound):
		latest, err := e.Repo.LatestTrialTx(ctx, tx, s.ID)
		if err == nil {
			res.Trial = &latest
		} else if !errors.Is(err, repo.ErrNotFound) {
			return PollResult{}, err
		}
	default:
		return PollResult{}, err
	}

	if deviceID != "" {
		if err := e.Access.RequireDeviceInSession(ctx, tx, deviceID, s.ID, "poll"); err != nil {
			return PollResult{}, err
		}
		now := e.nowStr()
		if err := e.Repo.TouchDeviceTx(ctx, tx, deviceID, now); err != nil {
			return PollResult{}, err
		}
		if res.Trial != nil {
			if s.State == "recording" && res.Trial.State == "recording" && s.Lifecycle == domain.LifecycleActive {
				v, err := e.Repo.EnsureVideoSlotTx(ctx, tx, domain.Video{
					ID:        uuid.New().String(),
					TrialID:   res.Trial.ID,
					DeviceID:  deviceID,
					CreatedAt: now,
					UpdatedAt: now,
				})
				if err != nil {
					return PollResult{}, err
				}
				res.Video = &v
			} else {
				v, err := e.Repo.GetVideoForDeviceTx(ctx, tx, res.Trial.ID, deviceID)
				if err == nil {
					res.Video = &v
				} else if !errors.Is(err, repo.ErrNotFound) {
					return PollResult{}, err
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return PollResult{}, err
	}
	return res, nil
}

// dedupTrialNameTx suffixes the name with _2, _3... until it is unique
// among the session's non-deleted trials.
func (e Engine) dedupTrialNameTx(ctx context.Context, tx *sql.Tx, sessionID, base, excludeID string) (string, error) {
	name := base
	for i := 2; ; i++ {
		taken, err := e.Repo.TrialNameTakenTx(ctx, tx, sessionID, name, excludeID)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

// sessionTransitionLost reports why a conditional session update matched no
// row: the state moved under us, the row was trashed, or it vanished.
func (e Engine) sessionTransitionLost(ctx context.Context, tx *sql.Tx, id, to string) error {
	s, err := e.Repo.GetSessionTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if s.Lifecycle != domain.LifecycleActive {
		return TransitionError{Entity: "session", ID: id, From: s.Lifecycle, To: to}
	}
	return TransitionError{Entity: "session", ID: id, From: s.State, To: to}
}

func (e Engine) trialTransitionLost(ctx context.Context, tx *sql.Tx, id, to string) error {
	t, err := e.Repo.GetTrialTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.Lifecycle != domain.LifecycleActive {
		return TransitionError{Entity: "trial", ID: id, From: t.Lifecycle, To: to}
	}
	return TransitionError{Entity: "trial", ID: id, From: t.State, To: to}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
