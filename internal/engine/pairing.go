package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caprig/internal/domain"
	"caprig/internal/events"
	"caprig/internal/repo"
)

// codeAlphabet omits glyphs that read ambiguously on a small screen
// (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 8

func newPairingCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

func (e Engine) mintPairingCodeTx(ctx context.Context, tx *sql.Tx, sessionID, actorID string) (domain.PairingCode, error) {
	code, err := newPairingCode()
	if err != nil {
		return domain.PairingCode{}, err
	}
	now := e.now().UTC()
	pc := domain.PairingCode{
		Code:      code,
		SessionID: sessionID,
		ExpiresAt: now.Add(e.Config.PairingCodeTTL()).Format(time.RFC3339),
		CreatedAt: now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertPairingCodeTx(ctx, tx, pc); err != nil {
		return domain.PairingCode{}, fmt.Errorf("insert pairing code: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "pairing.minted", "session", sessionID, actorID, events.EventPayload{
		"code":       pc.Code,
		"expires_at": pc.ExpiresAt,
	}); err != nil {
		return domain.PairingCode{}, err
	}
	return pc, nil
}

// MintPairingCode issues an additional single-use code for an active
// session, so more devices can join after creation.
func (e Engine) MintPairingCode(ctx context.Context, sessionID, actorID string) (domain.PairingCode, error) {
	if e.Config == nil {
		return domain.PairingCode{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PairingCode{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.PairingCode{}, err
	}
	if err := ensureSessionWorkable(s, ""); err != nil {
		return domain.PairingCode{}, err
	}
	pc, err := e.mintPairingCodeTx(ctx, tx, s.ID, actorID)
	if err != nil {
		return domain.PairingCode{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PairingCode{}, err
	}
	return pc, nil
}

// RedeemPairingCode binds a new device to the code's session. The
// conditional update makes the code single-use: when two devices race on
// the same code exactly one wins, the other reads back why it lost.
func (e Engine) RedeemPairingCode(ctx context.Context, code string) (domain.Device, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Device{}, err
	}
	defer tx.Rollback()

	deviceID := uuid.New().String()
	now := e.nowStr()
	ok, err := e.Repo.RedeemPairingCodeTx(ctx, tx, code, deviceID, now)
	if err != nil {
		return domain.Device{}, err
	}
	if !ok {
		pc, err := e.Repo.GetPairingCodeTx(ctx, tx, code)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Device{}, ErrCodeInvalid
		}
		if err != nil {
			return domain.Device{}, err
		}
		if pc.RedeemedAt != nil {
			return domain.Device{}, ErrCodeAlreadyUsed
		}
		return domain.Device{}, ErrCodeInvalid
	}
	pc, err := e.Repo.GetPairingCodeTx(ctx, tx, code)
	if err != nil {
		return domain.Device{}, err
	}
	s, err := e.Repo.GetSessionTx(ctx, tx, pc.SessionID)
	if err != nil {
		return domain.Device{}, err
	}
	if s.Lifecycle != domain.LifecycleActive {
		return domain.Device{}, ErrCodeInvalid
	}
	d := domain.Device{
		ID:         deviceID,
		SessionID:  pc.SessionID,
		PairedAt:   now,
		LastSeenAt: now,
	}
	if err := e.Repo.InsertDeviceTx(ctx, tx, d); err != nil {
		return domain.Device{}, fmt.Errorf("insert device: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "device.paired", "session", pc.SessionID, deviceID, events.EventPayload{
		"device_id": deviceID,
		"code":      code,
	}); err != nil {
		return domain.Device{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Device{}, err
	}
	return d, nil
}

// ListPairingCodes returns the codes minted for a session, newest first.
func (e Engine) ListPairingCodes(ctx context.Context, sessionID string) ([]domain.PairingCode, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Lifecycle == domain.LifecycleDeleted {
		return nil, repo.ErrNotFound
	}
	return e.Repo.ListPairingCodesBySession(ctx, sessionID)
}

// ListDevices returns the devices paired to a session.
func (e Engine) ListDevices(ctx context.Context, sessionID string) ([]domain.Device, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Lifecycle == domain.LifecycleDeleted {
		return nil, repo.ErrNotFound
	}
	return e.Repo.ListDevicesBySession(ctx, sessionID)
}
