package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"caprig/internal/config"
	"caprig/internal/db"
	"caprig/internal/domain"
	"caprig/internal/engine"
	"caprig/internal/engine/access"
	"caprig/internal/migrate"
	"caprig/internal/repo"
)

var testClock = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return testClock }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createSession(t *testing.T, env testEnv) (domain.Session, domain.PairingCode) {
	t.Helper()
	s, pc, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{ActorID: "op"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s, pc
}

func pairDevice(t *testing.T, env testEnv, sessionID string) domain.Device {
	t.Helper()
	pc, err := env.Engine.MintPairingCode(env.Ctx, sessionID, "op")
	if err != nil {
		t.Fatalf("mint code: %v", err)
	}
	d, err := env.Engine.RedeemPairingCode(env.Ctx, pc.Code)
	if err != nil {
		t.Fatalf("redeem code: %v", err)
	}
	return d
}

func startTrial(t *testing.T, env testEnv, sessionID, name, kind string) domain.Trial {
	t.Helper()
	tr, err := env.Engine.StartRecording(env.Ctx, engine.RecordOptions{SessionID: sessionID, Name: name, Kind: kind, ActorID: "op"})
	if err != nil {
		t.Fatalf("start recording: %v", err)
	}
	return tr
}

func pollSlot(t *testing.T, env testEnv, sessionID, deviceID string) domain.Video {
	t.Helper()
	res, err := env.Engine.PollStatus(env.Ctx, sessionID, deviceID, deviceID)
	if err != nil {
		t.Fatalf("poll status: %v", err)
	}
	if res.Video == nil {
		t.Fatalf("expected a video slot for device %s", deviceID)
	}
	return *res.Video
}

func uploadVideo(t *testing.T, env testEnv, videoID, deviceID, ref string) domain.Video {
	t.Helper()
	v, err := env.Engine.RegisterUpload(env.Ctx, engine.UploadOptions{VideoID: videoID, StorageRef: ref, DeviceID: deviceID, ActorID: deviceID})
	if err != nil {
		t.Fatalf("register upload: %v", err)
	}
	return v
}

// readyTrial builds a one-device session and walks it to a ready trial.
func readyTrial(t *testing.T, env testEnv, kind string) (domain.Session, domain.Device, domain.Trial) {
	t.Helper()
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)
	tr := startTrial(t, env, s.ID, "", kind)
	slot := pollSlot(t, env, s.ID, d.ID)
	if _, err := env.Engine.StopRecording(env.Ctx, s.ID, "op"); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	uploadVideo(t, env, slot.ID, d.ID, "s3://raw/"+slot.ID+".mp4")
	tr, err := env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil {
		t.Fatalf("reload trial: %v", err)
	}
	if tr.State != "ready" {
		t.Fatalf("expected ready trial, got %s", tr.State)
	}
	return s, d, tr
}

// runTrial records, uploads and processes one trial on an existing
// session and device, returning the finished trial.
func runTrial(t *testing.T, env testEnv, sessionID, deviceID, kind, workerID string) domain.Trial {
	t.Helper()
	tr := startTrial(t, env, sessionID, "", kind)
	slot := pollSlot(t, env, sessionID, deviceID)
	if _, err := env.Engine.StopRecording(env.Ctx, sessionID, "op"); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	uploadVideo(t, env, slot.ID, deviceID, "s3://raw/"+slot.ID+".mp4")
	claim, err := env.Engine.ClaimNext(env.Ctx, workerID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claim.Claimed || claim.Trial.ID != tr.ID {
		t.Fatalf("expected to claim trial %s", tr.ID)
	}
	done, err := env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: workerID, ResultRef: "s3://results/" + tr.ID})
	if err != nil {
		t.Fatalf("ingest result: %v", err)
	}
	return done
}

func getSession(t *testing.T, env testEnv, id string) domain.Session {
	t.Helper()
	s, err := env.Engine.Repo.GetSession(env.Ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}

func countEvents(t *testing.T, env testEnv, evtType, entityID string) int {
	t.Helper()
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type=? AND entity_id=?`, evtType, entityID)
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestSessionRecordingFlow(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	if s.State != "created" {
		t.Fatalf("new session state = %s", s.State)
	}
	cam1 := pairDevice(t, env, s.ID)
	cam2 := pairDevice(t, env, s.ID)

	tr := startTrial(t, env, s.ID, "walking", "dynamic")
	if tr.State != "recording" || tr.Name != "walking" {
		t.Fatalf("unexpected trial after start: %+v", tr)
	}
	if st := getSession(t, env, s.ID).State; st != "recording" {
		t.Fatalf("session state after start = %s", st)
	}

	slot1 := pollSlot(t, env, s.ID, cam1.ID)
	slot2 := pollSlot(t, env, s.ID, cam2.ID)
	// polling again must return the same slot, not a second one
	if again := pollSlot(t, env, s.ID, cam1.ID); again.ID != slot1.ID {
		t.Fatalf("expected stable slot for device, got %s then %s", slot1.ID, again.ID)
	}

	tr, err := env.Engine.StopRecording(env.Ctx, s.ID, "op")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tr.State != "uploading" || tr.ExpectedDeviceCount != 2 {
		t.Fatalf("after stop: state=%s expected=%d", tr.State, tr.ExpectedDeviceCount)
	}
	if st := getSession(t, env, s.ID).State; st != "uploading" {
		t.Fatalf("session state after stop = %s", st)
	}

	uploadVideo(t, env, slot1.ID, cam1.ID, "s3://raw/cam1.mp4")
	tr, err = env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.State != "uploading" {
		t.Fatalf("trial flipped early with 1/2 uploads: %s", tr.State)
	}

	uploadVideo(t, env, slot2.ID, cam2.ID, "s3://raw/cam2.mp4")
	tr, err = env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.State != "ready" || tr.QueuedAt == nil {
		t.Fatalf("after last upload: state=%s queued_at=%v", tr.State, tr.QueuedAt)
	}
	if st := getSession(t, env, s.ID).State; st != "processing" {
		t.Fatalf("session state after last upload = %s", st)
	}

	claim, err := env.Engine.ClaimNext(env.Ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claim.Claimed || claim.Trial.ID != tr.ID {
		t.Fatalf("expected claim on trial %s", tr.ID)
	}
	if len(claim.Videos) != 2 {
		t.Fatalf("claim videos = %d", len(claim.Videos))
	}
	if claim.Trial.ClaimedBy == nil || *claim.Trial.ClaimedBy != "worker-1" {
		t.Fatalf("claimed_by = %v", claim.Trial.ClaimedBy)
	}
	if err := env.Engine.Heartbeat(env.Ctx, tr.ID, "worker-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	tr, err = env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-1", ResultRef: "s3://results/walking.trc"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if tr.State != "done" || tr.ResultRef == nil || *tr.ResultRef != "s3://results/walking.trc" {
		t.Fatalf("after ingest: %+v", tr)
	}
	if st := getSession(t, env, s.ID).State; st != "done" {
		t.Fatalf("session state after result = %s", st)
	}

	if n := countEvents(t, env, "trial.ready", tr.ID); n != 1 {
		t.Fatalf("trial.ready events = %d", n)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, tr.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 5 {
		t.Fatalf("expected trial event trail, got %d rows", count)
	}
}

func TestStartRecordingGuards(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)

	if _, err := env.Engine.StartRecording(env.Ctx, engine.RecordOptions{SessionID: s.ID, Kind: "freestyle", ActorID: "op"}); err == nil {
		t.Fatalf("expected invalid kind rejection")
	}

	startTrial(t, env, s.ID, "walk", "dynamic")
	var te engine.TransitionError
	_, err := env.Engine.StartRecording(env.Ctx, engine.RecordOptions{SessionID: s.ID, Name: "run", ActorID: "op"})
	if !errors.As(err, &te) || te.From != "recording" {
		t.Fatalf("second start: %v", err)
	}

	pollSlot(t, env, s.ID, d.ID)
	if _, err := env.Engine.StopRecording(env.Ctx, s.ID, "op"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_, err = env.Engine.StartRecording(env.Ctx, engine.RecordOptions{SessionID: s.ID, Name: "run", ActorID: "op"})
	if !errors.As(err, &te) || te.From != "uploading" {
		t.Fatalf("start while uploading: %v", err)
	}
}

func TestTrialNameDefaultsAndDedup(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	pairDevice(t, env, s.ID)

	tr := startTrial(t, env, s.ID, "", "dynamic")
	if tr.Name != "dynamic" {
		t.Fatalf("default name = %s", tr.Name)
	}
	if _, err := env.Engine.CancelTrial(env.Ctx, tr.ID, "op"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	first := startTrial(t, env, s.ID, "walk", "dynamic")
	if _, err := env.Engine.CancelTrial(env.Ctx, first.ID, "op"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second := startTrial(t, env, s.ID, "walk", "dynamic")
	if second.Name != "walk_2" {
		t.Fatalf("deduped name = %s", second.Name)
	}

	renamed, err := env.Engine.RenameTrial(env.Ctx, second.ID, "walk", "op")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Name != "walk_2" {
		t.Fatalf("rename onto taken name = %s", renamed.Name)
	}
	renamed, err = env.Engine.RenameTrial(env.Ctx, second.ID, "gait", "op")
	if err != nil || renamed.Name != "gait" {
		t.Fatalf("rename: %v name=%s", err, renamed.Name)
	}
}

func TestStopRecordingRequiresDevices(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)
	tr := startTrial(t, env, s.ID, "walk", "dynamic")

	// no device polled yet, so there are no slots to wait for
	var nde engine.NoDevicesError
	_, err := env.Engine.StopRecording(env.Ctx, s.ID, "op")
	if !errors.As(err, &nde) || nde.SessionID != s.ID {
		t.Fatalf("stop without slots: %v", err)
	}
	reloaded, err := env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil || reloaded.State != "recording" {
		t.Fatalf("rejected stop must not mutate, trial=%s err=%v", reloaded.State, err)
	}

	pollSlot(t, env, s.ID, d.ID)
	if _, err := env.Engine.StopRecording(env.Ctx, s.ID, "op"); err != nil {
		t.Fatalf("stop after poll: %v", err)
	}
}

func TestConfiguredExpectedCountPinsStop(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Devices.ExpectedCount = 2
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)

	startTrial(t, env, s.ID, "walk", "dynamic")
	slot := pollSlot(t, env, s.ID, d.ID)
	tr, err := env.Engine.StopRecording(env.Ctx, s.ID, "op")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tr.ExpectedDeviceCount != 2 {
		t.Fatalf("configured expected count not applied: %d", tr.ExpectedDeviceCount)
	}
	uploadVideo(t, env, slot.ID, d.ID, "s3://raw/only.mp4")
	tr, err = env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil || tr.State != "uploading" {
		t.Fatalf("one of two uploads must not queue the trial: %s %v", tr.State, err)
	}
}

func TestCancelTrialResetsSession(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)

	tr := startTrial(t, env, s.ID, "walk", "dynamic")
	slot := pollSlot(t, env, s.ID, d.ID)
	uploadVideo(t, env, slot.ID, d.ID, "s3://raw/aborted.mp4")

	canceled, err := env.Engine.CancelTrial(env.Ctx, tr.ID, "op")
	if err != nil || canceled.State != "canceled" {
		t.Fatalf("cancel: %v state=%s", err, canceled.State)
	}
	if st := getSession(t, env, s.ID).State; st != "created" {
		t.Fatalf("session after cancel = %s", st)
	}
	videos, err := env.Engine.Repo.ListVideosByTrial(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range videos {
		if v.StorageRef != nil || v.UploadedAt != nil {
			t.Fatalf("cancel must clear uploads: %+v", v)
		}
	}

	// terminal states reject further workflow ops but renames still work
	if _, err := env.Engine.CancelTrial(env.Ctx, tr.ID, "op"); err == nil {
		t.Fatalf("expected cancel on canceled trial to fail")
	}
	if _, err := env.Engine.RenameTrial(env.Ctx, tr.ID, "scrapped", "op"); err != nil {
		t.Fatalf("rename canceled trial: %v", err)
	}
	startTrial(t, env, s.ID, "walk", "dynamic")
}

func TestPairingCodeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	s, pc := createSession(t, env)

	d, err := env.Engine.RedeemPairingCode(env.Ctx, pc.Code)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if d.SessionID != s.ID {
		t.Fatalf("device bound to %s, want %s", d.SessionID, s.ID)
	}
	if _, err := env.Engine.RedeemPairingCode(env.Ctx, pc.Code); !errors.Is(err, engine.ErrCodeAlreadyUsed) {
		t.Fatalf("second redeem: %v", err)
	}
	if _, err := env.Engine.RedeemPairingCode(env.Ctx, "WRONG234"); !errors.Is(err, engine.ErrCodeInvalid) {
		t.Fatalf("unknown code: %v", err)
	}

	codes, err := env.Engine.ListPairingCodes(env.Ctx, s.ID)
	if err != nil || len(codes) != 1 {
		t.Fatalf("codes: %v len=%d", err, len(codes))
	}
	if codes[0].RedeemedAt == nil || codes[0].DeviceID == nil || *codes[0].DeviceID != d.ID {
		t.Fatalf("redeemed code not recorded: %+v", codes[0])
	}
	devices, err := env.Engine.ListDevices(env.Ctx, s.ID)
	if err != nil || len(devices) != 1 {
		t.Fatalf("devices: %v len=%d", err, len(devices))
	}
}

func TestPairingCodeExpiry(t *testing.T) {
	env := newTestEnv(t)
	_, pc := createSession(t, env)

	env.Engine.Now = func() time.Time { return testClock.Add(301 * time.Second) }
	if _, err := env.Engine.RedeemPairingCode(env.Ctx, pc.Code); !errors.Is(err, engine.ErrCodeInvalid) {
		t.Fatalf("expired code: %v", err)
	}

	// a fresh code minted at the new clock still works
	s2, pc2 := createSession(t, env)
	d, err := env.Engine.RedeemPairingCode(env.Ctx, pc2.Code)
	if err != nil || d.SessionID != s2.ID {
		t.Fatalf("fresh code after expiry: %v", err)
	}
}

func TestPairingRequiresActiveSession(t *testing.T) {
	env := newTestEnv(t)
	s, pc := createSession(t, env)

	if err := env.Engine.Trash(env.Ctx, "session", s.ID, "op"); err != nil {
		t.Fatalf("trash: %v", err)
	}
	if _, err := env.Engine.RedeemPairingCode(env.Ctx, pc.Code); !errors.Is(err, engine.ErrCodeInvalid) {
		t.Fatalf("redeem into trashed session: %v", err)
	}
	var te engine.TransitionError
	if _, err := env.Engine.MintPairingCode(env.Ctx, s.ID, "op"); !errors.As(err, &te) {
		t.Fatalf("mint on trashed session: %v", err)
	}

	// the rejected redeem rolled back, so after a restore the code is
	// still unspent
	if err := env.Engine.Restore(env.Ctx, "session", s.ID, "op"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	d, err := env.Engine.RedeemPairingCode(env.Ctx, pc.Code)
	if err != nil || d.SessionID != s.ID {
		t.Fatalf("redeem after restore: %v", err)
	}
}

func TestUploadOverwrite(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)
	tr := startTrial(t, env, s.ID, "walk", "dynamic")
	slot := pollSlot(t, env, s.ID, d.ID)

	params := `{"fps":60}`
	v, err := env.Engine.RegisterUpload(env.Ctx, engine.UploadOptions{VideoID: slot.ID, StorageRef: "s3://raw/try1.mp4", ParamsJSON: &params, DeviceID: d.ID})
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if v.UploadedAt == nil || v.StorageRef == nil {
		t.Fatalf("upload not recorded: %+v", v)
	}
	v = uploadVideo(t, env, slot.ID, d.ID, "s3://raw/try2.mp4")
	if *v.StorageRef != "s3://raw/try2.mp4" {
		t.Fatalf("re-upload must overwrite, got %s", *v.StorageRef)
	}

	// uploads made while recording do not complete the trial; the count is
	// checked against uploads arriving in `uploading`
	if _, err := env.Engine.StopRecording(env.Ctx, s.ID, "op"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	reloaded, err := env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil || reloaded.State != "uploading" {
		t.Fatalf("trial after stop = %s (%v)", reloaded.State, err)
	}
	uploadVideo(t, env, slot.ID, d.ID, "s3://raw/final.mp4")
	reloaded, err = env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil || reloaded.State != "ready" {
		t.Fatalf("trial after final upload = %s (%v)", reloaded.State, err)
	}
}

func TestUploadGuards(t *testing.T) {
	env := newTestEnv(t)
	_, d, tr := readyTrial(t, env, "dynamic")

	videos, err := env.Engine.Repo.ListVideosByTrial(env.Ctx, tr.ID)
	if err != nil || len(videos) != 1 {
		t.Fatalf("videos: %v", err)
	}
	slot := videos[0]

	if _, err := env.Engine.RegisterUpload(env.Ctx, engine.UploadOptions{VideoID: slot.ID, StorageRef: "   ", DeviceID: d.ID}); err == nil {
		t.Fatalf("blank storage_ref accepted")
	}
	var de access.DeniedError
	if _, err := env.Engine.RegisterUpload(env.Ctx, engine.UploadOptions{VideoID: slot.ID, StorageRef: "s3://x", DeviceID: "intruder"}); !errors.As(err, &de) {
		t.Fatalf("upload for foreign device: %v", err)
	}
	var te engine.TransitionError
	_, err = env.Engine.RegisterUpload(env.Ctx, engine.UploadOptions{VideoID: slot.ID, StorageRef: "s3://x", DeviceID: d.ID})
	if !errors.As(err, &te) || te.From != "ready" {
		t.Fatalf("upload on ready trial: %v", err)
	}
	if _, err := env.Engine.RegisterUpload(env.Ctx, engine.UploadOptions{VideoID: "missing", StorageRef: "s3://x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("upload on missing slot: %v", err)
	}
}

func TestPollStatusScope(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)

	// operator poll without a device id reads state only
	res, err := env.Engine.PollStatus(env.Ctx, s.ID, "", "op")
	if err != nil || res.Video != nil || res.Trial != nil {
		t.Fatalf("bare poll: %+v err=%v", res, err)
	}

	var de access.DeniedError
	if _, err := env.Engine.PollStatus(env.Ctx, s.ID, "stranger", "stranger"); !errors.As(err, &de) {
		t.Fatalf("unpaired device poll: %v", err)
	}

	startTrial(t, env, s.ID, "walk", "dynamic")
	pollSlot(t, env, s.ID, d.ID)
	if _, err := env.Engine.StopRecording(env.Ctx, s.ID, "op"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// devices paired after the stop see the trial but get no slot
	late := pairDevice(t, env, s.ID)
	res, err = env.Engine.PollStatus(env.Ctx, s.ID, late.ID, late.ID)
	if err != nil {
		t.Fatalf("late poll: %v", err)
	}
	if res.Trial == nil || res.Trial.State != "uploading" {
		t.Fatalf("late poll trial: %+v", res.Trial)
	}
	if res.Video != nil {
		t.Fatalf("late device must not widen the expected set")
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ClaimNext(env.Ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if res.Claimed {
		t.Fatalf("claimed something from an empty queue: %+v", res)
	}
	if _, err := env.Engine.ClaimNext(env.Ctx, "   "); err == nil {
		t.Fatalf("blank worker id accepted")
	}
}

func TestClaimAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	_, _, tr := readyTrial(t, env, "dynamic")

	first, err := env.Engine.ClaimNext(env.Ctx, "worker-1")
	if err != nil || !first.Claimed || first.Trial.ID != tr.ID {
		t.Fatalf("first claim: %v %+v", err, first)
	}
	second, err := env.Engine.ClaimNext(env.Ctx, "worker-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second.Claimed {
		t.Fatalf("trial claimed twice")
	}

	// the conditional update is what makes the claim at-most-once: a
	// racer that lost sees zero affected rows
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	ok, err := env.Engine.Repo.ClaimTrialTx(env.Ctx, tx, tr.ID, "worker-2", "2024-05-01T10:00:00Z")
	if err != nil {
		t.Fatalf("raw claim: %v", err)
	}
	if ok {
		t.Fatalf("conditional claim succeeded on a held trial")
	}
	// the pool is capped at one connection, so the tx must release it
	// before the next pool query can run
	tx.Rollback()

	workers, err := env.Engine.Repo.ListWorkers(env.Ctx)
	if err != nil || len(workers) != 1 || workers[0].ID != "worker-1" {
		t.Fatalf("workers: %v %+v", err, workers)
	}
	if n := countEvents(t, env, "trial.claimed", tr.ID); n != 1 {
		t.Fatalf("trial.claimed events = %d", n)
	}
}

func TestClaimRace(t *testing.T) {
	env := newTestEnv(t)
	_, _, tr := readyTrial(t, env, "dynamic")

	const racers = 8
	results := make(chan engine.ClaimResult, racers)
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := env.Engine.ClaimNext(env.Ctx, fmt.Sprintf("worker-%d", n))
			if err != nil {
				errs <- err
				return
			}
			results <- got
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("racing claim: %v", err)
	}
	winners := 0
	for got := range results {
		if !got.Claimed {
			continue
		}
		winners++
		if got.Trial.ID != tr.ID {
			t.Fatalf("claimed wrong trial: %s", got.Trial.ID)
		}
	}
	if winners != 1 {
		t.Fatalf("one racer should win the trial, got %d", winners)
	}
	if n := countEvents(t, env, "trial.claimed", tr.ID); n != 1 {
		t.Fatalf("trial.claimed events = %d", n)
	}
}

func TestClaimOrderAndPriority(t *testing.T) {
	env := newTestEnv(t)
	_, _, first := readyTrial(t, env, "dynamic")

	env.Engine.Now = func() time.Time { return testClock.Add(10 * time.Second) }
	_, _, second := readyTrial(t, env, "dynamic")

	env.Engine.Now = func() time.Time { return testClock.Add(20 * time.Second) }
	_, _, calib := readyTrial(t, env, "calibration")

	env.Engine.Config.Queue.PriorityKinds = []string{"calibration"}

	got, err := env.Engine.ClaimNext(env.Ctx, "worker-1")
	if err != nil || !got.Claimed || got.Trial.ID != calib.ID {
		t.Fatalf("priority kind not fronted: %v %+v", err, got.Trial.ID)
	}
	got, err = env.Engine.ClaimNext(env.Ctx, "worker-1")
	if err != nil || !got.Claimed || got.Trial.ID != first.ID {
		t.Fatalf("expected oldest queued trial next: %v", err)
	}
	got, err = env.Engine.ClaimNext(env.Ctx, "worker-1")
	if err != nil || !got.Claimed || got.Trial.ID != second.ID {
		t.Fatalf("expected remaining trial last: %v", err)
	}
}

func TestHeartbeatGuards(t *testing.T) {
	env := newTestEnv(t)
	_, _, tr := readyTrial(t, env, "dynamic")
	if _, err := env.Engine.ClaimNext(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.Heartbeat(env.Ctx, tr.ID, "worker-1"); err != nil {
		t.Fatalf("holder heartbeat: %v", err)
	}
	var nce engine.NotClaimedError
	if err := env.Engine.Heartbeat(env.Ctx, tr.ID, "worker-2"); !errors.As(err, &nce) {
		t.Fatalf("foreign heartbeat: %v", err)
	}
	if err := env.Engine.Heartbeat(env.Ctx, "missing", "worker-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("heartbeat on missing trial: %v", err)
	}
}

func TestStaleClaimRelease(t *testing.T) {
	env := newTestEnv(t)
	_, _, tr := readyTrial(t, env, "dynamic")
	if _, err := env.Engine.ClaimNext(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	n, err := env.Engine.ReleaseStale(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("fresh claim released: n=%d err=%v", n, err)
	}

	env.Engine.Now = func() time.Time { return testClock.Add(6 * time.Minute) }
	n, err = env.Engine.ReleaseStale(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("stale release: n=%d err=%v", n, err)
	}
	// the observed heartbeat sits in the release condition, so a second
	// sweep of the same silence finds nothing
	n, err = env.Engine.ReleaseStale(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("double release: n=%d err=%v", n, err)
	}

	reloaded, err := env.Engine.Repo.GetTrial(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.State != "ready" || reloaded.ClaimedBy != nil || reloaded.HeartbeatAt != nil {
		t.Fatalf("released trial: %+v", reloaded)
	}
	if reloaded.QueuedAt == nil || *reloaded.QueuedAt != *tr.QueuedAt {
		t.Fatalf("release must keep the original queue position")
	}
	if n := countEvents(t, env, "trial.released", tr.ID); n != 1 {
		t.Fatalf("trial.released events = %d", n)
	}

	got, err := env.Engine.ClaimNext(env.Ctx, "worker-2")
	if err != nil || !got.Claimed || *got.Trial.ClaimedBy != "worker-2" {
		t.Fatalf("reclaim: %v %+v", err, got)
	}
}

func TestClaimNextReleasesStaleFirst(t *testing.T) {
	env := newTestEnv(t)
	_, _, tr := readyTrial(t, env, "dynamic")
	if _, err := env.Engine.ClaimNext(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	env.Engine.Now = func() time.Time { return testClock.Add(6 * time.Minute) }
	got, err := env.Engine.ClaimNext(env.Ctx, "worker-2")
	if err != nil || !got.Claimed || got.Trial.ID != tr.ID {
		t.Fatalf("claim after staleness: %v %+v", err, got)
	}
	if *got.Trial.ClaimedBy != "worker-2" {
		t.Fatalf("claimed_by = %s", *got.Trial.ClaimedBy)
	}

	// worker-1 lost the trial and may no longer finish it
	var nce engine.NotClaimedError
	_, err = env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-1", ResultRef: "s3://late"})
	if !errors.As(err, &nce) {
		t.Fatalf("late result from evicted worker: %v", err)
	}
}

func TestHeartbeatKeepsClaimAlive(t *testing.T) {
	env := newTestEnv(t)
	_, _, tr := readyTrial(t, env, "dynamic")
	if _, err := env.Engine.ClaimNext(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	env.Engine.Now = func() time.Time { return testClock.Add(4 * time.Minute) }
	if err := env.Engine.Heartbeat(env.Ctx, tr.ID, "worker-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	env.Engine.Now = func() time.Time { return testClock.Add(6 * time.Minute) }
	n, err := env.Engine.ReleaseStale(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("heartbeat ignored: n=%d err=%v", n, err)
	}

	env.Engine.Now = func() time.Time { return testClock.Add(10 * time.Minute) }
	n, err = env.Engine.ReleaseStale(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("claim should go stale eventually: n=%d err=%v", n, err)
	}
}

func TestDynamicTrialCompletesSession(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)
	done := runTrial(t, env, s.ID, d.ID, "dynamic", "worker-1")
	if done.State != "done" {
		t.Fatalf("trial state = %s", done.State)
	}
	if st := getSession(t, env, s.ID).State; st != "done" {
		t.Fatalf("single_trial policy should complete the session, got %s", st)
	}
}

func TestMultiTrialPolicyReturnsToCalibration(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Sessions.CompletionPolicy = config.CompletionMultiTrial
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)

	runTrial(t, env, s.ID, d.ID, "dynamic", "worker-1")
	if st := getSession(t, env, s.ID).State; st != "calibration" {
		t.Fatalf("session after first dynamic trial = %s", st)
	}
	runTrial(t, env, s.ID, d.ID, "dynamic", "worker-1")
	if st := getSession(t, env, s.ID).State; st != "calibration" {
		t.Fatalf("session after second dynamic trial = %s", st)
	}

	trials, err := env.Engine.Repo.ListTrials(env.Ctx, repo.TrialFilters{SessionID: s.ID})
	if err != nil {
		t.Fatal(err)
	}
	doneCount := 0
	for _, tr := range trials {
		if tr.State == "done" {
			doneCount++
		}
	}
	if doneCount != 2 {
		t.Fatalf("done trials = %d", doneCount)
	}
}

func TestCalibrationTrialFeedsCalibration(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)

	runTrial(t, env, s.ID, d.ID, "calibration", "worker-1")
	if st := getSession(t, env, s.ID).State; st != "calibration" {
		t.Fatalf("session after calibration trial = %s", st)
	}
	runTrial(t, env, s.ID, d.ID, "neutral", "worker-1")
	if st := getSession(t, env, s.ID).State; st != "calibration" {
		t.Fatalf("session after neutral trial = %s", st)
	}

	// recording is legal from calibration, and a dynamic take now closes
	// out the session
	runTrial(t, env, s.ID, d.ID, "dynamic", "worker-1")
	if st := getSession(t, env, s.ID).State; st != "done" {
		t.Fatalf("session after dynamic trial = %s", st)
	}
}

func TestIngestResultFailure(t *testing.T) {
	env := newTestEnv(t)
	s, _, tr := readyTrial(t, env, "dynamic")
	if _, err := env.Engine.ClaimNext(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	failed, err := env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-1", ErrorMessage: "pose solver diverged"})
	if err != nil {
		t.Fatalf("ingest failure: %v", err)
	}
	if failed.State != "error" || failed.ErrorMessage == nil || *failed.ErrorMessage != "pose solver diverged" {
		t.Fatalf("failed trial: %+v", failed)
	}
	if st := getSession(t, env, s.ID).State; st != "error" {
		t.Fatalf("session after failure = %s", st)
	}
	if n := countEvents(t, env, "trial.failed", tr.ID); n != 1 {
		t.Fatalf("trial.failed events = %d", n)
	}

	// error is terminal for the session workflow
	var te engine.TransitionError
	if _, err := env.Engine.StartRecording(env.Ctx, engine.RecordOptions{SessionID: s.ID, ActorID: "op"}); !errors.As(err, &te) || te.From != "error" {
		t.Fatalf("record on errored session: %v", err)
	}
}

func TestIngestResultValidation(t *testing.T) {
	env := newTestEnv(t)
	_, _, tr := readyTrial(t, env, "dynamic")

	// trial is ready, nobody holds it yet
	var nce engine.NotClaimedError
	_, err := env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-1", ResultRef: "s3://r"})
	if !errors.As(err, &nce) {
		t.Fatalf("result on unclaimed trial: %v", err)
	}

	if _, err := env.Engine.ClaimNext(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-1"}); err == nil {
		t.Fatalf("neither result nor error accepted")
	}
	if _, err := env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-1", ResultRef: "s3://r", ErrorMessage: "boom"}); err == nil {
		t.Fatalf("both result and error accepted")
	}
	if _, err := env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-2", ResultRef: "s3://r"}); !errors.As(err, &nce) {
		t.Fatalf("result from wrong worker: %v", err)
	}

	if _, err := env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-1", ResultRef: "s3://r"}); err != nil {
		t.Fatalf("valid result: %v", err)
	}
	// finished trials take no further results
	if _, err := env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-1", ResultRef: "s3://again"}); !errors.As(err, &nce) {
		t.Fatalf("result on done trial: %v", err)
	}
}

func TestResultArtifacts(t *testing.T) {
	env := newTestEnv(t)
	_, _, tr := readyTrial(t, env, "dynamic")
	if _, err := env.Engine.ClaimNext(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	meta := `{"marker_set":"full_body"}`
	a, err := env.Engine.AddResultArtifact(env.Ctx, engine.ArtifactOptions{TrialID: tr.ID, WorkerID: "worker-1", Tag: "pose_overlay", StorageRef: "s3://artifacts/overlay.mp4", MetaJSON: &meta})
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if a.CreatedBy != "worker-1" || a.Tag != "pose_overlay" {
		t.Fatalf("artifact: %+v", a)
	}

	var nce engine.NotClaimedError
	if _, err := env.Engine.AddResultArtifact(env.Ctx, engine.ArtifactOptions{TrialID: tr.ID, WorkerID: "worker-2", Tag: "x", StorageRef: "s3://x"}); !errors.As(err, &nce) {
		t.Fatalf("artifact from wrong worker: %v", err)
	}
	if _, err := env.Engine.AddResultArtifact(env.Ctx, engine.ArtifactOptions{TrialID: tr.ID, WorkerID: "worker-1", Tag: " ", StorageRef: "s3://x"}); err == nil {
		t.Fatalf("blank tag accepted")
	}

	arts, err := env.Engine.Repo.ListResultsByTrial(env.Ctx, tr.ID)
	if err != nil || len(arts) != 1 {
		t.Fatalf("artifacts list: %v len=%d", err, len(arts))
	}

	if _, err := env.Engine.IngestResult(env.Ctx, engine.ResultOptions{TrialID: tr.ID, WorkerID: "worker-1", ResultRef: "s3://r"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddResultArtifact(env.Ctx, engine.ArtifactOptions{TrialID: tr.ID, WorkerID: "worker-1", Tag: "late", StorageRef: "s3://x"}); !errors.As(err, &nce) {
		t.Fatalf("artifact after result: %v", err)
	}
}

func TestQueueStatusCounts(t *testing.T) {
	env := newTestEnv(t)
	readyTrial(t, env, "dynamic")
	readyTrial(t, env, "dynamic")
	if _, err := env.Engine.ClaimNext(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	qs, err := env.Engine.QueueStatus(env.Ctx)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if qs.Counts["ready"] != 1 || qs.Counts["processing"] != 1 {
		t.Fatalf("counts: %+v", qs.Counts)
	}
	if qs.StaleClaims != 0 {
		t.Fatalf("stale claims = %d", qs.StaleClaims)
	}

	env.Engine.Now = func() time.Time { return testClock.Add(6 * time.Minute) }
	qs, err = env.Engine.QueueStatus(env.Ctx)
	if err != nil || qs.StaleClaims != 1 {
		t.Fatalf("stale claims after silence = %d err=%v", qs.StaleClaims, err)
	}
}

func TestLifecycleTrashRestore(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	pairDevice(t, env, s.ID)

	if err := env.Engine.Trash(env.Ctx, "session", s.ID, "op"); err != nil {
		t.Fatalf("trash: %v", err)
	}
	// trashing twice is a no-op
	if err := env.Engine.Trash(env.Ctx, "session", s.ID, "op"); err != nil {
		t.Fatalf("re-trash: %v", err)
	}

	var te engine.TransitionError
	if _, err := env.Engine.StartRecording(env.Ctx, engine.RecordOptions{SessionID: s.ID, ActorID: "op"}); !errors.As(err, &te) || te.From != domain.LifecycleTrashed {
		t.Fatalf("record on trashed session: %v", err)
	}

	listed, err := env.Engine.Repo.ListSessions(env.Ctx, repo.SessionFilters{})
	if err != nil {
		t.Fatal(err)
	}
	for _, item := range listed {
		if item.ID == s.ID {
			t.Fatalf("trashed session shows in the active listing")
		}
	}
	listed, err = env.Engine.Repo.ListSessions(env.Ctx, repo.SessionFilters{Lifecycle: domain.LifecycleTrashed})
	if err != nil || len(listed) != 1 {
		t.Fatalf("trashed listing: %v len=%d", err, len(listed))
	}

	if err := env.Engine.Restore(env.Ctx, "session", s.ID, "op"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := env.Engine.Restore(env.Ctx, "session", s.ID, "op"); !errors.As(err, &te) {
		t.Fatalf("restore on active session: %v", err)
	}
	startTrial(t, env, s.ID, "walk", "dynamic")
}

func TestPermanentDeleteCascade(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	d := pairDevice(t, env, s.ID)
	tr := startTrial(t, env, s.ID, "walk", "dynamic")
	pollSlot(t, env, s.ID, d.ID)

	if err := env.Engine.PermanentlyDelete(env.Ctx, "session", s.ID, "op"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Engine.Trash(env.Ctx, "session", s.ID, "op"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("trash after delete: %v", err)
	}
	if _, err := env.Engine.PollStatus(env.Ctx, s.ID, "", "op"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("poll after delete: %v", err)
	}
	if _, err := env.Engine.CancelTrial(env.Ctx, tr.ID, "op"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cancel cascaded trial: %v", err)
	}

	// dependents are gone; the session and trial rows stay for the audit
	// trail, marked deleted
	count := func(query string, arg string) int {
		var n int
		if err := env.Engine.DB.QueryRowContext(env.Ctx, query, arg).Scan(&n); err != nil {
			t.Fatalf("%s: %v", query, err)
		}
		return n
	}
	if n := count(`SELECT count(*) FROM videos WHERE trial_id=?`, tr.ID); n != 0 {
		t.Fatalf("videos left behind: %d", n)
	}
	if n := count(`SELECT count(*) FROM devices WHERE session_id=?`, s.ID); n != 0 {
		t.Fatalf("devices left behind: %d", n)
	}
	if n := count(`SELECT count(*) FROM pairing_codes WHERE session_id=?`, s.ID); n != 0 {
		t.Fatalf("pairing codes left behind: %d", n)
	}
	if n := count(`SELECT count(*) FROM sessions WHERE id=?`, s.ID); n != 1 {
		t.Fatalf("session row should survive as a tombstone, got %d", n)
	}
	if n := count(`SELECT count(*) FROM trials WHERE id=?`, tr.ID); n != 1 {
		t.Fatalf("trial row should survive as a tombstone, got %d", n)
	}
	if n := countEvents(t, env, "session.deleted", s.ID); n != 1 {
		t.Fatalf("session.deleted events = %d", n)
	}

	deleted, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil || deleted.Lifecycle != domain.LifecycleDeleted {
		t.Fatalf("deleted session row: %+v err=%v", deleted, err)
	}
	if err := env.Engine.PermanentlyDelete(env.Ctx, "session", s.ID, "op"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestPurgeTrashed(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	if err := env.Engine.Trash(env.Ctx, "session", s.ID, "op"); err != nil {
		t.Fatal(err)
	}

	n, err := env.Engine.PurgeTrashed(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("purge inside grace period: n=%d err=%v", n, err)
	}

	env.Engine.Now = func() time.Time { return testClock.Add(31 * 24 * time.Hour) }
	n, err = env.Engine.PurgeTrashed(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge after ttl: n=%d err=%v", n, err)
	}
	if err := env.Engine.Trash(env.Ctx, "session", s.ID, "op"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("purged session still reachable: %v", err)
	}
}

func TestPurgeDisabledWithZeroTTL(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	if err := env.Engine.Trash(env.Ctx, "session", s.ID, "op"); err != nil {
		t.Fatal(err)
	}
	env.Engine.Config.Retention.TrashTTLDays = 0
	env.Engine.Now = func() time.Time { return testClock.Add(365 * 24 * time.Hour) }
	n, err := env.Engine.PurgeTrashed(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("zero ttl must disable the purge: n=%d err=%v", n, err)
	}
}

func TestSubjectsAndSessionBinding(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{Name: "  ", ActorID: "op"}); err == nil {
		t.Fatalf("blank subject name accepted")
	}
	subj, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{Name: "S042", Metadata: map[string]string{"height_cm": "181"}, ActorID: "op"})
	if err != nil {
		t.Fatalf("create subject: %v", err)
	}

	var ie engine.IdentifierError
	if _, _, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{SubjectID: "ghost", ActorID: "op"}); !errors.As(err, &ie) {
		t.Fatalf("unknown subject: %v", err)
	}

	s, _, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{SubjectID: subj.ID, ActorID: "op"})
	if err != nil {
		t.Fatalf("create session with subject: %v", err)
	}
	if s.SubjectID == nil || *s.SubjectID != subj.ID {
		t.Fatalf("subject not bound: %+v", s)
	}

	// clearing and reassigning the subject are separate update shapes
	s, err = env.Engine.UpdateSession(env.Ctx, engine.SessionUpdateOptions{ID: s.ID, SubjectSet: true, ActorID: "op"})
	if err != nil || s.SubjectID != nil {
		t.Fatalf("clear subject: %v %+v", err, s.SubjectID)
	}
	s, err = env.Engine.UpdateSession(env.Ctx, engine.SessionUpdateOptions{ID: s.ID, SubjectID: &subj.ID, SubjectSet: true, ActorID: "op"})
	if err != nil || s.SubjectID == nil {
		t.Fatalf("reassign subject: %v", err)
	}

	if err := env.Engine.Trash(env.Ctx, "subject", subj.ID, "op"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{SubjectID: subj.ID, ActorID: "op"}); !errors.As(err, &ie) {
		t.Fatalf("trashed subject accepted: %v", err)
	}
}

func TestSubjectUpdate(t *testing.T) {
	env := newTestEnv(t)
	subj, err := env.Engine.CreateSubject(env.Ctx, engine.SubjectCreateOptions{Name: "S001", ActorID: "op"})
	if err != nil {
		t.Fatal(err)
	}
	empty := " "
	if _, err := env.Engine.UpdateSubject(env.Ctx, engine.SubjectUpdateOptions{ID: subj.ID, Name: &empty, ActorID: "op"}); err == nil {
		t.Fatalf("blank rename accepted")
	}
	name := "S001-rev2"
	updated, err := env.Engine.UpdateSubject(env.Ctx, engine.SubjectUpdateOptions{ID: subj.ID, Name: &name, Metadata: map[string]string{"mass_kg": "77"}, ActorID: "op"})
	if err != nil || updated.Name != "S001-rev2" || updated.Metadata["mass_kg"] != "77" {
		t.Fatalf("update subject: %v %+v", err, updated)
	}
	if _, err := env.Engine.UpdateSubject(env.Ctx, engine.SubjectUpdateOptions{ID: "ghost", ActorID: "op"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update missing subject: %v", err)
	}
}

func TestUpdateSessionMetadata(t *testing.T) {
	env := newTestEnv(t)
	s, _, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{Metadata: map[string]string{"lab": "A"}, ActorID: "op"})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.UpdateSession(env.Ctx, engine.SessionUpdateOptions{ID: s.ID, Metadata: map[string]string{"lab": "B", "protocol": "gait-v2"}, ActorID: "op"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if s.Metadata["lab"] != "B" || s.Metadata["protocol"] != "gait-v2" {
		t.Fatalf("metadata: %+v", s.Metadata)
	}
	if n := countEvents(t, env, "session.updated", s.ID); n != 1 {
		t.Fatalf("session.updated events = %d", n)
	}
}

func TestCreateSessionWithExplicitID(t *testing.T) {
	env := newTestEnv(t)
	s, pc, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{ID: "sess-explicit", ActorID: "op"})
	if err != nil || s.ID != "sess-explicit" {
		t.Fatalf("explicit id: %v", err)
	}
	if pc.SessionID != s.ID || len(pc.Code) != 8 {
		t.Fatalf("initial pairing code: %+v", pc)
	}
	if _, _, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{ID: "sess-explicit", ActorID: "op"}); err == nil {
		t.Fatalf("duplicate id accepted")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "ci", "  "); err == nil {
		t.Fatalf("blank actor accepted")
	}
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "ci", "ops-team")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if len(raw) != 64 {
		t.Fatalf("raw key length = %d", len(raw))
	}
	if key.KeyHash != repo.HashAPIKey(raw) {
		t.Fatalf("stored hash does not match the raw key")
	}

	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	if err != nil || found.ActorID != "ops-team" || found.Name != "ci" {
		t.Fatalf("lookup by hash: %v %+v", err, found)
	}
	keys, err := env.Engine.Repo.ListAPIKeys(env.Ctx, "ops-team")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %v len=%d", err, len(keys))
	}

	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, "op"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key still resolves: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, "op"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double revoke: %v", err)
	}
	if n := countEvents(t, env, "apikey.created", key.ID); n != 1 {
		t.Fatalf("apikey.created events = %d", n)
	}
	if n := countEvents(t, env, "apikey.deleted", key.ID); n != 1 {
		t.Fatalf("apikey.deleted events = %d", n)
	}
}

func TestEventLogPagination(t *testing.T) {
	env := newTestEnv(t)
	s, _ := createSession(t, env)
	pairDevice(t, env, s.ID)
	startTrial(t, env, s.ID, "walk", "dynamic")

	page, err := env.Engine.Repo.LatestEvents(env.Ctx, 3, "", "", "")
	if err != nil || len(page) != 3 {
		t.Fatalf("first page: %v len=%d", err, len(page))
	}
	// newest first
	if page[0].ID <= page[1].ID {
		t.Fatalf("expected descending ids: %d %d", page[0].ID, page[1].ID)
	}
	next, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 3, page[len(page)-1].ID, "", "", "")
	if err != nil || len(next) == 0 {
		t.Fatalf("second page: %v len=%d", err, len(next))
	}
	if next[0].ID >= page[len(page)-1].ID {
		t.Fatalf("cursor not applied: %d >= %d", next[0].ID, page[len(page)-1].ID)
	}

	only, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "session.state", "", s.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range only {
		if e.Type != "session.state" || e.EntityID != s.ID {
			t.Fatalf("filter leaked: %+v", e)
		}
	}
}
