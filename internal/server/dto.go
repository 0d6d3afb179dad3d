package server

import (
	"encoding/json"

	"caprig/internal/domain"
)

// Request payloads

type CreateSessionRequest struct {
	ID        *string           `json:"id,omitempty"`
	SubjectID *string           `json:"subject_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type UpdateSessionRequest struct {
	SubjectID *string           `json:"subject_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type RecordRequest struct {
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty" enum:"calibration,neutral,dynamic"`
}

type RenameTrialRequest struct {
	Name string `json:"name"`
}

type UploadRequest struct {
	StorageRef string         `json:"storage_ref"`
	Params     map[string]any `json:"params,omitempty"`
}

type RedeemRequest struct {
	Code string `json:"code"`
}

type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

type ResultRequest struct {
	WorkerID  string  `json:"worker_id"`
	ResultRef *string `json:"result_ref,omitempty"`
	Error     *string `json:"error,omitempty"`
}

type ArtifactRequest struct {
	WorkerID   string         `json:"worker_id"`
	Tag        string         `json:"tag"`
	StorageRef string         `json:"storage_ref"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type CreateSubjectRequest struct {
	ID       *string           `json:"id,omitempty"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type UpdateSubjectRequest struct {
	Name     *string           `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response payloads

type SessionResponse struct {
	ID        string            `json:"id"`
	State     string            `json:"state" enum:"created,calibration,recording,uploading,processing,done,error"`
	SubjectID *string           `json:"subject_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Lifecycle string            `json:"lifecycle" enum:"active,trashed,deleted"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
	TrashedAt *string           `json:"trashed_at,omitempty" format:"date-time"`
}

type PairingCodeResponse struct {
	Code       string  `json:"code"`
	SessionID  string  `json:"session_id"`
	ExpiresAt  string  `json:"expires_at" format:"date-time"`
	RedeemedAt *string `json:"redeemed_at,omitempty" format:"date-time"`
	DeviceID   *string `json:"device_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type CreateSessionResponse struct {
	Session     SessionResponse     `json:"session"`
	PairingCode PairingCodeResponse `json:"pairing_code"`
}

type TrialResponse struct {
	ID                  string  `json:"id"`
	SessionID           string  `json:"session_id"`
	Name                string  `json:"name"`
	Kind                string  `json:"kind" enum:"calibration,neutral,dynamic"`
	State               string  `json:"state" enum:"recording,uploading,ready,processing,done,canceled,error"`
	ExpectedDeviceCount int     `json:"expected_device_count"`
	QueuedAt            *string `json:"queued_at,omitempty" format:"date-time"`
	ClaimedBy           *string `json:"claimed_by,omitempty"`
	ClaimedAt           *string `json:"claimed_at,omitempty" format:"date-time"`
	HeartbeatAt         *string `json:"heartbeat_at,omitempty" format:"date-time"`
	ResultRef           *string `json:"result_ref,omitempty"`
	ErrorMessage        *string `json:"error_message,omitempty"`
	Lifecycle           string  `json:"lifecycle" enum:"active,trashed,deleted"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
	TrashedAt           *string `json:"trashed_at,omitempty" format:"date-time"`
}

type VideoResponse struct {
	ID         string         `json:"id"`
	TrialID    string         `json:"trial_id"`
	DeviceID   string         `json:"device_id"`
	StorageRef *string        `json:"storage_ref,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	UploadedAt *string        `json:"uploaded_at,omitempty" format:"date-time"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type TrialDetailResponse struct {
	Trial     TrialResponse      `json:"trial"`
	Videos    []VideoResponse    `json:"videos"`
	Artifacts []ArtifactResponse `json:"artifacts"`
}

type DeviceResponse struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	PairedAt   string `json:"paired_at" format:"date-time"`
	LastSeenAt string `json:"last_seen_at" format:"date-time"`
}

type RedeemResponse struct {
	Token               string `json:"token"`
	DeviceID            string `json:"device_id"`
	SessionID           string `json:"session_id"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

type StatusResponse struct {
	Session             SessionResponse `json:"session"`
	Trial               *TrialResponse  `json:"trial,omitempty"`
	Video               *VideoResponse  `json:"video,omitempty"`
	PollIntervalSeconds int             `json:"poll_interval_seconds"`
}

type ClaimResponse struct {
	Claimed bool            `json:"claimed"`
	Trial   *TrialResponse  `json:"trial,omitempty"`
	Videos  []VideoResponse `json:"videos,omitempty"`
}

type QueueStatusResponse struct {
	Counts      map[string]int `json:"counts"`
	StaleClaims int            `json:"stale_claims"`
}

type SubjectResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Lifecycle string            `json:"lifecycle" enum:"active,trashed,deleted"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
	TrashedAt *string           `json:"trashed_at,omitempty" format:"date-time"`
}

type ArtifactResponse struct {
	ID         string         `json:"id"`
	TrialID    string         `json:"trial_id"`
	Tag        string         `json:"tag"`
	StorageRef string         `json:"storage_ref"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedBy  string         `json:"created_by"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedSessions struct {
	Items      []SessionResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedTrials struct {
	Items []TrialResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse(s)
}

func mapSessions(items []domain.Session) []SessionResponse {
	res := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sessionResponse(s))
	}
	return res
}

func pairingCodeResponse(pc domain.PairingCode) PairingCodeResponse {
	return PairingCodeResponse(pc)
}

func mapPairingCodes(items []domain.PairingCode) []PairingCodeResponse {
	res := make([]PairingCodeResponse, 0, len(items))
	for _, pc := range items {
		res = append(res, pairingCodeResponse(pc))
	}
	return res
}

func trialResponse(t domain.Trial) TrialResponse {
	return TrialResponse(t)
}

func mapTrials(items []domain.Trial) []TrialResponse {
	res := make([]TrialResponse, 0, len(items))
	for _, t := range items {
		res = append(res, trialResponse(t))
	}
	return res
}

func videoResponse(v domain.Video) VideoResponse {
	return VideoResponse{
		ID:         v.ID,
		TrialID:    v.TrialID,
		DeviceID:   v.DeviceID,
		StorageRef: v.StorageRef,
		Params:     decodeJSONMap(v.ParamsJSON),
		UploadedAt: v.UploadedAt,
		CreatedAt:  v.CreatedAt,
		UpdatedAt:  v.UpdatedAt,
	}
}

func mapVideos(items []domain.Video) []VideoResponse {
	res := make([]VideoResponse, 0, len(items))
	for _, v := range items {
		res = append(res, videoResponse(v))
	}
	return res
}

func deviceResponse(d domain.Device) DeviceResponse {
	return DeviceResponse(d)
}

func mapDevices(items []domain.Device) []DeviceResponse {
	res := make([]DeviceResponse, 0, len(items))
	for _, d := range items {
		res = append(res, deviceResponse(d))
	}
	return res
}

func subjectResponse(s domain.Subject) SubjectResponse {
	return SubjectResponse(s)
}

func mapSubjects(items []domain.Subject) []SubjectResponse {
	res := make([]SubjectResponse, 0, len(items))
	for _, s := range items {
		res = append(res, subjectResponse(s))
	}
	return res
}

func artifactResponse(a domain.ResultArtifact) ArtifactResponse {
	return ArtifactResponse{
		ID:         a.ID,
		TrialID:    a.TrialID,
		Tag:        a.Tag,
		StorageRef: a.StorageRef,
		Meta:       decodeJSONMap(a.MetaJSON),
		CreatedBy:  a.CreatedBy,
		CreatedAt:  a.CreatedAt,
	}
}

func mapArtifacts(items []domain.ResultArtifact) []ArtifactResponse {
	res := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		res = append(res, artifactResponse(a))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func encodeJSONMap(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func strPtr(in string) *string {
	return &in
}
