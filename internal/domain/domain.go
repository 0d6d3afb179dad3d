package domain

// Lifecycle values shared by sessions, trials, and subjects.
const (
	LifecycleActive  = "active"
	LifecycleTrashed = "trashed"
	LifecycleDeleted = "deleted"
)

type Session struct {
	ID        string            `json:"id"`
	State     string            `json:"state" enum:"created,calibration,recording,uploading,processing,done,error"`
	SubjectID *string           `json:"subject_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Lifecycle string            `json:"lifecycle" enum:"active,trashed,deleted"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
	TrashedAt *string           `json:"trashed_at,omitempty" format:"date-time"`
}

type Trial struct {
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

// Video is a per-device upload slot on a trial. A slot exists once the device
// has polled during recording; it counts as uploaded once StorageRef is set.
type Video struct {
	ID         string  `json:"id"`
	TrialID    string  `json:"trial_id"`
	DeviceID   string  `json:"device_id"`
	StorageRef *string `json:"storage_ref,omitempty"`
	ParamsJSON *string `json:"params_json,omitempty"`
	UploadedAt *string `json:"uploaded_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type PairingCode struct {
	Code       string  `json:"code"`
	SessionID  string  `json:"session_id"`
	ExpiresAt  string  `json:"expires_at" format:"date-time"`
	RedeemedAt *string `json:"redeemed_at,omitempty" format:"date-time"`
	DeviceID   *string `json:"device_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Device struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	PairedAt   string `json:"paired_at" format:"date-time"`
	LastSeenAt string `json:"last_seen_at" format:"date-time"`
}

type Subject struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Lifecycle string            `json:"lifecycle" enum:"active,trashed,deleted"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
	TrashedAt *string           `json:"trashed_at,omitempty" format:"date-time"`
}

// ResultArtifact is a tagged output attached to a trial by the worker that
// processed it (e.g. ik_results, calibration-img).
type ResultArtifact struct {
	ID         string  `json:"id"`
	TrialID    string  `json:"trial_id"`
	Tag        string  `json:"tag"`
	StorageRef string  `json:"storage_ref"`
	MetaJSON   *string `json:"meta_json,omitempty"`
	CreatedBy  string  `json:"created_by"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Worker struct {
	ID          string `json:"id"`
	FirstSeenAt string `json:"first_seen_at" format:"date-time"`
	LastClaimAt string `json:"last_claim_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// QueueStatus summarizes the processing queue for ops tooling.
type QueueStatus struct {
	Counts      map[string]int `json:"counts"`
	StaleClaims int            `json:"stale_claims"`
}
