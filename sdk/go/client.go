package caprigsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caprig HTTP API client. Operators authenticate with
// BearerToken or APIKey; devices set BearerToken to the token returned by
// Redeem.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	SubjectID *string           `json:"subject_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Lifecycle string            `json:"lifecycle"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

// Trial represents a take within a session (partial).
type Trial struct {
	ID                  string  `json:"id"`
	SessionID           string  `json:"session_id"`
	Name                string  `json:"name"`
	Kind                string  `json:"kind"`
	State               string  `json:"state"`
	ExpectedDeviceCount int     `json:"expected_device_count"`
	ClaimedBy           *string `json:"claimed_by,omitempty"`
	ResultRef           *string `json:"result_ref,omitempty"`
	ErrorMessage        *string `json:"error_message,omitempty"`
}

// Video is a per-device upload slot.
type Video struct {
	ID         string         `json:"id"`
	TrialID    string         `json:"trial_id"`
	DeviceID   string         `json:"device_id"`
	StorageRef *string        `json:"storage_ref,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	UploadedAt *string        `json:"uploaded_at,omitempty"`
}

// PairingCode is a single-use device join code.
type PairingCode struct {
	Code      string `json:"code"`
	SessionID string `json:"session_id"`
	ExpiresAt string `json:"expires_at"`
}

// Artifact is a tagged worker output attached to a trial.
type Artifact struct {
	ID         string         `json:"id"`
	TrialID    string         `json:"trial_id"`
	Tag        string         `json:"tag"`
	StorageRef string         `json:"storage_ref"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedBy  string         `json:"created_by"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// SessionWithCode is the create-session response.
type SessionWithCode struct {
	Session     Session     `json:"session"`
	PairingCode PairingCode `json:"pairing_code"`
}

// Status is the poll snapshot devices and dashboards act on.
type Status struct {
	Session             Session `json:"session"`
	Trial               *Trial  `json:"trial,omitempty"`
	Video               *Video  `json:"video,omitempty"`
	PollIntervalSeconds int     `json:"poll_interval_seconds"`
}

// Redeemed is the pairing redemption response. Token is a device-scoped
// bearer token.
type Redeemed struct {
	Token               string `json:"token"`
	DeviceID            string `json:"device_id"`
	SessionID           string `json:"session_id"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// Claim is a worker's claim attempt. Claimed is false when the queue is
// empty.
type Claim struct {
	Claimed bool    `json:"claimed"`
	Trial   *Trial  `json:"trial,omitempty"`
	Videos  []Video `json:"videos,omitempty"`
}

// TrialDetail bundles a trial with its videos and artifacts.
type TrialDetail struct {
	Trial     Trial      `json:"trial"`
	Videos    []Video    `json:"videos"`
	Artifacts []Artifact `json:"artifacts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateSession opens a session and returns it with its first pairing code.
func (c *Client) CreateSession(ctx context.Context, subjectID string, metadata map[string]string) (SessionWithCode, error) {
	body := map[string]any{}
	if subjectID != "" {
		body["subject_id"] = subjectID
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var resp SessionWithCode
	err := c.do(ctx, http.MethodPost, "sessions", body, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Status polls a session. With a device token the server pins the poll to
// the caller's own slot.
func (c *Client) Status(ctx context.Context, sessionID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(sessionID)+"/status", nil, &resp)
	return resp, err
}

// StartRecording opens a trial on the session.
func (c *Client) StartRecording(ctx context.Context, sessionID, name, kind string) (Trial, error) {
	body := map[string]any{"name": name}
	if kind != "" {
		body["kind"] = kind
	}
	var resp Trial
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(sessionID)+"/record", body, &resp)
	return resp, err
}

// StopRecording closes the open trial and freezes its expected upload count.
func (c *Client) StopRecording(ctx context.Context, sessionID string) (Trial, error) {
	var resp Trial
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(sessionID)+"/stop", nil, &resp)
	return resp, err
}

// MintPairingCode issues a fresh single-use code for the session.
func (c *Client) MintPairingCode(ctx context.Context, sessionID string) (PairingCode, error) {
	var resp PairingCode
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(sessionID)+"/pairing-codes", nil, &resp)
	return resp, err
}

// Redeem exchanges a pairing code for a device identity and token. The
// endpoint is open; no credentials are needed.
func (c *Client) Redeem(ctx context.Context, code string) (Redeemed, error) {
	var resp Redeemed
	err := c.do(ctx, http.MethodPost, "pairing/redeem", map[string]any{"code": code}, &resp)
	return resp, err
}

// Upload registers a finished upload against the device's video slot.
func (c *Client) Upload(ctx context.Context, videoID, storageRef string, params map[string]any) (Video, error) {
	body := map[string]any{"storage_ref": storageRef}
	if len(params) > 0 {
		body["params"] = params
	}
	var resp Video
	err := c.do(ctx, http.MethodPost, "videos/"+url.PathEscape(videoID)+"/upload", body, &resp)
	return resp, err
}

// GetTrial fetches a trial with its videos and artifacts.
func (c *Client) GetTrial(ctx context.Context, id string) (TrialDetail, error) {
	var resp TrialDetail
	err := c.do(ctx, http.MethodGet, "trials/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CancelTrial discards a recording or uploading trial.
func (c *Client) CancelTrial(ctx context.Context, id string) (Trial, error) {
	var resp Trial
	err := c.do(ctx, http.MethodPost, "trials/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// ClaimNext asks for the next ready trial. Check Claimed on the result;
// an empty queue is not an error.
func (c *Client) ClaimNext(ctx context.Context, workerID string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, "queue/claim", map[string]any{"worker_id": workerID}, &resp)
	return resp, err
}

// Heartbeat refreshes the worker's claim on a trial.
func (c *Client) Heartbeat(ctx context.Context, trialID, workerID string) error {
	return c.do(ctx, http.MethodPost, "trials/"+url.PathEscape(trialID)+"/heartbeat", map[string]any{"worker_id": workerID}, nil)
}

// CompleteTrial posts a successful result for a claimed trial.
func (c *Client) CompleteTrial(ctx context.Context, trialID, workerID, resultRef string) (Trial, error) {
	body := map[string]any{"worker_id": workerID, "result_ref": resultRef}
	var resp Trial
	err := c.do(ctx, http.MethodPost, "trials/"+url.PathEscape(trialID)+"/result", body, &resp)
	return resp, err
}

// FailTrial posts a failure for a claimed trial.
func (c *Client) FailTrial(ctx context.Context, trialID, workerID, message string) (Trial, error) {
	body := map[string]any{"worker_id": workerID, "error": message}
	var resp Trial
	err := c.do(ctx, http.MethodPost, "trials/"+url.PathEscape(trialID)+"/result", body, &resp)
	return resp, err
}

// AddArtifact attaches a tagged output to a trial the worker holds.
func (c *Client) AddArtifact(ctx context.Context, trialID, workerID, tag, storageRef string, meta map[string]any) (Artifact, error) {
	body := map[string]any{
		"worker_id":   workerID,
		"tag":         tag,
		"storage_ref": storageRef,
	}
	if len(meta) > 0 {
		body["meta"] = meta
	}
	var resp Artifact
	err := c.do(ctx, http.MethodPost, "trials/"+url.PathEscape(trialID)+"/artifacts", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
