package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caprig/internal/domain"
	"caprig/internal/engine"
	"caprig/internal/engine/access"
	"caprig/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid session transition done -> recording"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"done\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caprig API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Caprig API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerPairing(group, cfg.Engine, cfg.Auth)
	registerTrials(group, cfg.Engine)
	registerVideos(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerSubjects(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var de access.DeniedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), map[string]any{"action": de.Action})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"entity": te.Entity, "id": te.ID, "from": te.From, "to": te.To,
		})
	}
	var ie engine.IdentifierError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_identifier", err.Error(), map[string]any{
			"field": ie.Field, "value": ie.Value,
		})
	}
	var nde engine.NoDevicesError
	if errors.As(err, &nde) {
		return newAPIError(http.StatusConflict, "no_devices_registered", err.Error(), map[string]any{"session_id": nde.SessionID})
	}
	var nce engine.NotClaimedError
	if errors.As(err, &nce) {
		return newAPIError(http.StatusConflict, "not_claimed_by_caller", err.Error(), map[string]any{
			"trial_id": nce.TrialID, "worker_id": nce.WorkerID,
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrCodeInvalid):
		return newAPIError(http.StatusGone, "code_invalid", err.Error(), nil)
	case errors.Is(err, engine.ErrCodeAlreadyUsed):
		return newAPIError(http.StatusConflict, "code_already_used", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "code_invalid"
	case http.StatusUnprocessableEntity:
		return "validation"
	case http.StatusInternalServerError:
		return "internal"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]struct{}{}
	for _, p := range []string{path.Join(basePath, "health"), path.Join(basePath, "pairing/redeem")} {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		openPaths[p] = struct{}{}
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, ok := openPaths[route]; ok {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Caprig API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body CreateSessionResponse `json:"body"`
	}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SessionCreateOptions{
			Metadata: input.Body.Metadata,
			ActorID:  p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.SubjectID != nil {
			opts.SubjectID = *input.Body.SubjectID
		}
		s, pc, err := e.CreateSession(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateSessionResponse `json:"body"`
		}{Body: CreateSessionResponse{
			Session:     sessionResponse(s),
			PairingCode: pairingCodeResponse(pc),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State     string `query:"state" enum:"created,calibration,recording,uploading,processing,done,error"`
		SubjectID string `query:"subject_id"`
		Lifecycle string `query:"lifecycle" enum:"active,trashed"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedSessions `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListSessions(ctx, repo.SessionFilters{
			State:           input.State,
			SubjectID:       input.SubjectID,
			Lifecycle:       input.Lifecycle,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSessions{Items: []SessionResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapSessions(items)
		return &struct {
			Body paginatedSessions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.Lifecycle == domain.LifecycleDeleted {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session not found", nil)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-session",
		Method:      http.MethodPatch,
		Path:        "/sessions/{id}",
		Summary:     "Update session metadata",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bodyMap := rawBodyMap(ctx)
		_, subjectSet := bodyMap["subject_id"]
		s, err := e.UpdateSession(ctx, engine.SessionUpdateOptions{
			ID:         input.ID,
			Metadata:   input.Body.Metadata,
			SubjectID:  input.Body.SubjectID,
			SubjectSet: subjectSet,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-status",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/status",
		Summary:     "Poll session status",
		Description: "Devices poll this endpoint on a fixed interval. While the session is recording, a polling device is assigned its video slot on the open trial.",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		DeviceID string `query:"device_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		deviceID := input.DeviceID
		if p.IsDevice() {
			if p.SessionID != input.ID {
				return nil, newAPIError(http.StatusForbidden, "permission_denied", "device token is bound to another session", nil)
			}
			deviceID = p.DeviceID
		}
		res, err := e.PollStatus(ctx, input.ID, deviceID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		body := StatusResponse{
			Session:             sessionResponse(res.Session),
			PollIntervalSeconds: e.Config.Devices.PollIntervalSeconds,
		}
		if res.Trial != nil {
			t := trialResponse(*res.Trial)
			body.Trial = &t
		}
		if res.Video != nil {
			v := videoResponse(*res.Video)
			body.Video = &v
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-recording",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/record",
		Summary:       "Start recording a trial",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RecordRequest `json:"body"`
	}) (*struct {
		Body TrialResponse `json:"body"`
	}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.StartRecording(ctx, engine.RecordOptions{
			SessionID: input.ID,
			Name:      input.Body.Name,
			Kind:      input.Body.Kind,
			ActorID:   p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrialResponse `json:"body"`
		}{Body: trialResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-recording",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/stop",
		Summary:     "Stop recording",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TrialResponse `json:"body"`
	}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.StopRecording(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrialResponse `json:"body"`
		}{Body: trialResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mint-pairing-code",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/pairing-codes",
		Summary:       "Mint a pairing code",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PairingCodeResponse `json:"body"`
	}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pc, err := e.MintPairingCode(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PairingCodeResponse `json:"body"`
		}{Body: pairingCodeResponse(pc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pairing-codes",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/pairing-codes",
		Summary:     "List pairing codes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []PairingCodeResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPairingCodes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PairingCodeResponse `json:"body"`
		}{Body: mapPairingCodes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/devices",
		Summary:     "List paired devices",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []DeviceResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListDevices(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DeviceResponse `json:"body"`
		}{Body: mapDevices(items)}, nil
	})

	registerLifecycle(api, e, "session", "/sessions/{id}", repo.KindSession)
}

func registerPairing(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "redeem-pairing-code",
		Method:      http.MethodPost,
		Path:        "/pairing/redeem",
		Summary:     "Redeem a pairing code",
		Description: "Exchanges a single-use code for a device identity and a session-bound token. No authentication required.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusGone,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RedeemRequest `json:"body"`
	}) (*struct {
		Body RedeemResponse `json:"body"`
	}, error) {
		code := strings.TrimSpace(input.Body.Code)
		if code == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "code is required", nil)
		}
		d, err := e.RedeemPairingCode(ctx, code)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signDeviceToken(authCfg.JWTSecret, d.ID, d.SessionID, e.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal", err.Error(), nil)
		}
		return &struct {
			Body RedeemResponse `json:"body"`
		}{Body: RedeemResponse{
			Token:               token,
			DeviceID:            d.ID,
			SessionID:           d.SessionID,
			PollIntervalSeconds: e.Config.Devices.PollIntervalSeconds,
		}}, nil
	})
}

func registerTrials(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trials",
		Method:      http.MethodGet,
		Path:        "/trials",
		Summary:     "List trials",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		State     string `query:"state" enum:"recording,uploading,ready,processing,done,canceled,error"`
		Lifecycle string `query:"lifecycle" enum:"active,trashed"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedTrials `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTrials(ctx, repo.TrialFilters{
			SessionID: input.SessionID,
			State:     input.State,
			Lifecycle: input.Lifecycle,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedTrials `json:"body"`
		}{Body: paginatedTrials{Items: mapTrials(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trial",
		Method:      http.MethodGet,
		Path:        "/trials/{id}",
		Summary:     "Get trial with videos and artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TrialDetailResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTrial(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.Lifecycle == domain.LifecycleDeleted {
			return nil, newAPIError(http.StatusNotFound, "not_found", "trial not found", nil)
		}
		videos, err := e.Repo.ListVideosByTrial(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		artifacts, err := e.Repo.ListResultsByTrial(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrialDetailResponse `json:"body"`
		}{Body: TrialDetailResponse{
			Trial:     trialResponse(t),
			Videos:    mapVideos(videos),
			Artifacts: mapArtifacts(artifacts),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rename-trial",
		Method:      http.MethodPatch,
		Path:        "/trials/{id}",
		Summary:     "Rename trial",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RenameTrialRequest `json:"body"`
	}) (*struct {
		Body TrialResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RenameTrial(ctx, input.ID, input.Body.Name, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrialResponse `json:"body"`
		}{Body: trialResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-trial",
		Method:      http.MethodPost,
		Path:        "/trials/{id}/cancel",
		Summary:     "Cancel an open trial",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TrialResponse `json:"body"`
	}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTrial(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrialResponse `json:"body"`
		}{Body: trialResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trial-heartbeat",
		Method:      http.MethodPost,
		Path:        "/trials/{id}/heartbeat",
		Summary:     "Refresh a worker claim",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body HeartbeatRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.WorkerID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		if err := e.Heartbeat(ctx, input.ID, input.Body.WorkerID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-result",
		Method:      http.MethodPost,
		Path:        "/trials/{id}/result",
		Summary:     "Ingest a processing result",
		Description: "Finalizes a claimed trial with either a result reference or an error, and advances the session.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ResultRequest `json:"body"`
	}) (*struct {
		Body TrialResponse `json:"body"`
	}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.WorkerID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		opts := engine.ResultOptions{
			TrialID:  input.ID,
			WorkerID: input.Body.WorkerID,
			ActorID:  p.ActorID,
		}
		if input.Body.ResultRef != nil {
			opts.ResultRef = *input.Body.ResultRef
		}
		if input.Body.Error != nil {
			opts.ErrorMessage = *input.Body.Error
		}
		t, err := e.IngestResult(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrialResponse `json:"body"`
		}{Body: trialResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-artifact",
		Method:        http.MethodPost,
		Path:          "/trials/{id}/artifacts",
		Summary:       "Attach a result artifact",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.WorkerID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		meta, err := encodeJSONMap(input.Body.Meta)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid meta", map[string]any{"error": err.Error()})
		}
		a, err := e.AddResultArtifact(ctx, engine.ArtifactOptions{
			TrialID:    input.ID,
			WorkerID:   input.Body.WorkerID,
			Tag:        input.Body.Tag,
			StorageRef: input.Body.StorageRef,
			MetaJSON:   meta,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/trials/{id}/artifacts",
		Summary:     "List result artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTrial(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListResultsByTrial(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})

	registerLifecycle(api, e, "trial", "/trials/{id}", repo.KindTrial)
}

func registerVideos(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-upload",
		Method:      http.MethodPost,
		Path:        "/videos/{id}/upload",
		Summary:     "Register a finished upload",
		Description: "Records the storage reference for a video slot. Devices may only fill their own slot. Re-registering overwrites the previous upload.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body UploadRequest `json:"body"`
	}) (*struct {
		Body VideoResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		params, err := encodeJSONMap(input.Body.Params)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid params", map[string]any{"error": err.Error()})
		}
		v, err := e.RegisterUpload(ctx, engine.UploadOptions{
			VideoID:    input.ID,
			StorageRef: input.Body.StorageRef,
			ParamsJSON: params,
			DeviceID:   p.DeviceID,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VideoResponse `json:"body"`
		}{Body: videoResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-video",
		Method:      http.MethodGet,
		Path:        "/videos/{id}",
		Summary:     "Get video slot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VideoResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		v, err := e.Repo.GetVideo(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.IsDevice() && v.DeviceID != p.DeviceID {
			return nil, newAPIError(http.StatusForbidden, "permission_denied", "device may only read its own slot", nil)
		}
		return &struct {
			Body VideoResponse `json:"body"`
		}{Body: videoResponse(v)}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-next",
		Method:      http.MethodPost,
		Path:        "/queue/claim",
		Summary:     "Claim the next ready trial",
		Description: "At-most-once handoff: the trial is claimed atomically, so concurrent workers never receive the same trial. An empty queue returns claimed=false.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.ClaimNext(ctx, input.Body.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		body := ClaimResponse{Claimed: res.Claimed}
		if res.Claimed {
			t := trialResponse(res.Trial)
			body.Trial = &t
			body.Videos = mapVideos(res.Videos)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue/status",
		Summary:     "Queue status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body QueueStatusResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		qs, err := e.QueueStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueStatusResponse `json:"body"`
		}{Body: QueueStatusResponse{Counts: qs.Counts, StaleClaims: qs.StaleClaims}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-stale",
		Method:      http.MethodPost,
		Path:        "/queue/release-stale",
		Summary:     "Release stale claims now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := e.ReleaseStale(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"released": n}}, nil
	})
}

func registerSubjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-subject",
		Method:        http.MethodPost,
		Path:          "/subjects",
		Summary:       "Create subject",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSubjectRequest `json:"body"`
	}) (*struct {
		Body SubjectResponse `json:"body"`
	}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		opts := engine.SubjectCreateOptions{
			Name:     input.Body.Name,
			Metadata: input.Body.Metadata,
			ActorID:  p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		s, err := e.CreateSubject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubjectResponse `json:"body"`
		}{Body: subjectResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subjects",
		Method:      http.MethodGet,
		Path:        "/subjects",
		Summary:     "List subjects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Lifecycle string `query:"lifecycle" enum:"active,trashed"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []SubjectResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSubjects(ctx, input.Lifecycle, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubjectResponse `json:"body"`
		}{Body: mapSubjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-subject",
		Method:      http.MethodGet,
		Path:        "/subjects/{id}",
		Summary:     "Get subject",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SubjectResponse `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSubject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.Lifecycle == domain.LifecycleDeleted {
			return nil, newAPIError(http.StatusNotFound, "not_found", "subject not found", nil)
		}
		return &struct {
			Body SubjectResponse `json:"body"`
		}{Body: subjectResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-subject",
		Method:      http.MethodPatch,
		Path:        "/subjects/{id}",
		Summary:     "Update subject",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateSubjectRequest `json:"body"`
	}) (*struct {
		Body SubjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateSubject(ctx, engine.SubjectUpdateOptions{
			ID:       input.ID,
			Name:     input.Body.Name,
			Metadata: input.Body.Metadata,
			ActorID:  p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubjectResponse `json:"body"`
		}{Body: subjectResponse(s)}, nil
	})

	registerLifecycle(api, e, "subject", "/subjects/{id}", repo.KindSubject)
}

// registerLifecycle wires the shared trash/restore/delete protocol for one
// entity kind.
func registerLifecycle(api huma.API, e engine.Engine, name, basePath, kind string) {
	huma.Register(api, huma.Operation{
		OperationID: "trash-" + name,
		Method:      http.MethodPost,
		Path:        basePath + "/trash",
		Summary:     "Trash " + name,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Trash(ctx, kind, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"lifecycle": domain.LifecycleTrashed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-" + name,
		Method:      http.MethodPost,
		Path:        basePath + "/restore",
		Summary:     "Restore " + name,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Restore(ctx, kind, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"lifecycle": domain.LifecycleActive}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-" + name,
		Method:      http.MethodDelete,
		Path:        basePath,
		Summary:     "Permanently delete " + name,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.PermanentlyDelete(ctx, kind, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"session,trial,subject"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
