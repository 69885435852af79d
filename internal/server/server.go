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

	"wlmigrate/internal/domain"
	"wlmigrate/internal/engine"
	"wlmigrate/internal/lock"
	"wlmigrate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"validation: mandatory mappings missing (state:In Review)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[{\"kind\":\"state\",\"source_key\":\"In Review\"}]}"`
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

// New returns an HTTP handler exposing the migration API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema errors are client errors, 422 is reserved for rejected credentials
			status = http.StatusBadRequest
		}
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("wlmigrate API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerJobs(group, cfg.Engine)
	registerJobDetails(group, cfg.Engine)
	registerSnapshots(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerInbox(group, cfg.Engine, cfg.Auth)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var (
		valErr   domain.ValidationError
		quotaErr domain.QuotaError
		authErr  domain.AuthError
		trErr    domain.TransitionError
	)
	msg := err.Error()
	switch {
	case errors.As(err, &valErr):
		var details map[string]any
		if len(valErr.Missing) > 0 {
			details = map[string]any{"missing": valErr.Missing}
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, details)
	case errors.As(err, &quotaErr):
		return newAPIError(http.StatusPaymentRequired, "quota_exceeded", msg, map[string]any{"shortfall": quotaErr.Shortfall})
	case errors.As(err, &authErr):
		return newAPIError(http.StatusUnprocessableEntity, "credential_invalid", msg, map[string]any{"source": authErr.Source})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrReportUnavailable):
		return newAPIError(http.StatusNotFound, "report_unavailable", msg, nil)
	case errors.As(err, &trErr):
		return newAPIError(http.StatusConflict, "conflict", msg, map[string]any{"from": trErr.From, "to": trErr.To})
	case errors.Is(err, repo.ErrSnapshotActive):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, lock.ErrHeld):
		return newAPIError(http.StatusConflict, "job_locked", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if publicPath(basePath, route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

// publicPath reports routes that skip bearer auth. Inbox deliveries are
// authenticated by their signature instead.
func publicPath(basePath, route string) bool {
	if route == path.Join("/", basePath, "health") {
		return true
	}
	return strings.HasPrefix(route, path.Join("/", basePath, "sources")+"/")
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>wlmigrate API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

type jobPath struct {
	JobID string `path:"job_id"`
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create import job",
		Description:   "Validates mappings and seats and queues the job. Rejected jobs are never persisted.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.ImportJob `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.Create(ctx, engine.CreateOptions{
			ProjectID:      input.Body.ProjectID,
			Source:         domain.SourceType(input.Body.Source),
			SourceSettings: input.Body.SourceSettings,
			CredentialID:   input.Body.CredentialID,
			SnapshotID:     input.Body.MappingSnapshotID,
			ActorID:        actorID,
			SkipUserImport: input.Body.SkipUserImport,
			BatchSize:      input.Body.BatchSize,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ImportJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List import jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Workspace string `query:"workspace"`
		Project   string `query:"project"`
		Status    string `query:"status" enum:"queued,created,initiated,pulling,pulled,transforming,transformed,pushing,finished,error,cancelled"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ImportJob `json:"body"`
	}, error) {
		items, err := e.List(ctx, repo.JobFilters{
			WorkspaceID: input.Workspace,
			ProjectID:   input.Project,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ImportJob{}
		}
		return &struct {
			Body []domain.ImportJob `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get import job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.ImportJob `json:"body"`
	}, error) {
		job, err := e.Get(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ImportJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel import job",
		Description: "Idle jobs are cancelled right away. A running job is flagged and stops at its next stage boundary.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.ImportJob `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.Cancel(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ImportJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rerun-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/rerun",
		Summary:     "Re-run a failed or cancelled job",
		Description: "Starts a new attempt that resumes after the last pushed batch.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.ImportJob `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.ReRun(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ImportJob `json:"body"`
		}{Body: job}, nil
	})
}

func registerJobDetails(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "job-error-report",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/errors.csv",
		Summary:     "Download per-record error report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		var buf bytes.Buffer
		if err := e.ErrorReport(ctx, input.JobID, &buf); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "text/csv",
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", input.JobID+"-errors.csv"),
			Body:               buf.Bytes(),
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-batches",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/batches",
		Summary:     "List job batches",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body []domain.Batch `json:"body"`
	}, error) {
		items, err := e.Batches(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Batch{}
		}
		return &struct {
			Body []domain.Batch `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-attempts",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/attempts",
		Summary:     "List job attempts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body []domain.JobAttempt `json:"body"`
	}, error) {
		items, err := e.Attempts(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.JobAttempt{}
		}
		return &struct {
			Body []domain.JobAttempt `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-events",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/events",
		Summary:     "List job status history",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID  string `path:"job_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.History(ctx, input.JobID, cursorID, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

type snapshotPath struct {
	SnapshotID string `path:"snapshot_id"`
}

func registerSnapshots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mapping-snapshot",
		Method:        http.MethodPost,
		Path:          "/mapping-snapshots",
		Summary:       "Create mapping snapshot",
		Description:   "Builds the source catalog and stores the mappings. With suggest, unmapped entries are matched by name.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSnapshotRequest `json:"body"`
	}) (*struct {
		Body domain.MappingSnapshot `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.CreateSnapshot(ctx, engine.SnapshotOptions{
			ProjectID:      input.Body.ProjectID,
			Source:         domain.SourceType(input.Body.Source),
			SourceSettings: input.Body.SourceSettings,
			CredentialID:   input.Body.CredentialID,
			Catalog:        input.Body.Catalog,
			Discover:       input.Body.Discover,
			Suggest:        input.Body.Suggest,
			Mappings:       mappingRows(input.Body.Mappings),
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MappingSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mapping-snapshot",
		Method:      http.MethodGet,
		Path:        "/mapping-snapshots/{snapshot_id}",
		Summary:     "Get mapping snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *snapshotPath) (*struct {
		Body domain.MappingSnapshot `json:"body"`
	}, error) {
		snap, err := e.GetSnapshot(ctx, input.SnapshotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MappingSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-snapshot-mappings",
		Method:      http.MethodPut,
		Path:        "/mapping-snapshots/{snapshot_id}/mappings",
		Summary:     "Override snapshot mappings",
		Description: "Rejected once a job has activated the snapshot.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SnapshotID string              `path:"snapshot_id"`
		Body       SetMappingsRequest `json:"body"`
	}) (*struct {
		Body domain.MappingSnapshot `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.UpdateSnapshotMappings(ctx, input.SnapshotID, actorID, mappingRows(input.Body.Mappings))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MappingSnapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create destination project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, states, err := e.CreateProject(ctx, input.Body.WorkspaceID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: p, States: states}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List destination projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Workspace string `query:"workspace"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx, input.Workspace)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-items",
		Summary:     "List imported work items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListWorkItems(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkItem{}
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-credential",
		Method:        http.MethodPost,
		Path:          "/credentials",
		Summary:       "Store a source credential",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AddCredentialRequest `json:"body"`
	}) (*struct {
		Body domain.Credential `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		src := domain.SourceType(input.Body.Source)
		if !src.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown source", map[string]any{"source": input.Body.Source})
		}
		expires, err := parseOptionalTime(input.Body.ExpiresAt)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid expires_at", map[string]any{"expires_at": *input.Body.ExpiresAt})
		}
		cred, err := e.AddCredential(ctx, src, input.Body.Token, expires)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Credential `json:"body"`
		}{Body: cred}, nil
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
