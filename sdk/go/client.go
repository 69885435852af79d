package wlmigratesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal wlmigrate HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Development servers only.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Job mirrors the API job record.
type Job struct {
	ID                string  `json:"id"`
	Workspace         string  `json:"workspace"`
	Project           string  `json:"project"`
	Source            string  `json:"source"`
	Status            string  `json:"status"`
	Attempt           int     `json:"attempt"`
	TotalBatches      *int    `json:"total_batches"`
	ImportedBatches   int     `json:"imported_batches"`
	StartTime         *string `json:"start_time"`
	Error             *string `json:"error"`
	ErrorKind         *string `json:"error_kind,omitempty"`
	MappingSnapshotID string  `json:"mapping_snapshot_id"`
	SkipUserImport    bool    `json:"skip_user_import"`
	CreatedAt         string  `json:"created_at"`
	FinishedAt        *string `json:"finished_at,omitempty"`
}

// Terminal reports whether the job will not move without a re-run.
func (j Job) Terminal() bool {
	return j.Status == "finished" || j.Status == "error" || j.Status == "cancelled"
}

// CreateJobInput are the fields accepted by CreateJob.
type CreateJobInput struct {
	Project           string            `json:"project"`
	Source            string            `json:"source"`
	SourceSettings    map[string]string `json:"source_settings,omitempty"`
	CredentialID      string            `json:"credential_id,omitempty"`
	MappingSnapshotID string            `json:"mapping_snapshot_id"`
	SkipUserImport    bool              `json:"skip_user_import,omitempty"`
	BatchSize         int               `json:"batch_size,omitempty"`
}

type Batch struct {
	Sequence    int     `json:"sequence"`
	Status      string  `json:"status"`
	LastStage   string  `json:"last_stage"`
	IsLast      bool    `json:"is_last"`
	RawCount    int     `json:"raw_count"`
	PushedCount int     `json:"pushed_count"`
	FailedCount int     `json:"failed_count"`
	RetryCount  int     `json:"retry_count"`
	LastError   *string `json:"last_error,omitempty"`
	Attempt     int     `json:"attempt"`
}

// Mapping is one source key to destination key pair.
type Mapping struct {
	Kind           string `json:"kind"`
	SourceKey      string `json:"source_key"`
	DestinationKey string `json:"destination_key"`
	Origin         string `json:"origin,omitempty"`
}

type CatalogEntry struct {
	Key   string `json:"key"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type Snapshot struct {
	ID          string                    `json:"id"`
	Project     string                    `json:"project"`
	Source      string                    `json:"source"`
	Catalog     map[string][]CatalogEntry `json:"catalog"`
	Mappings    []Mapping                 `json:"mappings"`
	ActivatedAt *string                   `json:"activated_at,omitempty"`
}

// CreateSnapshotInput are the fields accepted by CreateSnapshot.
type CreateSnapshotInput struct {
	Project        string                    `json:"project"`
	Source         string                    `json:"source"`
	SourceSettings map[string]string         `json:"source_settings,omitempty"`
	CredentialID   string                    `json:"credential_id,omitempty"`
	Catalog        map[string][]CatalogEntry `json:"catalog,omitempty"`
	Discover       bool                      `json:"discover,omitempty"`
	Suggest        bool                      `json:"suggest,omitempty"`
	Mappings       []Mapping                 `json:"mappings,omitempty"`
}

// Event represents a job history entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope when
// the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) CreateJob(ctx context.Context, in CreateJobInput) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs", in, &resp)
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListJobs filters by project and status; empty values match everything.
func (c *Client) ListJobs(ctx context.Context, project, status string) ([]Job, error) {
	q := url.Values{}
	if project != "" {
		q.Set("project", project)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CancelJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

func (c *Client) RerunJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(id)+"/rerun", nil, &resp)
	return resp, err
}

func (c *Client) Batches(ctx context.Context, id string) ([]Batch, error) {
	var resp []Batch
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id)+"/batches", nil, &resp)
	return resp, err
}

// ErrorReport downloads the per-record failure CSV.
func (c *Client) ErrorReport(ctx context.Context, id string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id)+"/errors.csv", nil, &buf)
	return buf.Bytes(), err
}

// EventsPage returns one page of a job's history.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "jobs/" + url.PathEscape(id) + "/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateSnapshot(ctx context.Context, in CreateSnapshotInput) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodPost, "mapping-snapshots", in, &resp)
	return resp, err
}

func (c *Client) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "mapping-snapshots/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetMappings overrides snapshot mappings. The server refuses once a job activated it.
func (c *Client) SetMappings(ctx context.Context, id string, mappings []Mapping) (Snapshot, error) {
	var resp Snapshot
	body := map[string]any{"mappings": mappings}
	err := c.do(ctx, http.MethodPut, "mapping-snapshots/"+url.PathEscape(id)+"/mappings", body, &resp)
	return resp, err
}

// WaitForJob polls until the job is terminal or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string, maxInterval time.Duration) (Job, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	b.MaxElapsedTime = 0
	var job Job
	err := backoff.Retry(func() error {
		var err error
		job, err = c.GetJob(ctx, id)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if !job.Terminal() {
			return fmt.Errorf("job %s is %s", id, job.Status)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	return job, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
