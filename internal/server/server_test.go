package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wlmigrate/internal/config"
	"wlmigrate/internal/connector"
	"wlmigrate/internal/db"
	"wlmigrate/internal/domain"
	"wlmigrate/internal/engine"
	"wlmigrate/internal/migrate"
)

const (
	testJWTSecret     = "test-secret"
	testWebhookSecret = "hook-secret"
)

var actor = map[string]string{"X-Actor-Id": "tester"}

type staticSource struct {
	records []connector.RawRecord
}

func (s staticSource) Authenticate(ctx context.Context, token string) error { return nil }

func (s staticSource) Pull(ctx context.Context, cursor string, pageSize int) (connector.Page, error) {
	return connector.Page{Records: s.records, NextCursor: "end", Done: true}, nil
}

type testServer struct {
	URL     string
	Engine  engine.Engine
	Project domain.Project
	States  []domain.State
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, configure func(*config.Config)) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if configure != nil {
		configure(cfg)
	}
	e := engine.New(conn, cfg)
	reg := connector.NewRegistry()
	reg.Register(domain.SourceJira, func(connector.Settings) (connector.Connector, error) {
		return staticSource{records: []connector.RawRecord{
			{ID: "10001", Identifier: "PROJ-1", Title: "Login fails", State: "To Do", Priority: "High"},
			{ID: "10002", Identifier: "PROJ-2", Title: "Dark mode", State: "To Do", Priority: "Low"},
			{ID: "10003", Identifier: "PROJ-3", Title: "Export CSV", State: "To Do"},
		}}, nil
	})
	e.Connectors = reg

	project, states, err := e.CreateProject(context.Background(), "ws", "Destination")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := e.AddMember(context.Background(), "ws", "Ada", "ada@example.com"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{
		JWTSecret:        testJWTSecret,
		AllowActorHeader: true,
		WebhookSecret:    testWebhookSecret,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Project: project,
		States:  states,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func (s *testServer) createSnapshot(t *testing.T, mappings []map[string]string) domain.MappingSnapshot {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/mapping-snapshots", map[string]any{
		"project": s.Project.ID,
		"source":  "jira",
		"catalog": map[string]any{
			"state":    []map[string]string{{"key": "To Do", "name": "To Do"}},
			"priority": []map[string]string{{"key": "High", "name": "High"}},
		},
		"mappings": mappings,
	}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var snap domain.MappingSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func TestHealthIsPublicAndJobsNeedAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	token, err := SignToken(testJWTSecret, "tester", time.Minute)
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.JSONEq(t, `[]`, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "create-job")
	require.Contains(t, string(data), "bearerAuth")
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	snap := srv.createSnapshot(t, []map[string]string{{"kind": "priority", "source_key": "High", "destination_key": "high"}})

	createBody := map[string]any{"project": srv.Project.ID, "source": "jira", "mapping_snapshot_id": snap.ID}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", createBody, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	require.Equal(t, "validation_failed", apiErr.Code)
	require.Contains(t, apiErr.Message, "state:To Do")
	require.NotEmpty(t, apiErr.Details["missing"])

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/mapping-snapshots/"+snap.ID+"/mappings", map[string]any{
		"mappings": []map[string]string{{"kind": "state", "source_key": "To Do", "destination_key": srv.States[1].ID}},
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", createBody, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var job domain.ImportJob
	require.NoError(t, json.Unmarshal(data, &job))
	require.Equal(t, domain.JobQueued, job.Status)
	require.Equal(t, "tester", job.ActorID)
	require.Nil(t, job.TotalBatches)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID+"/errors.csv", nil, actor)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, "report_unavailable", decodeError(t, data).Code)

	result, err := srv.Engine.AdvanceUntilDone(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFinished, result.Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &job))
	require.Equal(t, domain.JobFinished, job.Status)
	require.NotNil(t, job.TotalBatches)
	require.Equal(t, 1, *job.TotalBatches)
	require.Equal(t, 1, job.ImportedBatches)
	require.NotNil(t, job.StartTime)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID+"/errors.csv", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/csv"))
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Equal(t, engine.ReportHeader, rows[0])
	require.Len(t, rows, 2)
	require.Equal(t, []string{"1", "10002", "mapping"}, rows[1][:3])

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID+"/batches", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var batches []domain.Batch
	require.NoError(t, json.Unmarshal(data, &batches))
	require.Len(t, batches, 1)
	require.Equal(t, domain.BatchPushed, batches[0].Status)
	require.Equal(t, 2, batches[0].PushedCount)
	require.Equal(t, 1, batches[0].FailedCount)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+srv.Project.ID+"/work-items", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var items []domain.WorkItem
	require.NoError(t, json.Unmarshal(data, &items))
	require.Len(t, items, 2)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/mapping-snapshots/"+snap.ID+"/mappings", map[string]any{
		"mappings": []map[string]string{{"kind": "priority", "source_key": "High", "destination_key": "low"}},
	}, actor)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/rerun", nil, actor)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	require.Equal(t, "conflict", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs?project="+srv.Project.ID+"&status=finished", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var listed []domain.ImportJob
	require.NoError(t, json.Unmarshal(data, &listed))
	require.Len(t, listed, 1)
}

func TestJobEventsPaginate(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	snap := srv.createSnapshot(t, []map[string]string{
		{"kind": "state", "source_key": "To Do", "destination_key": srv.States[1].ID},
		{"kind": "priority", "source_key": "High", "destination_key": "high"},
	})
	job, err := srv.Engine.Create(context.Background(), engine.CreateOptions{
		ProjectID: srv.Project.ID, Source: domain.SourceJira, SnapshotID: snap.ID, ActorID: "tester",
	})
	require.NoError(t, err)
	_, err = srv.Engine.AdvanceUntilDone(context.Background(), job.ID)
	require.NoError(t, err)

	var seen []string
	cursor := ""
	for page := 0; page < 50; page++ {
		url := srv.URL + "/v1/jobs/" + job.ID + "/events?limit=3"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, actor)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var resp paginatedEvents
		require.NoError(t, json.Unmarshal(data, &resp))
		require.LessOrEqual(t, len(resp.Items), 3)
		for _, evt := range resp.Items {
			seen = append(seen, evt.Type)
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	require.Greater(t, len(seen), 3)
	require.Equal(t, "job.created", seen[0])

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID+"/events?cursor=abc", nil, actor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestCancelAndRerunOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	snap := srv.createSnapshot(t, []map[string]string{
		{"kind": "state", "source_key": "To Do", "destination_key": srv.States[1].ID},
		{"kind": "priority", "source_key": "High", "destination_key": "high"},
	})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"project": srv.Project.ID, "source": "jira", "mapping_snapshot_id": snap.ID,
	}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var job domain.ImportJob
	require.NoError(t, json.Unmarshal(data, &job))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/cancel", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &job))
	require.Equal(t, domain.JobCancelled, job.Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/cancel", nil, actor)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/rerun", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &job))
	require.Equal(t, domain.JobQueued, job.Status)
	require.Equal(t, 2, job.Attempt)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID+"/attempts", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var attempts []domain.JobAttempt
	require.NoError(t, json.Unmarshal(data, &attempts))
	require.Len(t, attempts, 2)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/missing", nil, actor)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCreateJobRejectedBySeatCheck(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.Quota.Seats = map[string]int{"ws": 1}
	})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/mapping-snapshots", map[string]any{
		"project": srv.Project.ID,
		"source":  "jira",
		"catalog": map[string]any{
			"state":    []map[string]string{{"key": "To Do"}},
			"priority": []map[string]string{{"key": "High"}},
			"user":     []map[string]string{{"key": "u-bob", "name": "Bob"}},
		},
		"mappings": []map[string]string{
			{"kind": "state", "source_key": "To Do", "destination_key": srv.States[1].ID},
			{"kind": "priority", "source_key": "High", "destination_key": "high"},
		},
	}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var snap domain.MappingSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"project": srv.Project.ID, "source": "jira", "mapping_snapshot_id": snap.ID,
	}, actor)
	require.Equal(t, http.StatusPaymentRequired, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	require.Equal(t, "quota_exceeded", apiErr.Code)
	require.Equal(t, float64(1), apiErr.Details["shortfall"])
}

func TestInboxRequiresValidSignature(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	payload := []byte(`{"id":"42","title":"From webhook"}`)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sources/clickup/inbox/team-1", payload, map[string]string{
		"X-Signature-256": Sign(testWebhookSecret, payload),
		"X-Event-Type":    "taskCreated",
	})
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var resp InboxResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Positive(t, resp.ID)

	items, err := srv.Engine.Repo.ListInboxEvents(context.Background(), domain.SourceClickUp, "team-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "taskCreated", items[0].EventType)
	require.JSONEq(t, string(payload), items[0].Payload)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sources/clickup/inbox/team-1", payload, map[string]string{
		"X-Signature-256": Sign("wrong", payload),
	})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sources/trello/inbox/team-1", payload, map[string]string{
		"X-Signature-256": Sign(testWebhookSecret, payload),
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{}`)
	require.True(t, verifySignature("", "", payload))
	require.True(t, verifySignature("s", Sign("s", payload), payload))
	require.False(t, verifySignature("s", "sha256=zz", payload))
	require.False(t, verifySignature("s", strings.TrimPrefix(Sign("s", payload), "sha256="), payload))
}
