package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"wlmigrate/internal/connector"
	"wlmigrate/internal/domain"
)

func newSearchServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/api/3/myself":
			if r.Header.Get("Authorization") != "Basic "+basic("dev@example.com", "good") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"accountId":"me"}`))
		case "/rest/api/3/search":
			startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
			max, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
			if !strings.Contains(r.URL.Query().Get("jql"), `"PROJ"`) {
				t.Errorf("jql = %q", r.URL.Query().Get("jql"))
			}
			var issues []map[string]any
			for i := startAt; i < startAt+max && i < total; i++ {
				issues = append(issues, map[string]any{
					"id":  strconv.Itoa(10000 + i),
					"key": fmt.Sprintf("PROJ-%d", i+1),
					"fields": map[string]any{
						"summary":  fmt.Sprintf("Issue %d", i+1),
						"status":   map[string]any{"id": "1", "name": "To Do"},
						"priority": map[string]any{"id": "3", "name": "Medium"},
						"labels":   []string{"backend"},
						"assignee": map[string]any{"accountId": "acc-1", "displayName": "Ada", "emailAddress": "ada@example.com"},
						"description": map[string]any{
							"type": "doc",
							"content": []any{
								map[string]any{"type": "paragraph", "content": []any{map[string]any{"type": "text", "text": "Hello"}}},
							},
						},
					},
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"startAt": startAt, "maxResults": max, "total": total, "issues": issues})
		default:
			http.NotFound(w, r)
		}
	}))
}

func basic(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func TestPullPagesByOffset(t *testing.T) {
	srv := newSearchServer(t, 250)
	defer srv.Close()

	conn, err := New(connector.Settings{
		Source:  domain.SourceJira,
		BaseURL: srv.URL,
		Token:   "good",
		Options: map[string]string{"project": "PROJ", "email": "dev@example.com"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := conn.Authenticate(ctx, "good"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	var pages []connector.Page
	cursor := ""
	for {
		p, err := conn.Pull(ctx, cursor, 100)
		if err != nil {
			t.Fatalf("pull %q: %v", cursor, err)
		}
		pages = append(pages, p)
		if p.Done {
			break
		}
		cursor = p.NextCursor
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	if got := len(pages[2].Records); got != 50 {
		t.Fatalf("last page records = %d, want 50", got)
	}
	if pages[0].NextCursor != "100" || pages[1].NextCursor != "200" {
		t.Fatalf("unexpected cursors %q %q", pages[0].NextCursor, pages[1].NextCursor)
	}
	rec := pages[0].Records[0]
	if rec.Identifier != "PROJ-1" || rec.State != "To Do" || rec.Priority != "Medium" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Description != "Hello" {
		t.Fatalf("description = %q", rec.Description)
	}
	if rec.Assignee == nil || rec.Assignee.Email != "ada@example.com" {
		t.Fatalf("assignee = %+v", rec.Assignee)
	}

	// resuming from a persisted cursor returns the same page
	again, err := conn.Pull(ctx, pages[0].NextCursor, 100)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if again.Records[0].ID != pages[1].Records[0].ID {
		t.Fatalf("resume returned %s, want %s", again.Records[0].ID, pages[1].Records[0].ID)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	srv := newSearchServer(t, 0)
	defer srv.Close()
	conn, err := New(connector.Settings{
		Source:  domain.SourceJira,
		BaseURL: srv.URL,
		Options: map[string]string{"project": "PROJ", "email": "dev@example.com"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = conn.Authenticate(context.Background(), "bad")
	var authErr domain.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestServerUsesV2AndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer pat" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"startAt":0,"maxResults":50,"total":1,"issues":[{"id":"1","key":"OPS-1","fields":{"summary":"x","description":"plain text","status":{"name":"Open"},"reporter":{"name":"jdoe","displayName":"J"}}}]}`))
	}))
	defer srv.Close()
	conn, err := New(connector.Settings{Source: domain.SourceJiraServer, BaseURL: srv.URL, Token: "pat", Options: map[string]string{"jql": "project = OPS"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p, err := conn.Pull(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if !p.Done || len(p.Records) != 1 {
		t.Fatalf("unexpected page %+v", p)
	}
	if p.Records[0].Description != "plain text" || p.Records[0].Creator.Key != "jdoe" {
		t.Fatalf("unexpected record %+v", p.Records[0])
	}
}

func TestRateLimitAndServerErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(status)
	}))
	defer srv.Close()
	conn, _ := New(connector.Settings{Source: domain.SourceJira, BaseURL: srv.URL, Token: "t", Options: map[string]string{"project": "P"}})

	_, err := conn.Pull(context.Background(), "", 10)
	var rl domain.RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter.Seconds() != 7 {
		t.Fatalf("expected RateLimitedError(7s), got %v", err)
	}

	status = http.StatusBadGateway
	_, err = conn.Pull(context.Background(), "", 10)
	if !domain.Transient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestDescriptionToPlainText(t *testing.T) {
	raw := json.RawMessage(`{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"First"},{"type":"hardBreak"},{"type":"text","text":"line"}]},
		{"type":"bulletList","content":[{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"a"}]}]},{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"b"}]}]}]}
	]}`)
	got := DescriptionToPlainText(raw)
	want := "First\nline\n\n- a\n- b"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if DescriptionToPlainText(nil) != "" || DescriptionToPlainText(json.RawMessage("null")) != "" {
		t.Fatal("expected empty description")
	}
}

func TestDiscoverListsOnlyReferencedPriorities(t *testing.T) {
	prios := []string{"High", "", "Low", "High"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/api/3/project/PROJ/statuses":
			_, _ = w.Write([]byte(`[{"statuses":[{"id":"1","name":"To Do"},{"id":"2","name":"Done"}]}]`))
		case "/rest/api/3/search":
			if got := r.URL.Query().Get("fields"); got != "priority" {
				t.Errorf("fields = %q", got)
			}
			startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
			var issues []map[string]any
			// two issues per page regardless of maxResults
			for i := startAt; i < startAt+2 && i < len(prios); i++ {
				fields := map[string]any{}
				if prios[i] != "" {
					fields["priority"] = map[string]any{"name": prios[i]}
				}
				issues = append(issues, map[string]any{"id": strconv.Itoa(i), "key": fmt.Sprintf("PROJ-%d", i), "fields": fields})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"startAt": startAt, "total": len(prios), "issues": issues})
		case "/rest/api/3/user/assignable/search":
			_, _ = w.Write([]byte(`[{"accountId":"acc-1","displayName":"Ada","emailAddress":"ada@example.com"}]`))
		case "/rest/api/3/priority":
			t.Errorf("instance-wide priority list should not be read")
			_, _ = w.Write([]byte(`[{"name":"Highest"},{"name":"High"},{"name":"Low"},{"name":"Lowest"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	conn, err := New(connector.Settings{
		Source:  domain.SourceJira,
		BaseURL: srv.URL,
		Token:   "good",
		Options: map[string]string{"project": "PROJ"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cat, err := conn.(connector.Discoverer).Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	var got []string
	for _, e := range cat[domain.KindPriority] {
		got = append(got, e.Key)
	}
	if strings.Join(got, ",") != "High,Low" {
		t.Fatalf("priorities = %v", got)
	}
	if len(cat[domain.KindState]) != 2 || len(cat[domain.KindUser]) != 1 {
		t.Fatalf("catalog = %+v", cat)
	}
}
