package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"wlmigrate/internal/connector"
	"wlmigrate/internal/domain"
)

func TestPullSkipsPullRequestsAndFollowsLink(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/app/issues" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Accept") != "application/vnd.github+json" {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
		switch r.URL.Query().Get("page") {
		case "1":
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/app/issues?page=2>; rel="next"`, srv.URL))
			_, _ = w.Write([]byte(`[
				{"id":11,"number":1,"title":"Bug","state":"open","user":{"login":"octo"},"labels":[{"name":"bug"}],"milestone":{"title":"v1"}},
				{"id":12,"number":2,"title":"PR","state":"open","pull_request":{"url":"x"}}
			]`))
		case "2":
			_, _ = w.Write([]byte(`[{"id":13,"number":3,"title":"Old","state":"closed","closed_at":"2024-01-02T00:00:00Z"}]`))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	conn, err := New(connector.Settings{Source: domain.SourceGitHub, BaseURL: srv.URL, Token: "ghp", Options: map[string]string{"owner": "acme", "repo": "app"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	p1, err := conn.Pull(ctx, "", 2)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if p1.Done || p1.NextCursor != "2" || len(p1.Records) != 1 {
		t.Fatalf("unexpected page %+v", p1)
	}
	r := p1.Records[0]
	if r.ID != "11" || r.Identifier != "#1" || r.Creator.Key != "octo" || r.Team != "v1" || r.Priority != "" {
		t.Fatalf("unexpected record %+v", r)
	}
	p2, err := conn.Pull(ctx, p1.NextCursor, 2)
	if err != nil {
		t.Fatalf("pull 2: %v", err)
	}
	if !p2.Done || p2.Records[0].CompletedAt == "" {
		t.Fatalf("unexpected page 2 %+v", p2)
	}
}

func TestSecondaryRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	conn, _ := New(connector.Settings{Source: domain.SourceGitHub, BaseURL: srv.URL, Options: map[string]string{"owner": "a", "repo": "b"}})
	_, err := conn.Pull(context.Background(), "", 10)
	var rl domain.RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter.Seconds() != 60 {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
}

func TestForbiddenWithoutRateLimitIsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	conn, _ := New(connector.Settings{Source: domain.SourceGitHub, BaseURL: srv.URL, Options: map[string]string{"owner": "a", "repo": "b"}})
	err := conn.Authenticate(context.Background(), "expired")
	var authErr domain.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}
