package linear

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wlmigrate/internal/connector"
	"wlmigrate/internal/domain"
)

type gqlCall struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func TestPullFollowsEndCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "lin_key" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		var call gqlCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		if call.Variables["team"] != "ENG" {
			t.Errorf("team = %v", call.Variables["team"])
		}
		if call.Variables["after"] == nil {
			_, _ = w.Write([]byte(`{"data":{"issues":{"nodes":[
				{"id":"a","identifier":"ENG-1","title":"One","priorityLabel":"High","state":{"name":"Todo"},
				 "assignee":{"id":"u1","name":"Ada","email":"ada@example.com"},"labels":{"nodes":[{"name":"bug"}]},"project":{"name":"Core"}}
			],"pageInfo":{"hasNextPage":true,"endCursor":"c1"}}}}`))
			return
		}
		if call.Variables["after"] != "c1" {
			t.Errorf("after = %v", call.Variables["after"])
		}
		_, _ = w.Write([]byte(`{"data":{"issues":{"nodes":[
			{"id":"b","identifier":"ENG-2","title":"Two","priorityLabel":"No priority","state":{"name":"Done"},"parent":{"id":"a"},"labels":{"nodes":[]}}
		],"pageInfo":{"hasNextPage":false,"endCursor":"c2"}}}}`))
	}))
	defer srv.Close()

	conn, err := New(connector.Settings{Source: domain.SourceLinear, BaseURL: srv.URL, Token: "lin_key", Options: map[string]string{"team": "ENG"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	p1, err := conn.Pull(ctx, "", 50)
	if err != nil {
		t.Fatalf("pull 1: %v", err)
	}
	if p1.Done || p1.NextCursor != "c1" || len(p1.Records) != 1 {
		t.Fatalf("unexpected page 1 %+v", p1)
	}
	r := p1.Records[0]
	if r.State != "Todo" || r.Priority != "High" || r.Team != "Core" || r.Assignee.Key != "u1" || r.Labels[0] != "bug" {
		t.Fatalf("unexpected record %+v", r)
	}
	p2, err := conn.Pull(ctx, p1.NextCursor, 50)
	if err != nil {
		t.Fatalf("pull 2: %v", err)
	}
	if !p2.Done || p2.Records[0].ParentID != "a" {
		t.Fatalf("unexpected page 2 %+v", p2)
	}
}

func TestGraphQLErrorsMapToTaxonomy(t *testing.T) {
	code := "RATELIMITED"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		_, _ = w.Write([]byte(`{"errors":[{"message":"nope","extensions":{"code":"` + code + `"}}]}`))
	}))
	defer srv.Close()
	conn, _ := New(connector.Settings{Source: domain.SourceLinear, BaseURL: srv.URL, Token: "k", Options: map[string]string{"team": "ENG"}})

	_, err := conn.Pull(context.Background(), "", 10)
	var rl domain.RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter.Seconds() != 3 {
		t.Fatalf("expected rate limit, got %v", err)
	}

	code = "AUTHENTICATION_ERROR"
	err = conn.Authenticate(context.Background(), "k")
	var authErr domain.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestDiscoverIncludesFixedPriorities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call gqlCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		if !strings.Contains(call.Query, "workflowStates") {
			t.Errorf("unexpected query %s", call.Query)
		}
		_, _ = w.Write([]byte(`{"data":{
			"workflowStates":{"nodes":[{"name":"Todo"},{"name":"Done"}]},
			"users":{"nodes":[{"id":"u1","name":"Ada","email":"ada@example.com"}]},
			"issueLabels":{"nodes":[{"name":"bug"}]},
			"projects":{"nodes":[{"name":"Core"}]}}}`))
	}))
	defer srv.Close()
	conn, _ := New(connector.Settings{Source: domain.SourceLinear, BaseURL: srv.URL, Token: "k", Options: map[string]string{"team": "ENG"}})
	cat, err := conn.(connector.Discoverer).Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(cat[domain.KindState]) != 2 || len(cat[domain.KindPriority]) != len(Priorities) {
		t.Fatalf("unexpected catalog %+v", cat)
	}
	if cat[domain.KindUser][0].Email != "ada@example.com" || cat[domain.KindTeam][0].Key != "Core" {
		t.Fatalf("unexpected catalog %+v", cat)
	}
}

func TestNewRequiresTeam(t *testing.T) {
	_, err := New(connector.Settings{Source: domain.SourceLinear})
	var v domain.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
