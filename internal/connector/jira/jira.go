// Package jira pulls issues from Jira Cloud (REST v3) and Jira Server/Data Center (REST v2).
package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"wlmigrate/internal/connector"
	"wlmigrate/internal/domain"
)

// MaxPageSize is the largest maxResults Jira honours on search.
const MaxPageSize = 100

const searchFields = "summary,description,status,priority,assignee,reporter,labels,components,parent,created,updated,resolutiondate"

func init() {
	connector.Register(domain.SourceJira, New)
	connector.Register(domain.SourceJiraServer, New)
}

// Connector reads one Jira project, or the issues matched by an explicit JQL query.
// The cursor is the startAt offset of the next page.
type Connector struct {
	client  *connector.Client
	apiPath string
	server  bool
	email   string
	token   string
	project string
	jql     string
}

// New builds a connector. Settings options: project (key), jql, email (Cloud basic auth).
func New(s connector.Settings) (connector.Connector, error) {
	if s.BaseURL == "" {
		return nil, domain.ValidationError{Reason: "jira source requires a base url"}
	}
	c := &Connector{
		client:  connector.NewClient(s.Source, s.BaseURL, s.HTTPClient),
		apiPath: "/rest/api/3",
		server:  s.Source == domain.SourceJiraServer,
		email:   s.Option("email", ""),
		token:   s.Token,
		project: s.Option("project", ""),
		jql:     s.Option("jql", ""),
	}
	if c.server {
		c.apiPath = "/rest/api/2"
	}
	if c.project == "" && c.jql == "" {
		return nil, domain.ValidationError{Reason: "jira source requires a project or jql setting"}
	}
	c.client.Authorize = c.setAuth
	return c, nil
}

// setAuth uses basic auth when an account email is configured, bearer (PAT) otherwise.
func (c *Connector) setAuth(req *http.Request) {
	if c.email != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.email + ":" + c.token))
		req.Header.Set("Authorization", "Basic "+auth)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
}

func (c *Connector) Authenticate(ctx context.Context, token string) error {
	c.token = token
	if _, _, err := c.client.Do(ctx, http.MethodGet, c.apiPath+"/myself", nil, nil); err != nil {
		return err
	}
	return nil
}

func (c *Connector) query() string {
	if c.jql != "" {
		return c.jql
	}
	return fmt.Sprintf("project = %q ORDER BY created ASC", c.project)
}

func (c *Connector) Pull(ctx context.Context, cursor string, pageSize int) (connector.Page, error) {
	startAt := 0
	if cursor != "" {
		v, err := strconv.Atoi(cursor)
		if err != nil || v < 0 {
			return connector.Page{}, fmt.Errorf("invalid jira cursor %q", cursor)
		}
		startAt = v
	}
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	params := url.Values{
		"jql":        {c.query()},
		"fields":     {searchFields},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(pageSize)},
	}
	body, _, err := c.client.Do(ctx, http.MethodGet, c.apiPath+"/search", params, nil)
	if err != nil {
		return connector.Page{}, fmt.Errorf("search issues: %w", err)
	}
	var result searchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return connector.Page{}, fmt.Errorf("parse search response: %w", err)
	}
	page := connector.Page{Records: make([]connector.RawRecord, 0, len(result.Issues))}
	for _, is := range result.Issues {
		page.Records = append(page.Records, c.toRecord(is))
	}
	next := startAt + len(result.Issues)
	page.NextCursor = strconv.Itoa(next)
	page.Done = len(result.Issues) == 0 || next >= result.Total
	return page, nil
}

func (c *Connector) toRecord(is issue) connector.RawRecord {
	f := is.Fields
	rec := connector.RawRecord{
		ID:          is.ID,
		Identifier:  is.Key,
		URL:         strings.TrimRight(c.client.BaseURL, "/") + "/browse/" + is.Key,
		Title:       f.Summary,
		Description: DescriptionToPlainText(f.Description),
		Labels:      append([]string(nil), f.Labels...),
		CreatedAt:   f.Created,
		UpdatedAt:   f.Updated,
		CompletedAt: f.Resolved,
	}
	if f.Status != nil {
		rec.State = f.Status.Name
	}
	if f.Priority != nil {
		rec.Priority = f.Priority.Name
	}
	rec.Assignee = c.user(f.Assignee)
	rec.Creator = c.user(f.Reporter)
	if len(f.Components) > 0 {
		rec.Team = f.Components[0].Name
	}
	if f.Parent != nil {
		rec.ParentID = f.Parent.ID
	}
	return rec
}

func (c *Connector) user(u *user) *connector.User {
	if u == nil {
		return nil
	}
	key := u.AccountID
	if key == "" {
		key = u.Name
	}
	if key == "" {
		return nil
	}
	return &connector.User{Key: key, Name: u.DisplayName, Email: u.EmailAddress}
}

// Discover lists project statuses, the priorities its issues use and assignable users.
func (c *Connector) Discover(ctx context.Context) (domain.Catalog, error) {
	if c.project == "" {
		return nil, fmt.Errorf("jira discovery requires a project setting")
	}
	b := connector.NewCatalogBuilder()

	body, _, err := c.client.Do(ctx, http.MethodGet, c.apiPath+"/project/"+url.PathEscape(c.project)+"/statuses", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	var byType []struct {
		Statuses []status `json:"statuses"`
	}
	if err := json.Unmarshal(body, &byType); err != nil {
		return nil, fmt.Errorf("parse statuses: %w", err)
	}
	for _, t := range byType {
		for _, s := range t.Statuses {
			b.Add(domain.KindState, domain.CatalogEntry{Key: s.Name, Name: s.Name})
		}
	}

	if err := c.discoverPriorities(ctx, b); err != nil {
		return nil, err
	}

	body, _, err = c.client.Do(ctx, http.MethodGet, c.apiPath+"/user/assignable/search", url.Values{"project": {c.project}, "maxResults": {"1000"}}, nil)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var users []user
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}
	for i := range users {
		if u := c.user(&users[i]); u != nil {
			b.Add(domain.KindUser, domain.CatalogEntry{Key: u.Key, Name: u.Name, Email: u.Email})
		}
	}
	return b.Catalog(), nil
}

// discoverPriorities pages the issue query for the priority field only. The instance-wide
// /priority list also holds schemes no issue in the project references.
func (c *Connector) discoverPriorities(ctx context.Context, b *connector.CatalogBuilder) error {
	startAt := 0
	for {
		params := url.Values{
			"jql":        {c.query()},
			"fields":     {"priority"},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(MaxPageSize)},
		}
		body, _, err := c.client.Do(ctx, http.MethodGet, c.apiPath+"/search", params, nil)
		if err != nil {
			return fmt.Errorf("list priorities: %w", err)
		}
		var result searchResult
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("parse priorities: %w", err)
		}
		for _, is := range result.Issues {
			if p := is.Fields.Priority; p != nil && p.Name != "" {
				b.Add(domain.KindPriority, domain.CatalogEntry{Key: p.Name, Name: p.Name})
			}
		}
		startAt += len(result.Issues)
		if len(result.Issues) == 0 || startAt >= result.Total {
			return nil
		}
	}
}
