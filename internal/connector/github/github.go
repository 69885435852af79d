// Package github pulls issues from the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"wlmigrate/internal/connector"
	"wlmigrate/internal/domain"
)

const (
	DefaultAPIEndpoint = "https://api.github.com"
	MaxPageSize        = 100
)

func init() {
	connector.Register(domain.SourceGitHub, New)
}

// Connector reads the issues of one repository, skipping pull requests.
// The cursor is the next page number.
type Connector struct {
	client *connector.Client
	token  string
	owner  string
	repo   string
}

// New builds a connector. Settings options: owner, repo.
func New(s connector.Settings) (connector.Connector, error) {
	base := s.BaseURL
	if base == "" {
		base = DefaultAPIEndpoint
	}
	c := &Connector{
		client: connector.NewClient(s.Source, base, s.HTTPClient),
		token:  s.Token,
		owner:  s.Option("owner", ""),
		repo:   s.Option("repo", ""),
	}
	if c.owner == "" || c.repo == "" {
		return nil, domain.ValidationError{Reason: "github source requires owner and repo settings"}
	}
	c.client.Header.Set("Accept", "application/vnd.github+json")
	c.client.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	c.client.Authorize = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c, nil
}

func (c *Connector) repoPath() string {
	return "/repos/" + url.PathEscape(c.owner) + "/" + url.PathEscape(c.repo)
}

func (c *Connector) Authenticate(ctx context.Context, token string) error {
	c.token = token
	_, _, err := c.client.Do(ctx, http.MethodGet, "/user", nil, nil)
	return err
}

// linkNextPattern matches the "next" relation in GitHub Link headers.
var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func hasNextPage(h http.Header) bool {
	link := h.Get("Link")
	return link != "" && linkNextPattern.MatchString(link)
}

type ghUser struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type ghMilestone struct {
	Title string `json:"title"`
}

type ghIssue struct {
	ID          int64            `json:"id"`
	Number      int              `json:"number"`
	HTMLURL     string           `json:"html_url"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	State       string           `json:"state"`
	User        *ghUser          `json:"user"`
	Assignee    *ghUser          `json:"assignee"`
	Labels      []ghLabel        `json:"labels"`
	Milestone   *ghMilestone     `json:"milestone"`
	PullRequest *json.RawMessage `json:"pull_request"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
	ClosedAt    string           `json:"closed_at"`
}

type ghLabel struct {
	Name string `json:"name"`
}

func (c *Connector) Pull(ctx context.Context, cursor string, pageSize int) (connector.Page, error) {
	page := 1
	if cursor != "" {
		v, err := strconv.Atoi(cursor)
		if err != nil || v < 1 {
			return connector.Page{}, fmt.Errorf("invalid github cursor %q", cursor)
		}
		page = v
	}
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	params := url.Values{
		"state":     {"all"},
		"sort":      {"created"},
		"direction": {"asc"},
		"per_page":  {strconv.Itoa(pageSize)},
		"page":      {strconv.Itoa(page)},
	}
	body, headers, err := c.client.Do(ctx, http.MethodGet, c.repoPath()+"/issues", params, nil)
	if err != nil {
		return connector.Page{}, fmt.Errorf("fetch issues: %w", err)
	}
	var issues []ghIssue
	if err := json.Unmarshal(body, &issues); err != nil {
		return connector.Page{}, fmt.Errorf("parse issues response: %w", err)
	}
	out := connector.Page{NextCursor: strconv.Itoa(page + 1), Done: !hasNextPage(headers) || len(issues) == 0}
	for _, is := range issues {
		if is.PullRequest != nil {
			continue
		}
		out.Records = append(out.Records, toRecord(is))
	}
	return out, nil
}

func toRecord(is ghIssue) connector.RawRecord {
	rec := connector.RawRecord{
		ID:          strconv.FormatInt(is.ID, 10),
		Identifier:  "#" + strconv.Itoa(is.Number),
		URL:         is.HTMLURL,
		Title:       is.Title,
		Description: is.Body,
		State:       is.State,
		Assignee:    toUser(is.Assignee),
		Creator:     toUser(is.User),
		CreatedAt:   is.CreatedAt,
		UpdatedAt:   is.UpdatedAt,
		CompletedAt: is.ClosedAt,
	}
	for _, l := range is.Labels {
		rec.Labels = append(rec.Labels, l.Name)
	}
	if is.Milestone != nil {
		rec.Team = is.Milestone.Title
	}
	return rec
}

func toUser(u *ghUser) *connector.User {
	if u == nil || u.Login == "" {
		return nil
	}
	return &connector.User{Key: u.Login, Name: u.Login, Email: u.Email}
}

// Discover lists the fixed issue states, assignable users and repository labels.
// GitHub issues carry no priority.
func (c *Connector) Discover(ctx context.Context) (domain.Catalog, error) {
	b := connector.NewCatalogBuilder()
	for _, s := range []string{"open", "closed"} {
		b.Add(domain.KindState, domain.CatalogEntry{Key: s, Name: s})
	}
	if err := c.eachPage(ctx, "/assignees", func(raw []byte) error {
		var users []ghUser
		if err := json.Unmarshal(raw, &users); err != nil {
			return fmt.Errorf("parse assignees: %w", err)
		}
		for _, u := range users {
			b.Add(domain.KindUser, domain.CatalogEntry{Key: u.Login, Name: u.Login, Email: u.Email})
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := c.eachPage(ctx, "/labels", func(raw []byte) error {
		var labels []ghLabel
		if err := json.Unmarshal(raw, &labels); err != nil {
			return fmt.Errorf("parse labels: %w", err)
		}
		for _, l := range labels {
			b.Add(domain.KindLabel, domain.CatalogEntry{Key: l.Name, Name: l.Name})
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return b.Catalog(), nil
}

func (c *Connector) eachPage(ctx context.Context, path string, fn func([]byte) error) error {
	for page := 1; ; page++ {
		params := url.Values{"per_page": {strconv.Itoa(MaxPageSize)}, "page": {strconv.Itoa(page)}}
		body, headers, err := c.client.Do(ctx, http.MethodGet, c.repoPath()+path, params, nil)
		if err != nil {
			return fmt.Errorf("list %s: %w", path, err)
		}
		if err := fn(body); err != nil {
			return err
		}
		if !hasNextPage(headers) {
			return nil
		}
	}
}
