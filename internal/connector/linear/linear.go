// Package linear pulls issues from the Linear GraphQL API.
package linear

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wlmigrate/internal/connector"
	"wlmigrate/internal/domain"
)

const (
	DefaultEndpoint = "https://api.linear.app/graphql"
	MaxPageSize     = 250
)

var timeNow = time.Now

func init() {
	connector.Register(domain.SourceLinear, New)
}

// Connector reads the issues of one Linear team. The cursor is the GraphQL endCursor.
type Connector struct {
	client *connector.Client
	token  string
	team   string
}

// New builds a connector. Settings options: team (key).
func New(s connector.Settings) (connector.Connector, error) {
	base := s.BaseURL
	if base == "" {
		base = DefaultEndpoint
	}
	c := &Connector{
		client: connector.NewClient(s.Source, base, s.HTTPClient),
		token:  s.Token,
		team:   s.Option("team", ""),
	}
	if c.team == "" {
		return nil, domain.ValidationError{Reason: "linear source requires a team setting"}
	}
	// Linear API keys are sent without a scheme.
	c.client.Authorize = func(req *http.Request) { req.Header.Set("Authorization", c.token) }
	return c, nil
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// execute runs a query and decodes data into out. GraphQL-level errors are mapped onto
// the error taxonomy the same way HTTP statuses are.
func (c *Connector) execute(ctx context.Context, query string, vars map[string]any, out any) error {
	body, headers, err := c.client.Do(ctx, http.MethodPost, "", nil, gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	var resp struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parse graphql response: %w", err)
	}
	if len(resp.Errors) > 0 {
		e := resp.Errors[0]
		switch strings.ToUpper(e.Extensions.Code) {
		case "RATELIMITED":
			return domain.RateLimitedError{RetryAfter: connector.RetryAfter(headers, timeNow())}
		case "AUTHENTICATION_ERROR", "FORBIDDEN":
			return domain.AuthError{Source: string(domain.SourceLinear), Err: fmt.Errorf("%s", e.Message)}
		case "INTERNAL_SERVER_ERROR":
			return domain.NetworkError{Op: "linear graphql", Err: fmt.Errorf("%s", e.Message)}
		}
		return fmt.Errorf("linear graphql: %s", e.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}

func (c *Connector) Authenticate(ctx context.Context, token string) error {
	c.token = token
	var data struct {
		Viewer struct {
			ID string `json:"id"`
		} `json:"viewer"`
	}
	if err := c.execute(ctx, `query { viewer { id } }`, nil, &data); err != nil {
		return err
	}
	if data.Viewer.ID == "" {
		return domain.AuthError{Source: string(domain.SourceLinear), Err: fmt.Errorf("viewer not resolved")}
	}
	return nil
}

const issuesQuery = `query Issues($team: String!, $first: Int!, $after: String) {
  issues(first: $first, after: $after, orderBy: createdAt, filter: { team: { key: { eq: $team } } }) {
    nodes {
      id identifier url title description priorityLabel
      state { name }
      assignee { id name email }
      creator { id name email }
      labels { nodes { name } }
      project { name }
      parent { id }
      createdAt updatedAt completedAt
    }
    pageInfo { hasNextPage endCursor }
  }
}`

type userNode struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type issueNode struct {
	ID            string `json:"id"`
	Identifier    string `json:"identifier"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	PriorityLabel string `json:"priorityLabel"`
	State         *struct {
		Name string `json:"name"`
	} `json:"state"`
	Assignee *userNode `json:"assignee"`
	Creator  *userNode `json:"creator"`
	Labels   struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
	Project *struct {
		Name string `json:"name"`
	} `json:"project"`
	Parent *struct {
		ID string `json:"id"`
	} `json:"parent"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
	CompletedAt string `json:"completedAt"`
}

func (c *Connector) Pull(ctx context.Context, cursor string, pageSize int) (connector.Page, error) {
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	vars := map[string]any{"team": c.team, "first": pageSize}
	if cursor != "" {
		vars["after"] = cursor
	}
	var data struct {
		Issues struct {
			Nodes    []issueNode `json:"nodes"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"issues"`
	}
	if err := c.execute(ctx, issuesQuery, vars, &data); err != nil {
		return connector.Page{}, fmt.Errorf("fetch issues: %w", err)
	}
	page := connector.Page{
		Records:    make([]connector.RawRecord, 0, len(data.Issues.Nodes)),
		NextCursor: data.Issues.PageInfo.EndCursor,
		Done:       !data.Issues.PageInfo.HasNextPage,
	}
	if page.NextCursor == "" {
		page.NextCursor = cursor
	}
	for _, n := range data.Issues.Nodes {
		page.Records = append(page.Records, toRecord(n))
	}
	return page, nil
}

func toRecord(n issueNode) connector.RawRecord {
	rec := connector.RawRecord{
		ID:          n.ID,
		Identifier:  n.Identifier,
		URL:         n.URL,
		Title:       n.Title,
		Description: n.Description,
		Priority:    n.PriorityLabel,
		Assignee:    toUser(n.Assignee),
		Creator:     toUser(n.Creator),
		CreatedAt:   n.CreatedAt,
		UpdatedAt:   n.UpdatedAt,
		CompletedAt: n.CompletedAt,
	}
	if n.State != nil {
		rec.State = n.State.Name
	}
	for _, l := range n.Labels.Nodes {
		rec.Labels = append(rec.Labels, l.Name)
	}
	if n.Project != nil {
		rec.Team = n.Project.Name
	}
	if n.Parent != nil {
		rec.ParentID = n.Parent.ID
	}
	return rec
}

func toUser(u *userNode) *connector.User {
	if u == nil || u.ID == "" {
		return nil
	}
	return &connector.User{Key: u.ID, Name: u.Name, Email: u.Email}
}

const catalogQuery = `query Catalog($team: String!) {
  workflowStates(filter: { team: { key: { eq: $team } } }) { nodes { name } }
  users { nodes { id name email } }
  issueLabels { nodes { name } }
  projects { nodes { name } }
}`

// Priorities is Linear's fixed priority scale as reported by priorityLabel.
var Priorities = []string{"No priority", "Urgent", "High", "Medium", "Low"}

func (c *Connector) Discover(ctx context.Context) (domain.Catalog, error) {
	type named struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	}
	var data struct {
		WorkflowStates named `json:"workflowStates"`
		Users          struct {
			Nodes []userNode `json:"nodes"`
		} `json:"users"`
		IssueLabels named `json:"issueLabels"`
		Projects    named `json:"projects"`
	}
	if err := c.execute(ctx, catalogQuery, map[string]any{"team": c.team}, &data); err != nil {
		return nil, fmt.Errorf("discover catalog: %w", err)
	}
	b := connector.NewCatalogBuilder()
	for _, s := range data.WorkflowStates.Nodes {
		b.Add(domain.KindState, domain.CatalogEntry{Key: s.Name, Name: s.Name})
	}
	for _, p := range Priorities {
		b.Add(domain.KindPriority, domain.CatalogEntry{Key: p, Name: p})
	}
	for _, u := range data.Users.Nodes {
		b.Add(domain.KindUser, domain.CatalogEntry{Key: u.ID, Name: u.Name, Email: u.Email})
	}
	for _, l := range data.IssueLabels.Nodes {
		b.Add(domain.KindLabel, domain.CatalogEntry{Key: l.Name, Name: l.Name})
	}
	for _, p := range data.Projects.Nodes {
		b.Add(domain.KindTeam, domain.CatalogEntry{Key: p.Name, Name: p.Name})
	}
	return b.Catalog(), nil
}
