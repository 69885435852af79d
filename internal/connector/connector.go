// Package connector defines the contract every source tool implements and the shared
// HTTP, pagination and retry helpers the concrete connectors are built on.
package connector

import (
	"context"
	"net/http"

	"wlmigrate/internal/domain"
)

// User is a source-side person referenced by a record.
type User struct {
	Key   string `json:"key"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// RawRecord is one source work item, flattened to the fields the transformer reads.
// State, Priority, Labels and Team hold source keys that mappings resolve.
type RawRecord struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier,omitempty"`
	URL         string   `json:"url,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	State       string   `json:"state"`
	Priority    string   `json:"priority,omitempty"`
	Assignee    *User    `json:"assignee,omitempty"`
	Creator     *User    `json:"creator,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Team        string   `json:"team,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// Page is one pull result. NextCursor resumes after this page; Done means the source has
// no further data past it.
type Page struct {
	Records    []RawRecord
	NextCursor string
	Done       bool
}

// Connector pulls pages of records from one source tool.
//
// Pull must be resumable from any cursor previously returned as NextCursor; the empty
// cursor starts from the beginning. Throttling surfaces as domain.RateLimitedError,
// credential rejection as domain.AuthError and transport or 5xx failures as
// domain.NetworkError.
type Connector interface {
	Authenticate(ctx context.Context, token string) error
	Pull(ctx context.Context, cursor string, pageSize int) (Page, error)
}

// Discoverer is implemented by connectors that can list the entities a mapping needs.
type Discoverer interface {
	Discover(ctx context.Context) (domain.Catalog, error)
}

// InboxReader reads webhook payloads buffered for push-based sources.
type InboxReader interface {
	ListInbox(ctx context.Context, source domain.SourceType, channel string, afterID int64, limit int) ([]InboxItem, error)
}

// InboxItem is a buffered webhook payload.
type InboxItem struct {
	ID      int64
	Payload []byte
}

// Settings configures a connector instance for one job.
type Settings struct {
	Source     domain.SourceType
	BaseURL    string
	Token      string
	Options    map[string]string
	HTTPClient *http.Client
	Inbox      InboxReader
}

// Option returns a source setting or fallback.
func (s Settings) Option(key, fallback string) string {
	if v, ok := s.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}
