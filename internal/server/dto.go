package server

import (
	"encoding/json"
	"strings"
	"time"

	"wlmigrate/internal/domain"
)

// Request payloads

type CreateJobRequest struct {
	ProjectID         string            `json:"project"`
	Source            string            `json:"source" enum:"jira,jira_server,linear,asana,clickup,notion,confluence,github,gitlab"`
	SourceSettings    map[string]string `json:"source_settings,omitempty"`
	CredentialID      string            `json:"credential_id,omitempty"`
	MappingSnapshotID string            `json:"mapping_snapshot_id"`
	SkipUserImport    bool              `json:"skip_user_import,omitempty"`
	BatchSize         int               `json:"batch_size,omitempty" minimum:"0"`
}

// MappingRow is one source key to destination key pair.
type MappingRow struct {
	Kind           string `json:"kind" enum:"state,priority,user,label,team"`
	SourceKey      string `json:"source_key"`
	DestinationKey string `json:"destination_key"`
}

type CreateSnapshotRequest struct {
	ProjectID      string            `json:"project"`
	Source         string            `json:"source" enum:"jira,jira_server,linear,asana,clickup,notion,confluence,github,gitlab"`
	SourceSettings map[string]string `json:"source_settings,omitempty"`
	CredentialID   string            `json:"credential_id,omitempty"`
	Catalog        domain.Catalog    `json:"catalog,omitempty"`
	Discover       bool              `json:"discover,omitempty" doc:"Ask the source connector for its states, priorities, users, labels and teams"`
	Suggest        bool              `json:"suggest,omitempty" doc:"Propose mappings for unmapped catalog entries by name"`
	Mappings       []MappingRow      `json:"mappings,omitempty"`
}

type SetMappingsRequest struct {
	Mappings []MappingRow `json:"mappings"`
}

type CreateProjectRequest struct {
	WorkspaceID string `json:"workspace"`
	Name        string `json:"name"`
}

type AddCredentialRequest struct {
	Source    string  `json:"source"`
	Token     string  `json:"token"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

// Response payloads

type ProjectResponse struct {
	domain.Project
	States []domain.State `json:"states"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type InboxResponse struct {
	ID      int64  `json:"id"`
	Source  string `json:"source"`
	Channel string `json:"channel"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mappingRows(rows []MappingRow) []domain.EntityMapping {
	out := make([]domain.EntityMapping, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.EntityMapping{
			Kind:           domain.MappingKind(r.Kind),
			SourceKey:      r.SourceKey,
			DestinationKey: r.DestinationKey,
		})
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func parseOptionalTime(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(*raw))
	if err != nil {
		return nil, err
	}
	return &t, nil
}
