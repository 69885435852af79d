package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"wlmigrate/internal/domain"
	"wlmigrate/internal/repo"
)

// DefaultStates seed a new destination project.
var DefaultStates = []domain.State{
	{Name: "Backlog", Group: "backlog"},
	{Name: "Todo", Group: "unstarted"},
	{Name: "In Progress", Group: "started"},
	{Name: "Done", Group: "completed"},
	{Name: "Cancelled", Group: "cancelled"},
}

// CreateProject creates a destination project with the default states.
func (e Engine) CreateProject(ctx context.Context, workspaceID, name string) (domain.Project, []domain.State, error) {
	name = strings.TrimSpace(name)
	if workspaceID == "" || name == "" {
		return domain.Project{}, nil, domain.ValidationError{Reason: "workspace and name are required"}
	}
	p := domain.Project{ID: uuid.NewString(), WorkspaceID: workspaceID, Name: name, CreatedAt: e.stamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return p, nil, err
	}
	states := make([]domain.State, 0, len(DefaultStates))
	for i, s := range DefaultStates {
		s.ID = uuid.NewString()
		s.ProjectID = p.ID
		if err := e.Repo.InsertState(ctx, tx, s, i); err != nil {
			return p, nil, err
		}
		states = append(states, s)
	}
	if err := tx.Commit(); err != nil {
		return p, nil, err
	}
	return p, states, nil
}

func (e Engine) ListProjects(ctx context.Context, workspaceID string) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, workspaceID)
}

func (e Engine) ListStates(ctx context.Context, projectID string) ([]domain.State, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListStates(ctx, projectID)
}

// AddMember registers an existing workspace member so mappings can target it.
func (e Engine) AddMember(ctx context.Context, workspaceID, displayName, email string) (domain.Member, error) {
	if workspaceID == "" || displayName == "" {
		return domain.Member{}, domain.ValidationError{Reason: "workspace and display name are required"}
	}
	m := domain.Member{ID: uuid.NewString(), WorkspaceID: workspaceID, DisplayName: displayName, Email: email, CreatedAt: e.stamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMember(ctx, tx, m); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

func (e Engine) ListWorkItems(ctx context.Context, projectID string) ([]domain.WorkItem, error) {
	return e.Repo.ListWorkItems(ctx, projectID)
}

// AddCredential stores a source token for jobs to reference.
func (e Engine) AddCredential(ctx context.Context, source domain.SourceType, token string, expiresAt *time.Time) (domain.Credential, error) {
	return e.Credentials.Add(ctx, source, token, expiresAt)
}

// ReceiveWebhook buffers a payload for the inbox connector of a push-based source.
func (e Engine) ReceiveWebhook(ctx context.Context, source domain.SourceType, channel, eventType string, payload []byte) (int64, error) {
	if !source.Valid() {
		return 0, domain.ValidationError{Reason: "unknown source " + string(source)}
	}
	if channel == "" {
		return 0, domain.ValidationError{Reason: "channel is required"}
	}
	if eventType == "" {
		eventType = "item"
	}
	return e.Repo.InsertInboxEvent(ctx, repo.InboxEvent{
		Source:     source,
		Channel:    channel,
		EventType:  eventType,
		Payload:    string(payload),
		ReceivedAt: e.stamp(),
	})
}
