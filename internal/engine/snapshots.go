package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"wlmigrate/internal/connector"
	"wlmigrate/internal/domain"
	"wlmigrate/internal/events"
	"wlmigrate/internal/mapping"
	"wlmigrate/internal/repo"
)

// SnapshotOptions are parameters for creating a mapping snapshot.
type SnapshotOptions struct {
	ProjectID      string
	Source         domain.SourceType
	SourceSettings map[string]string
	CredentialID   string
	// Catalog lists referenced source keys. When Discover is set the connector's catalog
	// is merged in.
	Catalog  domain.Catalog
	Discover bool
	// Suggest fills unmapped catalog keys by name match against the project.
	Suggest  bool
	Mappings []domain.EntityMapping
	ActorID  string
}

// CreateSnapshot stores an editable mapping snapshot for a project and source.
func (e Engine) CreateSnapshot(ctx context.Context, opts SnapshotOptions) (domain.MappingSnapshot, error) {
	if !opts.Source.Valid() {
		return domain.MappingSnapshot{}, domain.ValidationError{Reason: fmt.Sprintf("unknown source %q", opts.Source)}
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.MappingSnapshot{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if err := checkMappings(opts.Mappings); err != nil {
		return domain.MappingSnapshot{}, err
	}

	builder := connector.NewCatalogBuilder()
	addCatalog(builder, opts.Catalog)
	if opts.Discover {
		cat, err := e.discover(ctx, opts.Source, opts.SourceSettings, opts.CredentialID)
		if err != nil {
			return domain.MappingSnapshot{}, err
		}
		addCatalog(builder, cat)
	}
	catalog := builder.Catalog()

	mappings := opts.Mappings
	if opts.Suggest {
		dest, err := e.destination(ctx, project)
		if err != nil {
			return domain.MappingSnapshot{}, err
		}
		mappings = mapping.Merge(mapping.Suggest(catalog, dest), opts.Mappings)
	}
	for i := range mappings {
		if mappings[i].Origin == "" {
			mappings[i].Origin = mapping.OriginManual
		}
	}
	mapping.Sort(mappings)

	snap := domain.MappingSnapshot{
		ID:          uuid.NewString(),
		WorkspaceID: project.WorkspaceID,
		ProjectID:   project.ID,
		Source:      opts.Source,
		Catalog:     catalog,
		Mappings:    mappings,
		CreatedAt:   e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MappingSnapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSnapshotTx(ctx, tx, snap); err != nil {
		return domain.MappingSnapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.SnapshotCreated, project.ID, "mapping_snapshot", snap.ID, opts.ActorID, events.EventPayload{
		"source": snap.Source, "mappings": len(snap.Mappings), "discovered": opts.Discover,
	}); err != nil {
		return domain.MappingSnapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MappingSnapshot{}, err
	}
	e.log().Info("mapping snapshot created", "snapshot", snap.ID, "project", project.ID, "mappings", len(snap.Mappings))
	return e.Repo.GetSnapshot(ctx, snap.ID)
}

func (e Engine) GetSnapshot(ctx context.Context, id string) (domain.MappingSnapshot, error) {
	return e.Repo.GetSnapshot(ctx, id)
}

// UpdateSnapshotMappings applies manual overrides. An empty destination key removes a row.
// Activated snapshots are read-only.
func (e Engine) UpdateSnapshotMappings(ctx context.Context, id, actorID string, overrides []domain.EntityMapping) (domain.MappingSnapshot, error) {
	if err := checkMappings(overrides); err != nil {
		return domain.MappingSnapshot{}, err
	}
	for i := range overrides {
		overrides[i].Origin = mapping.OriginManual
	}
	snap, err := e.Repo.GetSnapshot(ctx, id)
	if err != nil {
		return snap, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return snap, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertMappingsTx(ctx, tx, id, overrides); err != nil {
		return snap, err
	}
	if err := e.events().Append(ctx, tx, events.SnapshotUpdated, snap.ProjectID, "mapping_snapshot", id, actorID, events.EventPayload{"overrides": len(overrides)}); err != nil {
		return snap, err
	}
	if err := tx.Commit(); err != nil {
		return snap, err
	}
	return e.Repo.GetSnapshot(ctx, id)
}

// SuggestMappings previews suggestions for a catalog without storing anything.
func (e Engine) SuggestMappings(ctx context.Context, projectID string, catalog domain.Catalog) ([]domain.EntityMapping, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	dest, err := e.destination(ctx, project)
	if err != nil {
		return nil, err
	}
	return mapping.Suggest(catalog, dest), nil
}

func (e Engine) destination(ctx context.Context, p domain.Project) (mapping.Destination, error) {
	var (
		d   mapping.Destination
		err error
	)
	if d.States, err = e.Repo.ListStates(ctx, p.ID); err != nil {
		return d, err
	}
	if d.Members, err = e.Repo.ListMembers(ctx, p.WorkspaceID); err != nil {
		return d, err
	}
	if d.Labels, err = e.Repo.ListLabels(ctx, p.ID); err != nil {
		return d, err
	}
	if d.Modules, err = e.Repo.ListModules(ctx, p.ID); err != nil {
		return d, err
	}
	return d, nil
}

// discover authenticates against the source and reads its catalog.
func (e Engine) discover(ctx context.Context, source domain.SourceType, settings map[string]string, credentialID string) (domain.Catalog, error) {
	tok, err := e.token(ctx, source, credentialID)
	if err != nil {
		return nil, err
	}
	conn, err := e.connectorFor(source, settings, tok)
	if err != nil {
		return nil, err
	}
	if err := conn.Authenticate(ctx, tok); err != nil {
		return nil, err
	}
	cat, err := connector.Discover(ctx, conn, e.Config.BatchSize(source), e.retryPolicy(source))
	if err != nil {
		return nil, fmt.Errorf("discover %s catalog: %w", source, err)
	}
	return cat, nil
}

func addCatalog(b *connector.CatalogBuilder, cat domain.Catalog) {
	for kind, entries := range cat {
		for _, entry := range entries {
			b.Add(kind, entry)
		}
	}
}

func checkMappings(ms []domain.EntityMapping) error {
	for _, m := range ms {
		if !m.Kind.Valid() {
			return domain.ValidationError{Reason: fmt.Sprintf("unknown mapping kind %q", m.Kind)}
		}
		if m.SourceKey == "" {
			return domain.ValidationError{Reason: fmt.Sprintf("%s mapping without source key", m.Kind)}
		}
		if m.Kind == domain.KindPriority && m.DestinationKey != "" && !mapping.IsPriority(m.DestinationKey) {
			return domain.ValidationError{Reason: fmt.Sprintf("priority %q is not one of %v", m.DestinationKey, domain.Priorities)}
		}
	}
	return nil
}

// IsNotFound reports whether err is a missing-row error from the store.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
