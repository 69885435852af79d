package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wlmigrate/internal/domain"
	"wlmigrate/internal/repo"
	"wlmigrate/internal/transform"
)

// Target is where a job's records land.
type Target struct {
	WorkspaceID string
	ProjectID   string
	Source      domain.SourceType
}

type PushResult struct {
	Succeeded int
	Created   int
	Updated   int
	Failed    []domain.PartialPushError
}

type Loader struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Loader {
	return Loader{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (l Loader) now() string {
	if l.Now != nil {
		return domain.FormatTime(l.Now())
	}
	return domain.FormatTime(time.Now())
}

// Push writes records in a single transaction.
func (l Loader) Push(ctx context.Context, target Target, records []transform.CanonicalRecord) (PushResult, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return PushResult{}, err
	}
	defer tx.Rollback()
	res, err := l.PushTx(ctx, tx, target, records)
	if err != nil {
		return res, err
	}
	return res, tx.Commit()
}

// PushTx upserts each record under its own savepoint so one bad record rolls back alone.
// Errors returned here are batch-level; per-record problems land in PushResult.Failed.
func (l Loader) PushTx(ctx context.Context, tx *sql.Tx, target Target, records []transform.CanonicalRecord) (PushResult, error) {
	var res PushResult
	now := l.now()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := tx.ExecContext(ctx, `SAVEPOINT record`); err != nil {
			return res, err
		}
		created, err := l.upsert(ctx, tx, target, rec, now)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT record`); rbErr != nil {
				return res, errors.Join(err, rbErr)
			}
			if _, relErr := tx.ExecContext(ctx, `RELEASE SAVEPOINT record`); relErr != nil {
				return res, relErr
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			res.Failed = append(res.Failed, domain.PartialPushError{SourceRecordID: rec.ExternalID, Err: err})
			continue
		}
		if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT record`); err != nil {
			return res, err
		}
		res.Succeeded++
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func (l Loader) upsert(ctx context.Context, tx *sql.Tx, target Target, rec transform.CanonicalRecord, now string) (bool, error) {
	ok, err := l.Repo.StateExistsTx(ctx, tx, target.ProjectID, rec.StateID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("state %s not in project %s", rec.StateID, target.ProjectID)
	}
	creator, err := l.member(ctx, tx, target, &rec.Creator, now)
	if err != nil {
		return false, fmt.Errorf("creator: %w", err)
	}
	if creator == "" {
		return false, errors.New("record has no creator")
	}
	assignee, err := l.member(ctx, tx, target, rec.Assignee, now)
	if err != nil {
		return false, fmt.Errorf("assignee: %w", err)
	}
	var moduleID *string
	if rec.Module != "" {
		id, _, err := l.Repo.EnsureModuleTx(ctx, tx, target.ProjectID, rec.Module, uuid.NewString())
		if err != nil {
			return false, fmt.Errorf("module %s: %w", rec.Module, err)
		}
		moduleID = &id
	}
	labelIDs := make([]string, 0, len(rec.Labels))
	for _, name := range rec.Labels {
		id, _, err := l.Repo.EnsureLabelTx(ctx, tx, target.ProjectID, name, uuid.NewString())
		if err != nil {
			return false, fmt.Errorf("label %s: %w", name, err)
		}
		labelIDs = append(labelIDs, id)
	}

	wi := domain.WorkItem{
		ID:               WorkItemID(target, rec.ExternalID),
		ProjectID:        target.ProjectID,
		Title:            rec.Title,
		Description:      rec.Description,
		StateID:          rec.StateID,
		Priority:         rec.Priority,
		CreatedBy:        creator,
		ModuleID:         moduleID,
		ExternalSource:   string(target.Source),
		ExternalID:       rec.ExternalID,
		ExternalURL:      rec.URL,
		Identifier:       rec.Identifier,
		ParentExternalID: rec.ParentExternalID,
		CreatedAt:        orDefault(rec.CreatedAt, now),
		UpdatedAt:        orDefault(rec.UpdatedAt, now),
	}
	if assignee != "" {
		wi.AssigneeID = &assignee
	}
	if rec.CompletedAt != "" {
		wi.CompletedAt = &rec.CompletedAt
	}
	id, created, err := l.Repo.UpsertWorkItemTx(ctx, tx, wi)
	if err != nil {
		return false, err
	}
	if err := l.Repo.ReplaceWorkItemLabelsTx(ctx, tx, id, labelIDs); err != nil {
		return false, err
	}
	return created, nil
}

func (l Loader) member(ctx context.Context, tx *sql.Tx, target Target, ref *transform.UserRef, now string) (string, error) {
	if ref == nil {
		return "", nil
	}
	if ref.MemberID != "" {
		return ref.MemberID, nil
	}
	id, _, err := l.Repo.EnsureMemberTx(ctx, tx, domain.Member{
		ID:          uuid.NewString(),
		WorkspaceID: target.WorkspaceID,
		DisplayName: ref.Name,
		Email:       ref.Email,
		SourceKey:   sourceKey(target.Source, ref.SourceKey),
		CreatedAt:   now,
	})
	return id, err
}

// sourceKey namespaces imported users so two sources with the same account id don't collide.
func sourceKey(src domain.SourceType, key string) string {
	if key == "" {
		return ""
	}
	return string(src) + ":" + key
}

// WorkItemID derives a stable id from the upsert key.
func WorkItemID(target Target, externalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(target.ProjectID+"|"+string(target.Source)+"|"+externalID)).String()
}

// Finalize links children to parents imported in any batch of the job.
func (l Loader) Finalize(ctx context.Context, target Target) (int64, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := l.Repo.ResolveParentsTx(ctx, tx, target.ProjectID, string(target.Source))
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
