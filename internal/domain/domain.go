package domain

import "time"

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobQueued       JobStatus = "queued"
	JobCreated      JobStatus = "created"
	JobInitiated    JobStatus = "initiated"
	JobPulling      JobStatus = "pulling"
	JobPulled       JobStatus = "pulled"
	JobTransforming JobStatus = "transforming"
	JobTransformed  JobStatus = "transformed"
	JobPushing      JobStatus = "pushing"
	JobFinished     JobStatus = "finished"
	JobError        JobStatus = "error"
	JobCancelled    JobStatus = "cancelled"
)

// Terminal reports whether no further automatic transition happens from s.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobError || s == JobCancelled
}

// BatchStatus is the per-batch stage.
type BatchStatus string

const (
	BatchPending     BatchStatus = "pending"
	BatchPulled      BatchStatus = "pulled"
	BatchTransformed BatchStatus = "transformed"
	BatchPushed      BatchStatus = "pushed"
	BatchFailed      BatchStatus = "failed"
)

// SourceType names an external project-management tool.
type SourceType string

const (
	SourceJira       SourceType = "jira"
	SourceJiraServer SourceType = "jira_server"
	SourceLinear     SourceType = "linear"
	SourceAsana      SourceType = "asana"
	SourceClickUp    SourceType = "clickup"
	SourceNotion     SourceType = "notion"
	SourceConfluence SourceType = "confluence"
	SourceGitHub     SourceType = "github"
	SourceGitLab     SourceType = "gitlab"
)

// KnownSources lists every accepted source type.
var KnownSources = []SourceType{
	SourceJira, SourceJiraServer, SourceLinear, SourceAsana, SourceClickUp,
	SourceNotion, SourceConfluence, SourceGitHub, SourceGitLab,
}

func (s SourceType) Valid() bool {
	for _, k := range KnownSources {
		if k == s {
			return true
		}
	}
	return false
}

// MappingKind is the kind of source entity a mapping row resolves.
type MappingKind string

const (
	KindState    MappingKind = "state"
	KindPriority MappingKind = "priority"
	KindUser     MappingKind = "user"
	KindLabel    MappingKind = "label"
	KindTeam     MappingKind = "team"
)

var MappingKinds = []MappingKind{KindState, KindPriority, KindUser, KindLabel, KindTeam}

// Mandatory kinds must be fully mapped before a job can start.
func (k MappingKind) Mandatory() bool {
	return k == KindState || k == KindPriority
}

func (k MappingKind) Valid() bool {
	for _, m := range MappingKinds {
		if m == k {
			return true
		}
	}
	return false
}

// Destination priorities are a fixed set.
var Priorities = []string{"urgent", "high", "medium", "low", "none"}

type ImportJob struct {
	ID                string            `json:"id"`
	WorkspaceID       string            `json:"workspace"`
	ProjectID         string            `json:"project"`
	Source            SourceType        `json:"source"`
	SourceSettings    map[string]string `json:"source_settings,omitempty"`
	CredentialID      string            `json:"credential_id,omitempty"`
	MappingSnapshotID string            `json:"mapping_snapshot_id"`
	ActorID           string            `json:"actor_id"`
	Status            JobStatus         `json:"status"`
	Attempt           int               `json:"attempt"`
	BatchSize         int               `json:"batch_size"`
	TotalBatches      *int              `json:"total_batches"`
	ImportedBatches   int               `json:"imported_batches"`
	SkipUserImport    bool              `json:"skip_user_import"`
	CancelRequested   bool              `json:"cancel_requested,omitempty"`
	ErrorKind         *string           `json:"error_kind,omitempty"`
	Error             *string           `json:"error"`
	NextRunAt         *string           `json:"next_run_at,omitempty" format:"date-time"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	StartTime         *string           `json:"start_time" format:"date-time"`
	FinishedAt        *string           `json:"finished_at,omitempty" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
}

// JobAttempt is one run of a job; re-run appends a new one.
type JobAttempt struct {
	JobID         string  `json:"job_id"`
	Attempt       int     `json:"attempt"`
	Status        string  `json:"status"`
	StartSequence int     `json:"start_sequence"`
	ErrorKind     *string `json:"error_kind,omitempty"`
	Error         *string `json:"error,omitempty"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	FinishedAt    *string `json:"finished_at,omitempty" format:"date-time"`
}

type Batch struct {
	JobID         string      `json:"job_id"`
	Sequence      int         `json:"sequence"`
	Status        BatchStatus `json:"status"`
	LastStage     BatchStatus `json:"last_stage"`
	Cursor        string      `json:"cursor,omitempty"`
	NextCursor    string      `json:"next_cursor,omitempty"`
	IsLast        bool        `json:"is_last"`
	RawCount      int         `json:"raw_count"`
	PushedCount   int         `json:"pushed_count"`
	FailedCount   int         `json:"failed_count"`
	RetryCount    int         `json:"retry_count"`
	LastError     *string     `json:"last_error,omitempty"`
	Attempt       int         `json:"attempt"`
	RawJSON       string      `json:"-"`
	CanonicalJSON string      `json:"-"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
}

// RecordFailure is one row of the downloadable error report.
type RecordFailure struct {
	JobID          string `json:"job_id"`
	BatchSequence  int    `json:"batch_sequence"`
	SourceRecordID string `json:"source_record_id"`
	ErrorKind      string `json:"error_kind"`
	Message        string `json:"message"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type EntityMapping struct {
	SnapshotID     string      `json:"snapshot_id,omitempty"`
	Kind           MappingKind `json:"kind" enum:"state,priority,user,label,team"`
	SourceKey      string      `json:"source_key"`
	DestinationKey string      `json:"destination_key"`
	Origin         string      `json:"origin" enum:"suggested,manual"`
}

// CatalogEntry is a source entity referenced by the data being migrated.
type CatalogEntry struct {
	Key   string `json:"key" yaml:"key"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
}

// Catalog groups referenced source entities per mapping kind.
type Catalog map[MappingKind][]CatalogEntry

type MappingSnapshot struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace"`
	ProjectID   string          `json:"project"`
	Source      SourceType      `json:"source"`
	Catalog     Catalog         `json:"catalog"`
	Mappings    []EntityMapping `json:"mappings"`
	ActivatedAt *string         `json:"activated_at,omitempty" format:"date-time"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

type Credential struct {
	ID        string     `json:"id"`
	Source    SourceType `json:"source"`
	Token     string     `json:"-"`
	ExpiresAt *string    `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt string     `json:"created_at" format:"date-time"`
}

// Destination model, limited to what the loader populates.

type Project struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type State struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Group     string `json:"group" enum:"backlog,unstarted,started,completed,cancelled"`
}

type Label struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type Module struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type Member struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	SourceKey   string `json:"source_key,omitempty"`
	Imported    bool   `json:"imported"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type WorkItem struct {
	ID               string   `json:"id"`
	ProjectID        string   `json:"project_id"`
	ParentID         *string  `json:"parent_id,omitempty"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	StateID          string   `json:"state_id"`
	Priority         string   `json:"priority"`
	AssigneeID       *string  `json:"assignee_id,omitempty"`
	CreatedBy        string   `json:"created_by"`
	ModuleID         *string  `json:"module_id,omitempty"`
	Labels           []string `json:"labels,omitempty"`
	ExternalSource   string   `json:"external_source"`
	ExternalID       string   `json:"external_id"`
	ExternalURL      string   `json:"external_url,omitempty"`
	Identifier       string   `json:"identifier,omitempty"`
	ParentExternalID string   `json:"parent_external_id,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
	CompletedAt      *string  `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// TimeLayout is fixed-width so stored timestamps compare correctly as strings.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
