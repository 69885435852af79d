package transform

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"wlmigrate/internal/connector"
	"wlmigrate/internal/domain"
	"wlmigrate/internal/mapping"
)

// Options are the job-level inputs that shape a canonical record.
type Options struct {
	Source         domain.SourceType
	ActorID        string
	SkipUserImport bool
}

// UserRef is either a resolved member id or a source user the loader matches or creates.
type UserRef struct {
	MemberID  string `json:"member_id,omitempty"`
	SourceKey string `json:"source_key,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// CanonicalRecord is a work item in destination terms, ready for the loader.
type CanonicalRecord struct {
	ExternalSource   domain.SourceType `json:"external_source"`
	ExternalID       string            `json:"external_id"`
	Identifier       string            `json:"identifier,omitempty"`
	URL              string            `json:"url,omitempty"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	StateID          string            `json:"state_id"`
	Priority         string            `json:"priority"`
	Assignee         *UserRef          `json:"assignee,omitempty"`
	Creator          UserRef           `json:"creator"`
	Labels           []string          `json:"labels,omitempty"`
	Module           string            `json:"module,omitempty"`
	ParentExternalID string            `json:"parent_external_id,omitempty"`
	CreatedAt        string            `json:"created_at,omitempty"`
	UpdatedAt        string            `json:"updated_at,omitempty"`
	CompletedAt      string            `json:"completed_at,omitempty"`
}

// Encode is stable for a given record: struct field order is fixed and labels are sorted.
func (c CanonicalRecord) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Map converts a raw record using the mapping set. It never consults anything but its
// arguments, so the same inputs always produce the same record.
func Map(rec connector.RawRecord, set mapping.Set, opts Options) (CanonicalRecord, error) {
	if rec.ID == "" {
		return CanonicalRecord{}, errors.New("record has no id")
	}
	out := CanonicalRecord{
		ExternalSource:   opts.Source,
		ExternalID:       rec.ID,
		Identifier:       rec.Identifier,
		URL:              rec.URL,
		Title:            strings.TrimSpace(rec.Title),
		Description:      rec.Description,
		ParentExternalID: rec.ParentID,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		CompletedAt:      rec.CompletedAt,
	}
	if out.Title == "" {
		out.Title = firstNonEmpty(rec.Identifier, rec.ID)
	}

	if rec.State == "" {
		return CanonicalRecord{}, domain.MappingError{Kind: domain.KindState, Reason: "record has no state"}
	}
	state, ok := set.Lookup(domain.KindState, rec.State)
	if !ok {
		return CanonicalRecord{}, domain.MappingError{Kind: domain.KindState, SourceKey: rec.State}
	}
	out.StateID = state

	out.Priority = "none"
	if rec.Priority != "" {
		p, ok := set.Lookup(domain.KindPriority, rec.Priority)
		if !ok {
			return CanonicalRecord{}, domain.MappingError{Kind: domain.KindPriority, SourceKey: rec.Priority}
		}
		if !mapping.IsPriority(p) {
			return CanonicalRecord{}, domain.MappingError{Kind: domain.KindPriority, SourceKey: rec.Priority, Reason: "unknown destination priority " + p}
		}
		out.Priority = p
	}

	// without user import every authored field falls back to the migrating actor
	out.Creator = UserRef{MemberID: opts.ActorID}
	if !opts.SkipUserImport {
		if ref := resolveUser(rec.Creator, set); ref != nil {
			out.Creator = *ref
		}
		out.Assignee = resolveUser(rec.Assignee, set)
	}

	labels := make([]string, 0, len(rec.Labels))
	seen := map[string]bool{}
	for _, l := range rec.Labels {
		name := strings.TrimSpace(l)
		if name == "" {
			continue
		}
		if dest, ok := set.Lookup(domain.KindLabel, name); ok {
			name = dest
		}
		if !seen[name] {
			seen[name] = true
			labels = append(labels, name)
		}
	}
	sort.Strings(labels)
	if len(labels) > 0 {
		out.Labels = labels
	}

	if rec.Team != "" {
		out.Module = rec.Team
		if dest, ok := set.Lookup(domain.KindTeam, rec.Team); ok {
			out.Module = dest
		}
	}
	return out, nil
}

func resolveUser(u *connector.User, set mapping.Set) *UserRef {
	if u == nil || (u.Key == "" && u.Email == "") {
		return nil
	}
	if id, ok := set.Lookup(domain.KindUser, u.Key); ok {
		return &UserRef{MemberID: id}
	}
	return &UserRef{SourceKey: u.Key, Name: u.Name, Email: u.Email}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Failure is a record that could not be mapped.
type Failure struct {
	SourceRecordID string
	Err            error
}

// MapAll maps a page, collecting per-record failures instead of stopping.
func MapAll(records []connector.RawRecord, set mapping.Set, opts Options) ([]CanonicalRecord, []Failure) {
	out := make([]CanonicalRecord, 0, len(records))
	var failed []Failure
	for _, rec := range records {
		c, err := Map(rec, set, opts)
		if err != nil {
			failed = append(failed, Failure{SourceRecordID: rec.ID, Err: err})
			continue
		}
		out = append(out, c)
	}
	return out, failed
}

// EncodeBatch and DecodeBatch persist a batch's canonical payload between stages.
func EncodeBatch(records []CanonicalRecord) (string, error) {
	if records == nil {
		records = []CanonicalRecord{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeBatch(data string) ([]CanonicalRecord, error) {
	var out []CanonicalRecord
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}
