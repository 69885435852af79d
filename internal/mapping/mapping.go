package mapping

import (
	"sort"
	"strings"

	"wlmigrate/internal/domain"
)

const (
	OriginSuggested = "suggested"
	OriginManual    = "manual"
)

// Set is the read view of a snapshot's mappings used at transform time.
type Set struct {
	byKind map[domain.MappingKind]map[string]string
}

func NewSet(mappings []domain.EntityMapping) Set {
	s := Set{byKind: map[domain.MappingKind]map[string]string{}}
	for _, m := range mappings {
		if m.DestinationKey == "" {
			continue
		}
		kind := s.byKind[m.Kind]
		if kind == nil {
			kind = map[string]string{}
			s.byKind[m.Kind] = kind
		}
		kind[m.SourceKey] = m.DestinationKey
	}
	return s
}

// Lookup returns the destination key for a source key. Keys are exact; case folding only
// happens when suggesting.
func (s Set) Lookup(kind domain.MappingKind, sourceKey string) (string, bool) {
	dest, ok := s.byKind[kind][sourceKey]
	return dest, ok
}

func (s Set) Len() int {
	n := 0
	for _, k := range s.byKind {
		n += len(k)
	}
	return n
}

// Destination is the set of destination entities suggestions are matched against.
type Destination struct {
	States  []domain.State
	Members []domain.Member
	Labels  []domain.Label
	Modules []domain.Module
}

// priorityAliases folds common source priority names onto the fixed destination set.
var priorityAliases = map[string]string{
	"highest":     "urgent",
	"critical":    "urgent",
	"blocker":     "urgent",
	"p0":          "urgent",
	"urgent":      "urgent",
	"high":        "high",
	"major":       "high",
	"p1":          "high",
	"medium":      "medium",
	"normal":      "medium",
	"p2":          "medium",
	"low":         "low",
	"lowest":      "low",
	"minor":       "low",
	"trivial":     "low",
	"p3":          "low",
	"none":        "none",
	"no priority": "none",
}

// Suggest proposes mappings for catalog entries by case-insensitive name match. Users are
// matched by email before display name. Entries with no match are left out so they show as
// unmapped.
func Suggest(cat domain.Catalog, dest Destination) []domain.EntityMapping {
	states := map[string]string{}
	for _, s := range dest.States {
		states[fold(s.Name)] = s.ID
	}
	byEmail := map[string]string{}
	byName := map[string]string{}
	for _, m := range dest.Members {
		if m.Email != "" {
			byEmail[fold(m.Email)] = m.ID
		}
		byName[fold(m.DisplayName)] = m.ID
	}
	labels := map[string]string{}
	for _, l := range dest.Labels {
		labels[fold(l.Name)] = l.Name
	}
	modules := map[string]string{}
	for _, m := range dest.Modules {
		modules[fold(m.Name)] = m.Name
	}

	var out []domain.EntityMapping
	add := func(kind domain.MappingKind, key, dest string) {
		if dest == "" {
			return
		}
		out = append(out, domain.EntityMapping{Kind: kind, SourceKey: key, DestinationKey: dest, Origin: OriginSuggested})
	}
	for _, e := range cat[domain.KindState] {
		add(domain.KindState, e.Key, firstMatch(states, e.Key, e.Name))
	}
	for _, e := range cat[domain.KindPriority] {
		add(domain.KindPriority, e.Key, firstMatch(priorityAliases, e.Key, e.Name))
	}
	for _, e := range cat[domain.KindUser] {
		dest := ""
		if e.Email != "" {
			dest = byEmail[fold(e.Email)]
		}
		if dest == "" {
			dest = firstMatch(byName, e.Name)
		}
		add(domain.KindUser, e.Key, dest)
	}
	for _, e := range cat[domain.KindLabel] {
		add(domain.KindLabel, e.Key, firstMatch(labels, e.Key, e.Name))
	}
	for _, e := range cat[domain.KindTeam] {
		add(domain.KindTeam, e.Key, firstMatch(modules, e.Key, e.Name))
	}
	Sort(out)
	return out
}

func firstMatch(index map[string]string, candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if v, ok := index[fold(c)]; ok {
			return v
		}
	}
	return ""
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Merge overlays overrides on base; later entries win per (kind, source key).
func Merge(base, overrides []domain.EntityMapping) []domain.EntityMapping {
	type key struct {
		kind domain.MappingKind
		src  string
	}
	idx := map[key]int{}
	out := make([]domain.EntityMapping, 0, len(base)+len(overrides))
	for _, list := range [][]domain.EntityMapping{base, overrides} {
		for _, m := range list {
			k := key{m.Kind, m.SourceKey}
			if i, ok := idx[k]; ok {
				out[i] = m
				continue
			}
			idx[k] = len(out)
			out = append(out, m)
		}
	}
	Sort(out)
	return out
}

func Sort(ms []domain.EntityMapping) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Kind != ms[j].Kind {
			return ms[i].Kind < ms[j].Kind
		}
		return ms[i].SourceKey < ms[j].SourceKey
	})
}

// Validate checks that every referenced key of a mandatory kind is mapped to a usable
// destination. States must name a project state id; priorities must be in the fixed set.
func Validate(snap domain.MappingSnapshot, states []domain.State) error {
	set := NewSet(snap.Mappings)
	stateIDs := map[string]bool{}
	for _, s := range states {
		stateIDs[s.ID] = true
	}
	var missing []domain.MissingMapping
	for _, kind := range domain.MappingKinds {
		if !kind.Mandatory() {
			continue
		}
		for _, e := range snap.Catalog[kind] {
			dest, ok := set.Lookup(kind, e.Key)
			if ok && validDestination(kind, dest, stateIDs) {
				continue
			}
			missing = append(missing, domain.MissingMapping{Kind: kind, SourceKey: e.Key})
		}
	}
	if len(missing) > 0 {
		return domain.ValidationError{Reason: "mandatory mappings missing", Missing: missing}
	}
	for _, m := range snap.Mappings {
		if !m.Kind.Valid() {
			return domain.ValidationError{Reason: "unknown mapping kind " + string(m.Kind)}
		}
	}
	return nil
}

func validDestination(kind domain.MappingKind, dest string, stateIDs map[string]bool) bool {
	switch kind {
	case domain.KindState:
		return stateIDs[dest]
	case domain.KindPriority:
		return IsPriority(dest)
	}
	return dest != ""
}

func IsPriority(p string) bool {
	for _, v := range domain.Priorities {
		if v == p {
			return true
		}
	}
	return false
}
