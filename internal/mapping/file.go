package mapping

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"wlmigrate/internal/domain"
)

// File is the on-disk override format:
//
//	state:
//	  "To Do": 4f1c...
//	priority:
//	  Highest: urgent
type File map[domain.MappingKind]map[string]string

// ParseFile decodes an override file into manual mappings.
func ParseFile(data []byte) ([]domain.EntityMapping, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mapping file: %w", err)
	}
	var out []domain.EntityMapping
	for kind, entries := range f {
		if !kind.Valid() {
			return nil, fmt.Errorf("mapping file: unknown kind %q", kind)
		}
		for src, dest := range entries {
			out = append(out, domain.EntityMapping{Kind: kind, SourceKey: src, DestinationKey: dest, Origin: OriginManual})
		}
	}
	Sort(out)
	return out, nil
}

func ReadFile(path string) ([]domain.EntityMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(data)
}

// Encode renders mappings in the override format.
func Encode(ms []domain.EntityMapping) ([]byte, error) {
	f := File{}
	for _, m := range ms {
		if f[m.Kind] == nil {
			f[m.Kind] = map[string]string{}
		}
		f[m.Kind][m.SourceKey] = m.DestinationKey
	}
	return yaml.Marshal(f)
}
