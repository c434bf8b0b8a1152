package model

import (
	"sort"
	"time"
)

// FilterTaxonomy is the set of filterable attributes a source exposes, or the
// merged union across sources.
type FilterTaxonomy struct {
	// Marks maps make → model → trims.
	Marks map[string]map[string][]string `json:"mark"`

	Transmission []string `json:"transmission_type"`
	Color        []string `json:"color"`
	BodyType     []string `json:"body_type"`
	EngineType   []string `json:"engine_type"`
	DriveType    []string `json:"drive_type"`
}

// MakeNames returns the make names in sorted order.
func (t FilterTaxonomy) MakeNames() []string {
	names := make([]string, 0, len(t.Marks))
	for name := range t.Marks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelNames returns the model names of the given make in sorted order.
func (t FilterTaxonomy) ModelNames(mark string) []string {
	models := t.Marks[mark]
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (t FilterTaxonomy) Clone() FilterTaxonomy {
	out := FilterTaxonomy{
		Marks:        make(map[string]map[string][]string, len(t.Marks)),
		Transmission: append([]string(nil), t.Transmission...),
		Color:        append([]string(nil), t.Color...),
		BodyType:     append([]string(nil), t.BodyType...),
		EngineType:   append([]string(nil), t.EngineType...),
		DriveType:    append([]string(nil), t.DriveType...),
	}
	for mk, models := range t.Marks {
		m := make(map[string][]string, len(models))
		for md, trims := range models {
			m[md] = append([]string(nil), trims...)
		}
		out.Marks[mk] = m
	}
	return out
}

// TaxonomySnapshot is one published, immutable merged taxonomy.
type TaxonomySnapshot struct {
	Taxonomy FilterTaxonomy `json:"taxonomy"`

	// Sources lists every source that contributed, fresh or stale.
	Sources []Source `json:"sources"`

	// Stale lists sources whose fetch failed and whose last-known-good
	// taxonomy was used instead.
	Stale []Source `json:"stale,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}
