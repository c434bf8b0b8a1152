package filters

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/normalize"
)

var folder = cases.Fold()

// nameKey is the identity two make or model names share when they differ
// only in case, width or whitespace.
func nameKey(name string) string {
	return folder.String(clean(name))
}

// clean applies compatibility normalisation and collapses whitespace runs.
func clean(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// mergedModel accumulates one model's trims across sources.
type mergedModel struct {
	name  string
	trims map[string]string // key → display
}

// mergedMake accumulates one make's models across sources.
type mergedMake struct {
	name   string
	models map[string]*mergedModel
}

// Merge unions per-source taxonomies. Make, model and trim names are matched
// ignoring case, character width and whitespace; the first spelling seen, in
// source order, is kept for display. Enum values are mapped into the shared
// attribute vocabulary and unioned. Every list in the result is sorted.
func Merge(order []model.Source, taxonomies map[model.Source]model.FilterTaxonomy) model.FilterTaxonomy {
	makes := make(map[string]*mergedMake)
	enums := [5]map[string]struct{}{}
	for i := range enums {
		enums[i] = make(map[string]struct{})
	}

	for _, src := range order {
		tax, ok := taxonomies[src]
		if !ok {
			continue
		}
		for _, mk := range tax.MakeNames() {
			mm := mergeName(makes, mk, func(name string) *mergedMake {
				return &mergedMake{name: name, models: make(map[string]*mergedModel)}
			})
			if mm == nil {
				continue
			}
			for _, md := range tax.ModelNames(mk) {
				mdl := mergeName(mm.models, md, func(name string) *mergedModel {
					return &mergedModel{name: name, trims: make(map[string]string)}
				})
				if mdl == nil {
					continue
				}
				for _, trim := range tax.Marks[mk][md] {
					display := clean(trim)
					if display == "" {
						continue
					}
					key := nameKey(display)
					if _, seen := mdl.trims[key]; !seen {
						mdl.trims[key] = display
					}
				}
			}
		}

		addEnum(enums[0], tax.Transmission, normalize.Transmission)
		addEnum(enums[1], tax.Color, normalize.Color)
		addEnum(enums[2], tax.BodyType, normalize.BodyType)
		addEnum(enums[3], tax.EngineType, normalize.EngineType)
		addEnum(enums[4], tax.DriveType, normalize.DriveType)
	}

	out := model.FilterTaxonomy{
		Marks:        make(map[string]map[string][]string, len(makes)),
		Transmission: sortedKeys(enums[0]),
		Color:        sortedKeys(enums[1]),
		BodyType:     sortedKeys(enums[2]),
		EngineType:   sortedKeys(enums[3]),
		DriveType:    sortedKeys(enums[4]),
	}
	for _, mm := range makes {
		models := make(map[string][]string, len(mm.models))
		for _, mdl := range mm.models {
			trims := make([]string, 0, len(mdl.trims))
			for _, display := range mdl.trims {
				trims = append(trims, display)
			}
			sort.Strings(trims)
			models[mdl.name] = trims
		}
		out.Marks[mm.name] = models
	}
	return out
}

// mergeName returns the entry for name in m, creating it with the display
// spelling name on first sight. Blank names yield nil.
func mergeName[T any](m map[string]*T, name string, create func(string) *T) *T {
	display := clean(name)
	if display == "" {
		return nil
	}
	key := nameKey(display)
	if v, ok := m[key]; ok {
		return v
	}
	v := create(display)
	m[key] = v
	return v
}

func addEnum(set map[string]struct{}, values []string, mapping func(string) string) {
	for _, raw := range values {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		set[mapping(raw)] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
