package che168

import (
	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source/autoapi"
)

type filtersResponse struct {
	Mark             map[string]markFilters `json:"mark"`
	TransmissionType []string               `json:"transmission_type"`
	Color            []string               `json:"color"`
	BodyType         []string               `json:"body_type"`
	EngineType       []string               `json:"engine_type"`
	DriveType        []string               `json:"drive_type"`
}

type markFilters struct {
	Model []string `json:"model"`
}

func (r filtersResponse) taxonomy() model.FilterTaxonomy {
	marks := make(map[string]map[string][]string, len(r.Mark))
	for mark, mf := range r.Mark {
		models := make(map[string][]string, len(mf.Model))
		for _, name := range autoapi.UniqueSorted(mf.Model) {
			models[name] = []string{}
		}
		marks[mark] = models
	}
	return model.FilterTaxonomy{
		Marks:        marks,
		Transmission: autoapi.UniqueSorted(r.TransmissionType),
		Color:        autoapi.UniqueSorted(r.Color),
		BodyType:     autoapi.UniqueSorted(r.BodyType),
		EngineType:   autoapi.UniqueSorted(r.EngineType),
		DriveType:    autoapi.UniqueSorted(r.DriveType),
	}
}
