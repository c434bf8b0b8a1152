// Package dongchedi adapts the dongchedi.com (China) feed served by
// auto-api.com to the source.Adapter contract. The feed ends a drain with a
// null next_change_id and offers no listing-URL lookup.
package dongchedi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/source/autoapi"
)

// DefaultBaseURL is used when no base_url is configured.
const DefaultBaseURL = "https://api1.auto-api.com/api/v2/dongchedi"

// Options configures the adapter.
type Options struct {
	autoapi.Options

	// MaxPages bounds how many change pages one drain requests.
	MaxPages int
}

// Adapter serves the dongchedi marketplace.
type Adapter struct {
	*autoapi.Feed
}

var _ source.Adapter = (*Adapter)(nil)

// New builds an adapter from opts.
func New(opts Options, logger *slog.Logger) (*Adapter, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	client, err := autoapi.New(opts.Options)
	if err != nil {
		return nil, fmt.Errorf("dongchedi client: %w", err)
	}
	return &Adapter{Feed: autoapi.NewFeed(client, model.SourceDongchedi, opts.MaxPages, logger)}, nil
}

// Source returns model.SourceDongchedi.
func (a *Adapter) Source() model.Source { return model.SourceDongchedi }

// Filters fetches the mark → model → complectation taxonomy.
func (a *Adapter) Filters(ctx context.Context) (model.FilterTaxonomy, error) {
	var resp filtersResponse
	if err := a.Client().Get(ctx, "/filters", nil, &resp); err != nil {
		return model.FilterTaxonomy{}, fmt.Errorf("fetching dongchedi filters: %w", err)
	}
	return resp.taxonomy(), nil
}
