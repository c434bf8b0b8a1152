// Package encar adapts the Encar (Korea) feed served by auto-api.com to the
// source.Adapter contract.
package encar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/source/autoapi"
)

// DefaultBaseURL is used when no base_url is configured.
const DefaultBaseURL = "https://api1.auto-api.com/api/v2/encar"

// Options configures the adapter.
type Options struct {
	autoapi.Options

	// MaxPages bounds how many change pages one drain requests.
	MaxPages int
}

// Adapter serves the Encar marketplace.
type Adapter struct {
	*autoapi.Feed
	lookupURL string
}

var (
	_ source.Adapter     = (*Adapter)(nil)
	_ source.URLResolver = (*Adapter)(nil)
)

// New builds an adapter from opts.
func New(opts Options, logger *slog.Logger) (*Adapter, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	client, err := autoapi.New(opts.Options)
	if err != nil {
		return nil, fmt.Errorf("encar client: %w", err)
	}
	lookup, err := lookupURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		Feed:      autoapi.NewFeed(client, model.SourceEncar, opts.MaxPages, logger),
		lookupURL: lookup,
	}, nil
}

// Source returns model.SourceEncar.
func (a *Adapter) Source() model.Source { return model.SourceEncar }

// Filters fetches the mark → model → configuration → complectation tree and
// flattens complectations into per-model trims.
func (a *Adapter) Filters(ctx context.Context) (model.FilterTaxonomy, error) {
	var resp filtersResponse
	if err := a.Client().Get(ctx, "/filters", nil, &resp); err != nil {
		return model.FilterTaxonomy{}, fmt.Errorf("fetching encar filters: %w", err)
	}
	return resp.taxonomy(), nil
}

// OfferByURL resolves a public encar.com listing URL to its raw offer.
func (a *Adapter) OfferByURL(ctx context.Context, listingURL string) (json.RawMessage, error) {
	return a.Client().OfferInfo(ctx, a.lookupURL, listingURL)
}

// lookupURL derives the v1 offer-info endpoint on the same host as base.
func lookupURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing encar base url: %w", err)
	}
	return u.Scheme + "://" + u.Host + "/api/v1/offer/info", nil
}
