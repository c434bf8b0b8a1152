// Package che168 adapts the che168.com (China) feed served by auto-api.com to
// the source.Adapter contract.
package che168

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
const DefaultBaseURL = "https://api1.auto-api.com/api/v2/che168"

// Options configures the adapter.
type Options struct {
	autoapi.Options

	// MaxPages bounds how many change pages one drain requests.
	MaxPages int
}

// Adapter serves the che168 marketplace.
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
		return nil, fmt.Errorf("che168 client: %w", err)
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing che168 base url: %w", err)
	}
	return &Adapter{
		Feed:      autoapi.NewFeed(client, model.SourceChe168, opts.MaxPages, logger),
		lookupURL: u.Scheme + "://" + u.Host + "/api/v1/offer/info",
	}, nil
}

// Source returns model.SourceChe168.
func (a *Adapter) Source() model.Source { return model.SourceChe168 }

// Filters fetches the mark → model list taxonomy. che168 publishes no trims.
func (a *Adapter) Filters(ctx context.Context) (model.FilterTaxonomy, error) {
	var resp filtersResponse
	if err := a.Client().Get(ctx, "/filters", nil, &resp); err != nil {
		return model.FilterTaxonomy{}, fmt.Errorf("fetching che168 filters: %w", err)
	}
	return resp.taxonomy(), nil
}

// OfferByURL resolves a public che168.com listing URL to its raw offer.
func (a *Adapter) OfferByURL(ctx context.Context, listingURL string) (json.RawMessage, error) {
	return a.Client().OfferInfo(ctx, a.lookupURL, listingURL)
}
