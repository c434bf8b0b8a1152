// Package source defines the contract every marketplace adapter implements,
// the error taxonomy shared by adapters and the sync engine, and the registry
// that maps source tags to adapters.
//
// Adapters are stateless request translators: they never mutate shared state
// and are safe for concurrent use.
package source

import (
	"context"
	"encoding/json"

	"github.com/njoerd114/listingrelay/internal/model"
)

// Adapter is the capability set every marketplace exposes.
type Adapter interface {
	// Source returns the tag of the marketplace this adapter serves.
	Source() model.Source

	// Filters returns the full current filter taxonomy.
	Filters(ctx context.Context) (model.FilterTaxonomy, error)

	// ChangeIDForDate returns the earliest change id at or after date
	// (yyyy-mm-dd). Used only to seed a new cursor.
	ChangeIDForDate(ctx context.Context, date string) (int64, error)

	// Changes opens a lazy, finite stream of change records with ids strictly
	// greater than since.
	Changes(ctx context.Context, since int64) (*ChangeStream, error)

	// OfferByExternalID fetches a single raw offer.
	OfferByExternalID(ctx context.Context, externalID string) (json.RawMessage, error)
}

// URLResolver is implemented by adapters that can look an offer up by its
// public listing URL.
type URLResolver interface {
	OfferByURL(ctx context.Context, listingURL string) (json.RawMessage, error)
}
