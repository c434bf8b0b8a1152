package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Attribute names used in Vehicle.Attributes.
const (
	AttrTransmission = "transmission"
	AttrBodyType     = "bodyType"
	AttrEngineType   = "engineType"
	AttrDriveType    = "driveType"
	AttrColor        = "color"
)

// Vehicle is the canonical representation every provider offer is normalised
// into. (Source, ExternalID) identifies at most one live row.
type Vehicle struct {
	// ID is the stable surrogate key. It never changes across updates to the
	// same (Source, ExternalID).
	ID uuid.UUID

	// Source is the marketplace the offer came from.
	Source Source

	// ExternalID is the provider-native identifier, unique per source.
	ExternalID string

	Make  string
	Model string
	Trim  string

	// PriceAmount is expressed in whole units of PriceCurrency (ISO 4217).
	PriceAmount   decimal.Decimal
	PriceCurrency string

	// Images holds validated image URLs in provider order.
	Images []string

	// Attributes maps normalised attribute names (AttrTransmission, ...) to
	// values from the shared vocabulary.
	Attributes map[string]string

	Year      int
	MileageKm int
	EngineCC  int
	SourceURL string

	// IsVisible is false for listings that should not be shown to buyers
	// (no price or no usable photo).
	IsVisible bool

	// UpdatedAt is stamped at normalisation time and drives last-writer-wins
	// in the vehicle store.
	UpdatedAt time.Time

	// DeletedAt is the tombstone marker. Nil means live.
	DeletedAt *time.Time
}

// ContentHash returns a deterministic SHA-256 hex digest of every canonical
// field except the timestamps, so identical offers hash identically.
func (v *Vehicle) ContentHash() string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s|", v.ID, v.Source, v.ExternalID,
		v.Make, v.Model, v.Trim, v.PriceAmount.String(), v.PriceCurrency)
	for _, img := range v.Images {
		h.Write([]byte(img))
		h.Write([]byte{0})
	}
	h.Write([]byte("|"))
	keys := make([]string, 0, len(v.Attributes))
	for k := range v.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(h, "%s=%s;", k, v.Attributes[k])
	}
	_, _ = fmt.Fprintf(h, "|%d|%d|%d|%s|%t", v.Year, v.MileageKm, v.EngineCC, v.SourceURL, v.IsVisible)
	return hex.EncodeToString(h.Sum(nil))
}

// vehicleNamespace scopes the name-based UUIDs handed out to vehicles.
var vehicleNamespace = uuid.MustParse("6f1b5c8e-2d4a-4c1e-9a7b-3e5d8f0c2b41")

// VehicleID returns the canonical id for (source, externalID). The same pair
// always yields the same id.
func VehicleID(source Source, externalID string) uuid.UUID {
	return uuid.NewSHA1(vehicleNamespace, []byte(string(source)+":"+externalID))
}
