// Package normalize maps raw provider offers onto the canonical
// model.Vehicle. It is the validation boundary for upstream data: anything
// that cannot be read into the canonical shape fails with ErrMalformedOffer.
//
// Normalisation performs no I/O. The same (source, offer) input always yields
// the same Vehicle apart from UpdatedAt.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/njoerd114/listingrelay/internal/model"
)

// ErrMalformedOffer is returned for offers missing identifying fields or
// carrying values of the wrong shape.
var ErrMalformedOffer = errors.New("malformed offer")

// Options configures a Normalizer.
type Options struct {
	// ExtraImageHosts extends the built-in CDN allow-list per source. Entries
	// are glob patterns such as "*.example-cdn.com".
	ExtraImageHosts map[model.Source][]string

	// Now stamps UpdatedAt. Defaults to time.Now.
	Now func() time.Time
}

// Result is the outcome of normalising one offer.
type Result struct {
	Vehicle model.Vehicle

	// RejectedImages lists image URLs dropped by the allow-list, for logging.
	RejectedImages []string
}

// Normalizer converts raw offers to canonical vehicles. It is safe for
// concurrent use.
type Normalizer struct {
	hosts map[model.Source][]string
	now   func() time.Time
}

// New builds a Normalizer.
func New(opts Options) *Normalizer {
	hosts := make(map[model.Source][]string, len(defaultImageHosts))
	for src, patterns := range defaultImageHosts {
		hosts[src] = append(append([]string(nil), patterns...), opts.ExtraImageHosts[src]...)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Normalizer{hosts: hosts, now: now}
}

// Normalize maps raw into a Vehicle for src.
func (n *Normalizer) Normalize(src model.Source, raw json.RawMessage) (Result, error) {
	prof, ok := profiles[src]
	if !ok {
		return Result{}, fmt.Errorf("no mapping for source %q", src)
	}
	if !gjson.ValidBytes(raw) {
		return Result{}, fmt.Errorf("%w: invalid json", ErrMalformedOffer)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Result{}, fmt.Errorf("%w: offer is not an object", ErrMalformedOffer)
	}

	externalID := text(doc.Get("inner_id"))
	if externalID == "" {
		return Result{}, fmt.Errorf("%w: inner_id is required", ErrMalformedOffer)
	}
	mk := text(doc.Get("mark"))
	mdl := text(doc.Get("model"))
	if mk == "" || mdl == "" {
		return Result{}, fmt.Errorf("%w: %s: mark and model are required", ErrMalformedOffer, externalID)
	}

	price, err := prof.price(doc)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrMalformedOffer, externalID, err)
	}

	year, err := optionalInt(doc.Get("year"))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: year: %v", ErrMalformedOffer, externalID, err)
	}
	mileage, err := optionalInt(first(doc, "km_age", "mileage"))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: km_age: %v", ErrMalformedOffer, externalID, err)
	}
	engineCC, err := displacementCC(first(doc, "displacement", "engine_volume"))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: displacement: %v", ErrMalformedOffer, externalID, err)
	}

	images, rejected := filterImages(imageList(doc.Get("images")), n.hosts[src])

	v := model.Vehicle{
		ID:            model.VehicleID(src, externalID),
		Source:        src,
		ExternalID:    externalID,
		Make:          mk,
		Model:         mdl,
		Trim:          text(first(doc, prof.trimFields...)),
		PriceAmount:   price,
		PriceCurrency: prof.currency,
		Images:        images,
		Attributes:    attributes(doc),
		Year:          year,
		MileageKm:     mileage,
		EngineCC:      engineCC,
		SourceURL:     strings.TrimSpace(doc.Get("url").String()),
		IsVisible:     price.IsPositive() && len(images) > 0,
		UpdatedAt:     n.now().UTC(),
	}
	return Result{Vehicle: v, RejectedImages: rejected}, nil
}

// --- per-source profiles ---------------------------------------------------

type profile struct {
	currency   string
	trimFields []string
	price      func(doc gjson.Result) (decimal.Decimal, error)
}

var (
	tenThousand = decimal.NewFromInt(10_000)

	profiles = map[model.Source]profile{
		model.SourceEncar: {
			currency:   "KRW",
			trimFields: []string{"complectation", "configuration"},
			price:      encarPrice,
		},
		model.SourceChe168: {
			currency:   "CNY",
			trimFields: []string{"complectation"},
			price:      plainPrice,
		},
		model.SourceDongchedi: {
			currency:   "CNY",
			trimFields: []string{"complectation"},
			price:      plainPrice,
		},
	}
)

// encarPrice prefers price_won (full KRW); price is quoted in 10,000 KRW.
func encarPrice(doc gjson.Result) (decimal.Decimal, error) {
	if won := doc.Get("price_won"); present(won) {
		return amount(won)
	}
	units, err := amount(doc.Get("price"))
	if err != nil {
		return decimal.Zero, err
	}
	return units.Mul(tenThousand), nil
}

func plainPrice(doc gjson.Result) (decimal.Decimal, error) {
	return amount(doc.Get("price"))
}

// --- field helpers ---------------------------------------------------------

func present(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null && strings.TrimSpace(r.String()) != ""
}

func first(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := doc.Get(p); present(r) {
			return r
		}
	}
	return gjson.Result{}
}

// text reads a scalar as a string with surrounding and repeated inner
// whitespace collapsed.
func text(r gjson.Result) string {
	if !present(r) || r.IsObject() || r.IsArray() {
		return ""
	}
	return strings.Join(strings.Fields(r.String()), " ")
}

// amount parses a non-negative price given as a number or numeric string.
// Absent prices are zero.
func amount(r gjson.Result) (decimal.Decimal, error) {
	if !present(r) {
		return decimal.Zero, nil
	}
	s := strings.NewReplacer(",", "", " ", "").Replace(r.String())
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %q is not numeric", r.String())
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("price %s is negative", d)
	}
	return d, nil
}

func optionalFloat(r gjson.Result) (float64, error) {
	if !present(r) {
		return 0, nil
	}
	if r.Type == gjson.Number {
		return r.Num, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(r.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not numeric", r.String())
	}
	return f, nil
}

func optionalInt(r gjson.Result) (int, error) {
	f, err := optionalFloat(r)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("%v is negative", f)
	}
	return int(math.Round(f)), nil
}

// displacementCC accepts cubic centimetres or litres; values under 20 are
// read as litres.
func displacementCC(r gjson.Result) (int, error) {
	f, err := optionalFloat(r)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("%v is negative", f)
	}
	if f > 0 && f < 20 {
		f *= 1000
	}
	return int(math.Round(f)), nil
}
