package autoapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
)

// ChangeEntry is one element of the /changes result array.
type ChangeEntry struct {
	ID         int64           `json:"id"`
	InnerID    string          `json:"inner_id"`
	ChangeType string          `json:"change_type"`
	CreatedAt  string          `json:"created_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ChangesMeta is the pagination block of /changes. NextChangeID is nil when
// the provider has nothing further.
type ChangesMeta struct {
	CurChangeID  int64  `json:"cur_change_id"`
	NextChangeID *int64 `json:"next_change_id"`
	Limit        int    `json:"limit"`
}

// ChangesResponse is the /changes document.
type ChangesResponse struct {
	Result []ChangeEntry `json:"result"`
	Meta   ChangesMeta   `json:"meta"`
}

type changeIDResponse struct {
	ChangeID *int64 `json:"change_id"`
}

// ChangeID calls GET /change_id?date=. The date is validated before any
// request is made.
func (c *Client) ChangeID(ctx context.Context, date string) (int64, error) {
	if err := source.ValidateDate(date); err != nil {
		return 0, err
	}
	var resp changeIDResponse
	err := c.Get(ctx, "/change_id", url.Values{"date": {date}}, &resp)
	var se *StatusError
	if errors.As(err, &se) {
		return 0, fmt.Errorf("%w: provider rejected %q: %v", source.ErrInvalidDate, date, se)
	}
	if err != nil {
		return 0, fmt.Errorf("fetching change id for %s: %w", date, err)
	}
	if resp.ChangeID == nil {
		return 0, fmt.Errorf("%w: change_id missing from response", source.ErrUpstreamUnavailable)
	}
	return *resp.ChangeID, nil
}

// Changes calls GET /changes?change_id=from.
func (c *Client) Changes(ctx context.Context, from int64) (ChangesResponse, error) {
	var resp ChangesResponse
	err := c.Get(ctx, "/changes", url.Values{"change_id": {strconv.FormatInt(from, 10)}}, &resp)
	var se *StatusError
	if errors.As(err, &se) {
		return ChangesResponse{}, fmt.Errorf("%w: provider rejected change_id %d: %v", source.ErrInvalidCursor, from, se)
	}
	if err != nil {
		return ChangesResponse{}, fmt.Errorf("fetching changes from %d: %w", from, err)
	}
	return resp, nil
}

// Offer calls GET /offer?inner_id=. The offer object is unwrapped from a
// {"data": {...}} envelope when the provider uses one.
func (c *Client) Offer(ctx context.Context, innerID string) (json.RawMessage, error) {
	if innerID == "" {
		return nil, fmt.Errorf("%w: inner_id is required", source.ErrInputValidation)
	}
	var raw json.RawMessage
	err := c.Get(ctx, "/offer", url.Values{"inner_id": {innerID}}, &raw)
	if errors.Is(err, source.ErrNotFound) {
		return nil, fmt.Errorf("offer %s: %w", innerID, source.ErrNotFound)
	}
	var se *StatusError
	if errors.As(err, &se) {
		return nil, fmt.Errorf("%w: offer %s: %v", source.ErrInputValidation, innerID, se)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching offer %s: %w", innerID, err)
	}
	return unwrapOffer(raw)
}

// OfferInfo calls the v1 POST /offer/info lookup that resolves a public
// listing URL. endpoint is the absolute lookup URL.
func (c *Client) OfferInfo(ctx context.Context, endpoint, listingURL string) (json.RawMessage, error) {
	if _, err := url.ParseRequestURI(listingURL); err != nil {
		return nil, fmt.Errorf("%w: listing url %q", source.ErrInputValidation, listingURL)
	}
	var raw json.RawMessage
	err := c.Post(ctx, endpoint, map[string]string{"url": listingURL}, &raw)
	if errors.Is(err, source.ErrNotFound) {
		return nil, fmt.Errorf("listing %s: %w", listingURL, source.ErrNotFound)
	}
	var se *StatusError
	if errors.As(err, &se) {
		return nil, fmt.Errorf("%w: listing %s: %v", source.ErrInputValidation, listingURL, se)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving listing %s: %w", listingURL, err)
	}
	return unwrapOffer(raw)
}

func unwrapOffer(raw json.RawMessage) (json.RawMessage, error) {
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: offer is not an object", source.ErrUpstreamUnavailable)
	}
	if doc.Get("inner_id").Exists() {
		return raw, nil
	}
	if data := doc.Get("data"); data.IsObject() {
		return json.RawMessage(data.Raw), nil
	}
	return raw, nil
}

// Operation maps the provider change_type onto the shared vocabulary.
func (e ChangeEntry) Operation() (model.Operation, error) {
	switch e.ChangeType {
	case "added":
		return model.OpAdd, nil
	case "changed":
		return model.OpUpdate, nil
	case "removed":
		return model.OpDelete, nil
	default:
		return "", fmt.Errorf("unknown change_type %q", e.ChangeType)
	}
}

// Record converts the entry to a ChangeRecord. Update payloads that lack the
// identifying offer fields (price-only deltas) are marked Partial.
func (e ChangeEntry) Record() (model.ChangeRecord, error) {
	op, err := e.Operation()
	if err != nil {
		return model.ChangeRecord{}, fmt.Errorf("change %d: %w", e.ID, err)
	}
	rec := model.ChangeRecord{
		ChangeID:   e.ID,
		Operation:  op,
		ExternalID: e.InnerID,
	}
	if op == model.OpDelete {
		return rec, nil
	}
	if len(e.Data) > 0 && gjson.ValidBytes(e.Data) && gjson.ParseBytes(e.Data).IsObject() {
		rec.Payload = e.Data
		rec.Partial = !gjson.GetBytes(e.Data, "mark").Exists()
	}
	return rec, nil
}

// Records converts a page of entries, dropping entries whose change_type is
// unknown. The dropped count is returned for logging.
func Records(entries []ChangeEntry) ([]model.ChangeRecord, int) {
	out := make([]model.ChangeRecord, 0, len(entries))
	dropped := 0
	for _, e := range entries {
		rec, err := e.Record()
		if err != nil || rec.ExternalID == "" {
			dropped++
			continue
		}
		out = append(out, rec)
	}
	return out, dropped
}

// Feed implements the change-feed half of source.Adapter on top of a Client.
// Marketplace adapters embed it and add Source and Filters.
type Feed struct {
	client   *Client
	src      model.Source
	maxPages int
	log      *slog.Logger
}

// NewFeed wraps client. maxPages bounds one drain; zero means unbounded.
func NewFeed(client *Client, src model.Source, maxPages int, logger *slog.Logger) *Feed {
	return &Feed{client: client, src: src, maxPages: maxPages, log: logger}
}

// Client returns the underlying HTTP client.
func (f *Feed) Client() *Client { return f.client }

// ChangeIDForDate returns the earliest change id at or after date.
func (f *Feed) ChangeIDForDate(ctx context.Context, date string) (int64, error) {
	return f.client.ChangeID(ctx, date)
}

// Changes opens a paginated stream starting after since.
func (f *Feed) Changes(_ context.Context, since int64) (*source.ChangeStream, error) {
	return source.NewChangeStream(since, f.maxPages, f.page)
}

// OfferByExternalID fetches one raw offer.
func (f *Feed) OfferByExternalID(ctx context.Context, externalID string) (json.RawMessage, error) {
	return f.client.Offer(ctx, externalID)
}

func (f *Feed) page(ctx context.Context, from int64) (source.Page, error) {
	resp, err := f.client.Changes(ctx, from)
	if err != nil {
		return source.Page{}, err
	}
	recs, dropped := Records(resp.Result)
	if dropped > 0 {
		f.log.Warn("dropped unrecognised change entries", "source", f.src, "from", from, "count", dropped)
	}
	page := source.Page{Records: recs}
	for _, e := range resp.Result {
		page.Seen = max(page.Seen, e.ID)
	}
	if resp.Meta.NextChangeID == nil {
		page.Last = true
	} else {
		page.Next = *resp.Meta.NextChangeID
	}
	return page, nil
}

// UniqueSorted trims values, drops empties and duplicates, and sorts.
func UniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
