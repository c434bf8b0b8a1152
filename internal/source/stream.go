package source

import (
	"context"
	"io"
	"sort"

	"github.com/njoerd114/listingrelay/internal/model"
)

// Page is one response of a provider change feed.
type Page struct {
	Records []model.ChangeRecord

	// Next is the change id to request for the following page. Zero means
	// the provider did not say; the stream then continues after the highest
	// id it has seen.
	Next int64

	// Last is set when the provider signals the end of the feed.
	Last bool

	// Seen is the highest change id the provider returned on this page,
	// counting entries the adapter could not convert into Records. A page
	// whose entries were all dropped is not the end of the feed, and the
	// stream's watermark moves past it.
	Seen int64
}

// PageFunc fetches the page of changes starting at from.
type PageFunc func(ctx context.Context, from int64) (Page, error)

// ChangeStream is a lazy, finite iterator over a change feed. It yields
// records in strictly increasing ChangeID order, all greater than the id the
// stream was opened with, dropping duplicates and anything already yielded.
//
// A failed fetch leaves the stream positioned on the same page, so Next can
// simply be called again.
type ChangeStream struct {
	fetch     PageFunc
	since     int64
	from      int64
	last      int64
	mark      int64
	maxPages  int
	pages     int
	done      bool
	truncated bool
}

// NewChangeStream opens a stream over fetch starting after since. maxPages
// bounds how many pages one stream will request; zero means unbounded.
func NewChangeStream(since int64, maxPages int, fetch PageFunc) (*ChangeStream, error) {
	if err := ValidateCursor(since); err != nil {
		return nil, err
	}
	return &ChangeStream{
		fetch:    fetch,
		since:    since,
		from:     since,
		last:     since,
		mark:     since,
		maxPages: maxPages,
	}, nil
}

// Next returns the next non-empty batch of records, or io.EOF once the feed
// is exhausted or the page limit is hit.
func (s *ChangeStream) Next(ctx context.Context) ([]model.ChangeRecord, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		if s.maxPages > 0 && s.pages >= s.maxPages {
			s.done = true
			s.truncated = true
			return nil, io.EOF
		}

		page, err := s.fetch(ctx, s.from)
		if err != nil {
			return nil, err
		}
		s.pages++

		recs := s.accept(page.Records)
		s.mark = max(s.mark, s.last, page.Seen)

		next := page.Next
		if next == 0 {
			next = s.mark + 1
		}
		if page.Last || (len(page.Records) == 0 && page.Seen == 0) || next <= s.from {
			s.done = true
		} else {
			s.from = next
		}

		if len(recs) > 0 {
			return recs, nil
		}
	}
}

// Since returns the change id the stream was opened with.
func (s *ChangeStream) Since() int64 { return s.since }

// Watermark returns the highest change id observed so far, including ids of
// entries that were dropped before reaching the caller. Once the stream is
// drained, a cursor may safely move up to it.
func (s *ChangeStream) Watermark() int64 { return s.mark }

// Truncated reports whether the stream stopped at the page limit while the
// provider still had more to give. The remainder is picked up by the next
// stream opened from the advanced cursor.
func (s *ChangeStream) Truncated() bool { return s.truncated }

// Pages returns how many pages have been fetched so far.
func (s *ChangeStream) Pages() int { return s.pages }

func (s *ChangeStream) accept(records []model.ChangeRecord) []model.ChangeRecord {
	sorted := make([]model.ChangeRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChangeID < sorted[j].ChangeID })

	out := sorted[:0]
	for _, rec := range sorted {
		if rec.ChangeID <= s.last {
			continue
		}
		s.last = rec.ChangeID
		out = append(out, rec)
	}
	return out
}

// Collect drains s into a slice, stopping after limit records when limit is
// positive.
func Collect(ctx context.Context, s *ChangeStream, limit int) ([]model.ChangeRecord, error) {
	var out []model.ChangeRecord
	for limit <= 0 || len(out) < limit {
		batch, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
