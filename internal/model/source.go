// Package model defines shared types used across the sync engine, adapters,
// and the normalizer.
package model

import "fmt"

// Source identifies one upstream marketplace.
type Source string

const (
	// SourceEncar is the Korean Encar marketplace.
	SourceEncar Source = "encar"
	// SourceChe168 is the Chinese che168.com marketplace.
	SourceChe168 Source = "che168"
	// SourceDongchedi is the Chinese dongchedi.com marketplace.
	SourceDongchedi Source = "dongchedi"
)

// Sources lists every known marketplace in a stable order.
var Sources = []Source{SourceChe168, SourceDongchedi, SourceEncar}

// IsValid reports whether s is one of the known marketplaces.
func (s Source) IsValid() bool {
	switch s {
	case SourceEncar, SourceChe168, SourceDongchedi:
		return true
	default:
		return false
	}
}

// String returns the source tag.
func (s Source) String() string { return string(s) }

// ParseSource converts a user-supplied tag into a Source.
func ParseSource(raw string) (Source, error) {
	s := Source(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown source %q", raw)
	}
	return s, nil
}
