package model

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a change record describes.
type Operation string

const (
	OpAdd    Operation = "add"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeRecord is one entry of a provider change feed.
type ChangeRecord struct {
	// ChangeID is strictly increasing within one source's feed.
	ChangeID int64 `json:"change_id"`

	Operation  Operation `json:"operation"`
	ExternalID string    `json:"external_id"`

	// Payload is the raw provider offer. Absent for deletes.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Partial is set when Payload carries only a delta (for example a price
	// change) and the full offer must be fetched before normalising.
	Partial bool `json:"partial,omitempty"`
}

// NeedsHydration reports whether the full offer has to be fetched before the
// record can be normalised.
func (c ChangeRecord) NeedsHydration() bool {
	if c.Operation == OpDelete {
		return false
	}
	return c.Partial || len(c.Payload) == 0 || string(c.Payload) == "null"
}

// ChangeCursor is the durable per-source watermark of the last applied change.
type ChangeCursor struct {
	Source       Source    `json:"source"`
	LastChangeID int64     `json:"last_change_id"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}
