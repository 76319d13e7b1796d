// Package model defines shared types used across the sync engine, the item
// store, and the remote gateway.
package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// State is the lifecycle partition an item currently lives in.
type State int

const (
	// StateConfirmed means the remote service acknowledges the item.
	StateConfirmed State = iota
	// StatePending means the item was authored locally and not yet uploaded.
	StatePending
	// StateErrored means the most recent upload attempt failed.
	StateErrored
)

// String returns the lower-case label for the state.
func (s State) String() string {
	switch s {
	case StateConfirmed:
		return "confirmed"
	case StatePending:
		return "pending"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState maps a label produced by [State.String] back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "confirmed":
		return StateConfirmed, nil
	case "pending":
		return StatePending, nil
	case "errored":
		return StateErrored, nil
	default:
		return 0, fmt.Errorf("unknown item state %q", s)
	}
}

const (
	// MaxCaptionLength is the caption limit in runes.
	MaxCaptionLength = 2200
	// MaxMetadataEntries caps the number of metadata keys on a payload.
	MaxMetadataEntries = 32
)

// Payload is the domain content of an item: a media reference plus caption
// and free-form metadata. The engine only validates it.
type Payload struct {
	MediaURI string            `json:"media_uri"`
	Caption  string            `json:"caption,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the payload before any network call is attempted.
func (p Payload) Validate() error {
	if p.MediaURI == "" {
		return &ValidationError{Field: "media_uri", Reason: "is required"}
	}
	if n := utf8.RuneCountInString(p.Caption); n > MaxCaptionLength {
		return &ValidationError{Field: "caption", Reason: fmt.Sprintf("is %d characters (maximum %d)", n, MaxCaptionLength)}
	}
	if len(p.Metadata) > MaxMetadataEntries {
		return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("has %d entries (maximum %d)", len(p.Metadata), MaxMetadataEntries)}
	}
	for k := range p.Metadata {
		if k == "" {
			return &ValidationError{Field: "metadata", Reason: "contains an empty key"}
		}
	}
	return nil
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	cp := p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Item is a single photograph record tracked by the queue.
type Item struct {
	// ID is assigned client-side at creation and never reassigned.
	ID string

	Payload Payload
	State   State

	// CreatedAt and UpdatedAt come from the server for confirmed items and
	// from the local clock for queued ones.
	CreatedAt time.Time
	UpdatedAt time.Time

	// LastAttemptAt is nil until the first upload attempt.
	LastAttemptAt *time.Time
	Attempts      int
	LastError     string

	LikeCount int
	Liked     bool
	Reported  bool
	Removed   bool

	// Pending-confirmation flags for optimistic mutations. LikePending counts
	// outstanding like confirmations.
	LikePending   int
	ReportPending bool
	RemovePending bool

	// Seq is the store arrival order; zero until the item is stored.
	Seq uint64
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	cp := *i
	cp.Payload = i.Payload.Clone()
	if i.LastAttemptAt != nil {
		t := *i.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	return &cp
}

// HasUnsyncedMutations reports whether a local optimistic change on the item
// has not been confirmed by the server yet.
func (i *Item) HasUnsyncedMutations() bool {
	return i.LikePending > 0 || i.ReportPending || i.RemovePending
}

// Queued reports whether the item is still waiting for a successful upload.
func (i *Item) Queued() bool {
	return i.State == StatePending || i.State == StateErrored
}
