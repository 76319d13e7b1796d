// Package view derives what the user should see right now from a store
// snapshot. Every function here is pure; removed items never appear and
// order follows store arrival.
package view

import (
	"sort"

	"github.com/njoerd114/snapqueue/internal/model"
)

// Counts is the number of visible items per partition.
type Counts struct {
	Confirmed int `json:"confirmed"`
	Pending   int `json:"pending"`
	Errored   int `json:"errored"`
}

// Feed is the full consumer view at one instant.
type Feed struct {
	Online    bool         `json:"online"`
	Confirmed []model.Item `json:"confirmed"`
	Pending   []model.Item `json:"pending"`
	Errored   []model.Item `json:"errored"`
	Counts    Counts       `json:"counts"`
}

// Confirmed returns the visible confirmed items in arrival order.
func Confirmed(items []model.Item) []model.Item {
	return filter(items, model.StateConfirmed)
}

// Pending returns the visible items waiting for their first or next upload.
func Pending(items []model.Item) []model.Item {
	return filter(items, model.StatePending)
}

// Errored returns the visible items whose last upload failed.
func Errored(items []model.Item) []model.Item {
	return filter(items, model.StateErrored)
}

// CountItems tallies visible items per partition.
func CountItems(items []model.Item) Counts {
	var c Counts
	for i := range items {
		if items[i].Removed {
			continue
		}
		switch items[i].State {
		case model.StateConfirmed:
			c.Confirmed++
		case model.StatePending:
			c.Pending++
		case model.StateErrored:
			c.Errored++
		}
	}
	return c
}

func filter(items []model.Item, state model.State) []model.Item {
	out := make([]model.Item, 0)
	for i := range items {
		if items[i].State == state && !items[i].Removed {
			out = append(out, items[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Source supplies snapshots and connectivity.
// Implemented by [sync.Engine].
type Source interface {
	Snapshot() []model.Item
	Online() bool
}

// Projector answers consumer reads over a [Source].
type Projector struct {
	src Source
}

// NewProjector creates a Projector reading from src.
func NewProjector(src Source) *Projector {
	return &Projector{src: src}
}

func (p *Projector) ConfirmedItems() []model.Item { return Confirmed(p.src.Snapshot()) }
func (p *Projector) PendingItems() []model.Item   { return Pending(p.src.Snapshot()) }
func (p *Projector) ErroredItems() []model.Item   { return Errored(p.src.Snapshot()) }
func (p *Projector) IsOnline() bool               { return p.src.Online() }

// Counts tallies the current snapshot.
func (p *Projector) Counts() Counts {
	return CountItems(p.src.Snapshot())
}

// Feed builds every list from a single snapshot so they are mutually
// consistent.
func (p *Projector) Feed() Feed {
	items := p.src.Snapshot()
	return Feed{
		Online:    p.src.Online(),
		Confirmed: Confirmed(items),
		Pending:   Pending(items),
		Errored:   Errored(items),
		Counts:    CountItems(items),
	}
}
