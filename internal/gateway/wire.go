package gateway

import (
	"time"

	"github.com/njoerd114/snapqueue/internal/model"
)

// wireItem is the JSON representation of an item on the remote API.
type wireItem struct {
	ID        string            `json:"id"`
	MediaURI  string            `json:"media_uri"`
	Caption   string            `json:"caption,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	LikeCount int               `json:"like_count"`
	Liked     bool              `json:"liked"`
	Reported  bool              `json:"reported"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type wireCreate struct {
	ID       string            `json:"id"`
	MediaURI string            `json:"media_uri"`
	Caption  string            `json:"caption,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	TakenAt  time.Time         `json:"taken_at"`
}

type wirePage struct {
	Items      []wireItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// toModel converts a server record into a confirmed model.Item.
func (w wireItem) toModel() model.Item {
	updated := w.UpdatedAt
	if updated.IsZero() {
		updated = w.CreatedAt
	}
	return model.Item{
		ID: w.ID,
		Payload: model.Payload{
			MediaURI: w.MediaURI,
			Caption:  w.Caption,
			Metadata: w.Metadata,
		},
		State:     model.StateConfirmed,
		CreatedAt: w.CreatedAt,
		UpdatedAt: updated,
		LikeCount: w.LikeCount,
		Liked:     w.Liked,
		Reported:  w.Reported,
	}
}

func (p wirePage) toPage() Page {
	items := make([]model.Item, 0, len(p.Items))
	for _, w := range p.Items {
		if w.ID == "" {
			continue
		}
		items = append(items, w.toModel())
	}
	return Page{Items: items, NextCursor: p.NextCursor}
}
