package api

import (
	"time"

	"github.com/njoerd114/snapqueue/internal/model"
	"github.com/njoerd114/snapqueue/internal/store"
	"github.com/njoerd114/snapqueue/internal/view"
)

// itemJSON is the wire form of a visible item.
type itemJSON struct {
	ID            string            `json:"id"`
	State         string            `json:"state"`
	MediaURI      string            `json:"media_uri"`
	Caption       string            `json:"caption,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	LikeCount     int               `json:"like_count"`
	Liked         bool              `json:"liked"`
	Reported      bool              `json:"reported"`
	// Syncing is true while an optimistic change awaits confirmation.
	Syncing bool `json:"syncing"`
}

func toItemJSON(it model.Item) itemJSON {
	return itemJSON{
		ID:            it.ID,
		State:         it.State.String(),
		MediaURI:      it.Payload.MediaURI,
		Caption:       it.Payload.Caption,
		Metadata:      it.Payload.Metadata,
		CreatedAt:     it.CreatedAt,
		UpdatedAt:     it.UpdatedAt,
		LastAttemptAt: it.LastAttemptAt,
		Attempts:      it.Attempts,
		LastError:     it.LastError,
		LikeCount:     it.LikeCount,
		Liked:         it.Liked,
		Reported:      it.Reported,
		Syncing:       it.HasUnsyncedMutations(),
	}
}

func toItemsJSON(items []model.Item) []itemJSON {
	out := make([]itemJSON, 0, len(items))
	for _, it := range items {
		out = append(out, toItemJSON(it))
	}
	return out
}

type feedJSON struct {
	Online    bool        `json:"online"`
	Confirmed []itemJSON  `json:"confirmed"`
	Pending   []itemJSON  `json:"pending"`
	Errored   []itemJSON  `json:"errored"`
	Counts    view.Counts `json:"counts"`
}

func toFeedJSON(f view.Feed) feedJSON {
	return feedJSON{
		Online:    f.Online,
		Confirmed: toItemsJSON(f.Confirmed),
		Pending:   toItemsJSON(f.Pending),
		Errored:   toItemsJSON(f.Errored),
		Counts:    f.Counts,
	}
}

type mergeJSON struct {
	Added      int  `json:"added"`
	Refreshed  int  `json:"refreshed"`
	Promoted   int  `json:"promoted"`
	Kept       int  `json:"kept"`
	Suppressed int  `json:"suppressed"`
	HasMore    bool `json:"has_more"`
}

func toMergeJSON(st store.MergeStats, hasMore bool) mergeJSON {
	return mergeJSON{
		Added:      st.Added,
		Refreshed:  st.Refreshed,
		Promoted:   st.Promoted,
		Kept:       st.Kept,
		Suppressed: st.Suppressed,
		HasMore:    hasMore,
	}
}

type createRequest struct {
	MediaURI string            `json:"media_uri"`
	Caption  string            `json:"caption"`
	Metadata map[string]string `json:"metadata"`
}

type retryRequest struct {
	IDs []string `json:"ids"`
}
