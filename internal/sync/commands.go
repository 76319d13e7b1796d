package sync

import (
	"github.com/njoerd114/snapqueue/internal/gateway"
	"github.com/njoerd114/snapqueue/internal/model"
)

// The functions below are the local halves of optimistic commands. Each is a
// pure transition over one item, applied through store.Update.

// applyLike flips the like fields to liked and marks the change unconfirmed.
func applyLike(liked bool) func(*model.Item) error {
	return func(it *model.Item) error {
		if it.State != model.StateConfirmed {
			return ErrNotConfirmed
		}
		if it.Liked != liked {
			it.LikeCount += likeDelta(liked)
			if it.LikeCount < 0 {
				it.LikeCount = 0
			}
		}
		it.Liked = liked
		it.LikePending++
		return nil
	}
}

// confirmLike settles one like confirmation. Server values are adopted only
// once no other like on the item is still in flight.
func confirmLike(ls gateway.LikeState) func(*model.Item) error {
	return func(it *model.Item) error {
		if it.LikePending > 0 {
			it.LikePending--
		}
		if it.LikePending == 0 {
			it.Liked = ls.Liked
			it.LikeCount = ls.LikeCount
		}
		return nil
	}
}

// compensateLike undoes a failed like. A later toggle that already changed
// the visible value is left alone; its own confirmation decides.
func compensateLike(liked bool) func(*model.Item) error {
	return func(it *model.Item) error {
		if it.LikePending > 0 {
			it.LikePending--
		}
		if it.Liked == liked {
			it.Liked = !liked
			it.LikeCount -= likeDelta(liked)
			if it.LikeCount < 0 {
				it.LikeCount = 0
			}
		}
		return nil
	}
}

func likeDelta(liked bool) int {
	if liked {
		return 1
	}
	return -1
}

// applyReport flags the item as reported pending confirmation.
func applyReport(it *model.Item) error {
	if it.State != model.StateConfirmed {
		return ErrNotConfirmed
	}
	it.Reported = true
	it.ReportPending = true
	return nil
}

// confirmReport clears the pending flag; the report itself stays.
func confirmReport(it *model.Item) error {
	it.ReportPending = false
	return nil
}
