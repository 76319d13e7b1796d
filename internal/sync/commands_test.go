package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/snapqueue/internal/gateway"
	"github.com/njoerd114/snapqueue/internal/model"
)

func TestLikeCommands_ApplyThenCompensateRestores(t *testing.T) {
	orig := model.Item{ID: "c3", State: model.StateConfirmed, LikeCount: 4}
	it := orig

	require.NoError(t, applyLike(true)(&it))
	assert.True(t, it.Liked)
	assert.Equal(t, 5, it.LikeCount)
	assert.Equal(t, 1, it.LikePending)

	require.NoError(t, compensateLike(true)(&it))
	assert.Equal(t, orig, it)
}

func TestLikeCommands_CompensateSkipsSupersededValue(t *testing.T) {
	it := model.Item{ID: "c3", State: model.StateConfirmed, LikeCount: 4}
	require.NoError(t, applyLike(true)(&it))
	require.NoError(t, applyLike(false)(&it))

	// The first like failed; the visible value already reflects the second.
	require.NoError(t, compensateLike(true)(&it))
	assert.False(t, it.Liked)
	assert.Equal(t, 4, it.LikeCount)
	assert.Equal(t, 1, it.LikePending)
}

func TestLikeCommands_CountNeverNegative(t *testing.T) {
	it := model.Item{ID: "c3", State: model.StateConfirmed, Liked: true}
	require.NoError(t, applyLike(false)(&it))
	assert.Zero(t, it.LikeCount)
}

func TestLikeCommands_ConfirmAdoptsServerOnLastPending(t *testing.T) {
	it := model.Item{ID: "c3", State: model.StateConfirmed, LikeCount: 4}
	require.NoError(t, applyLike(true)(&it))
	require.NoError(t, applyLike(false)(&it))

	require.NoError(t, confirmLike(gateway.LikeState{Liked: true, LikeCount: 9})(&it))
	assert.False(t, it.Liked, "a later like is still in flight")
	assert.Equal(t, 4, it.LikeCount)

	require.NoError(t, confirmLike(gateway.LikeState{Liked: false, LikeCount: 8})(&it))
	assert.False(t, it.Liked)
	assert.Equal(t, 8, it.LikeCount)
	assert.Zero(t, it.LikePending)
}

func TestApplyRequiresConfirmed(t *testing.T) {
	it := model.Item{ID: "q", State: model.StatePending}
	assert.ErrorIs(t, applyLike(true)(&it), ErrNotConfirmed)
	assert.ErrorIs(t, applyReport(&it), ErrNotConfirmed)

	it.State = model.StateConfirmed
	require.NoError(t, applyReport(&it))
	assert.True(t, it.Reported)
	assert.True(t, it.ReportPending)
	require.NoError(t, confirmReport(&it))
	assert.True(t, it.Reported)
	assert.False(t, it.ReportPending)
}
