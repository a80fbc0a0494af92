package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueStatusTerminal(t *testing.T) {
	assert.False(t, QueueWaiting.Terminal())
	assert.False(t, QueuePlaying.Terminal())
	assert.True(t, QueueCompleted.Terminal())
	assert.True(t, QueueSkipped.Terminal())
}

func TestQueueEntryDuration(t *testing.T) {
	assert.Equal(t, 245*time.Second, (&QueueEntry{DurationSeconds: 245}).Duration())
	assert.Zero(t, (&QueueEntry{}).Duration())
}

func TestPlayHistoryPercentages(t *testing.T) {
	h := &PlayHistory{ParticipantCount: 4, UpvoteCount: 3, SkipVoteCount: 1}
	assert.InDelta(t, 75.0, h.UpvotePercentage(), 1e-9)
	assert.InDelta(t, 25.0, h.SkipPercentage(), 1e-9)

	empty := &PlayHistory{UpvoteCount: 2}
	assert.Zero(t, empty.UpvotePercentage())
	assert.Zero(t, empty.SkipPercentage())
}
