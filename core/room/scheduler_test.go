package room

import (
	"context"
	"fmt"
	"testing"
	"time"

	"worshiproom/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickReapsAFKParticipants(t *testing.T) {
	f := newFixture(t)
	room := f.liveRoom("Idle")
	a := f.join(alice, room.ID)
	f.join(bob, room.ID)
	mod := f.join(admin, room.ID)

	sub, _, err := f.m.Subscribe(f.ctx, alice, room.ID)
	require.NoError(t, err)

	f.clock.Add(20 * time.Minute)
	require.NoError(t, f.m.Heartbeat(f.ctx, bob, room.ID))
	require.NoError(t, f.m.Heartbeat(f.ctx, admin, room.ID))
	f.clock.Add(11 * time.Minute)
	f.tick()

	snap := f.snapshot(room.ID)
	var present []string
	for _, p := range snap.Participants {
		present = append(present, p.UserID)
	}
	assert.ElementsMatch(t, []string{bob.UserID, admin.UserID}, present)

	// the idle leader was reaped too
	require.NotNil(t, snap.Room.CurrentLeaderID)
	assert.Equal(t, mod.ID, *snap.Room.CurrentLeaderID)

	var reasons []string
	for _, ev := range drain(sub) {
		if ev.Type != EventParticipantLeft {
			continue
		}
		var data ParticipantData
		decodeData(t, ev, &data)
		reasons = append(reasons, data.Reason)
	}
	assert.Contains(t, reasons, ReasonAFK)
	assert.ErrorIs(t, sub.Err(), ErrSubscriptionLeft)

	stored, _ := f.repo.Participant(a.ID)
	assert.False(t, stored.IsActive)
	assert.NotNil(t, stored.LeftAt)
	assert.ErrorIs(t, f.m.Heartbeat(f.ctx, alice, room.ID), ErrNotFound)
	f.checkInvariants(room.ID)
}

func TestTickReapingRechecksSkipThreshold(t *testing.T) {
	f := newFixture(t)
	room := f.liveRoom("Thinning")
	f.join(alice, room.ID)
	f.join(bob, room.ID)
	f.join(carol, room.ID)
	// unknown duration so the entry outlives the AFK timeout
	a := f.enqueue(owner, room.ID, "vid-stream", 0)
	f.command(owner, room.ID, Command{Action: ActionPlay})
	_, err := f.m.Vote(f.ctx, alice, room.ID, a.ID, model.VoteSkip)
	require.NoError(t, err)

	f.clock.Add(20 * time.Minute)
	require.NoError(t, f.m.Heartbeat(f.ctx, owner, room.ID))
	require.NoError(t, f.m.Heartbeat(f.ctx, alice, room.ID))
	f.clock.Add(11 * time.Minute)
	f.tick()

	snap := f.snapshot(room.ID)
	assert.Len(t, snap.Participants, 2)
	assert.Nil(t, snap.Current)

	history, err := f.m.History(f.ctx, room.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].WasSkipped)
}

func TestTickCoversEveryRoom(t *testing.T) {
	f := newFixture(t)
	var rooms []*model.Room
	for i := 0; i < 6; i++ {
		room := f.liveRoom(fmt.Sprintf("Room %d", i))
		f.enqueue(owner, room.ID, "vid-a", 60)
		f.enqueue(owner, room.ID, "vid-b", 60)
		f.command(owner, room.ID, Command{Action: ActionPlay})
		rooms = append(rooms, room)
	}

	f.clock.Add(62 * time.Second)
	NewScheduler(f.m, time.Second, time.Second, 2).Tick(f.ctx)

	for _, room := range rooms {
		snap := f.snapshot(room.ID)
		require.NotNil(t, snap.Current)
		assert.Equal(t, "vid-b", snap.Current.VideoID)
	}
}

func TestSchedulerRun(t *testing.T) {
	f := newFixture(t)
	room := f.liveRoom("Ticking")
	a := f.enqueue(owner, room.ID, "vid-a", 60)
	f.command(owner, room.ID, Command{Action: ActionPlay})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewScheduler(f.m, time.Second, time.Second, 1).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		snap := f.snapshot(room.ID)
		return snap.Current == nil
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	stored, _ := f.repo.Entry(a.ID)
	assert.Equal(t, model.QueueCompleted, stored.Status)
}

func TestNewSchedulerDefaults(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.m, 0, 0, 0)
	assert.Equal(t, 2*time.Second, s.interval)
	assert.Equal(t, 2*time.Second, s.timeout)
	assert.Equal(t, 1, s.parallelism)
}
