package room

import (
	"testing"
	"time"

	"worshiproom/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaybackCommands(t *testing.T) {
	f := newFixture(t)
	room := f.liveRoom("Playback")
	f.join(alice, room.ID)
	a := f.enqueue(owner, room.ID, "vid-a", 240)
	b := f.enqueue(owner, room.ID, "vid-b", 240)

	_, err := f.m.Command(f.ctx, alice, room.ID, Command{Action: ActionPlay})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.m.Command(f.ctx, owner, room.ID, Command{Action: ActionPause})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	snap := f.command(owner, room.ID, Command{Action: ActionPlay})
	require.NotNil(t, snap.Current)
	assert.Equal(t, a.ID, snap.Current.ID)
	assert.Equal(t, model.QueuePlaying, snap.Current.Status)
	assert.Equal(t, model.PlaybackPlaying, snap.Room.PlaybackStatus)
	assert.Equal(t, epoch.Add(2*time.Second).UnixMilli(), snap.ScheduledPlayTime)
	assert.Equal(t, []string{b.ID}, queueIDs(snap))
	assert.Equal(t, 0, snap.Queue[0].Position)
	assert.Zero(t, snap.Position)

	_, err = f.m.Command(f.ctx, owner, room.ID, Command{Action: ActionPlay})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	f.clock.Add(12 * time.Second)
	snap = f.command(owner, room.ID, Command{Action: ActionPause})
	assert.Equal(t, model.PlaybackPaused, snap.Room.PlaybackStatus)
	assert.InDelta(t, 10, snap.Position, 1e-6)
	assert.Zero(t, snap.ScheduledPlayTime)

	_, err = f.m.Command(f.ctx, owner, room.ID, Command{Action: ActionPause})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	// paused time does not count
	f.clock.Add(time.Minute)
	snap = f.command(owner, room.ID, Command{Action: ActionResume})
	assert.Equal(t, model.PlaybackPlaying, snap.Room.PlaybackStatus)
	assert.InDelta(t, 10, snap.Position, 1e-6)
	assert.Equal(t, f.clock.Now().Add(2*time.Second).UnixMilli(), snap.ScheduledPlayTime)

	snap = f.command(owner, room.ID, Command{Action: ActionSeek, Position: ptr(-5.0)})
	assert.Zero(t, snap.Room.PlaybackPosition)
	snap = f.command(owner, room.ID, Command{Action: ActionSeek, Position: ptr(30.0)})
	assert.InDelta(t, 30, snap.Room.PlaybackPosition, 1e-6)
	snap = f.command(owner, room.ID, Command{Action: ActionSeek, Position: ptr(9999.0)})
	assert.InDelta(t, 240, snap.Room.PlaybackPosition, 1e-6)
	_, err = f.m.Command(f.ctx, owner, room.ID, Command{Action: ActionSeek})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.m.Command(f.ctx, owner, room.ID, Command{Action: ActionSkip, EntryID: b.ID})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = f.m.Command(f.ctx, owner, room.ID, Command{Action: "REWIND"})
	assert.ErrorIs(t, err, ErrValidation)

	// STOP requeues the current entry at the front
	snap = f.command(owner, room.ID, Command{Action: ActionStop})
	assert.Equal(t, model.PlaybackStopped, snap.Room.PlaybackStatus)
	assert.Nil(t, snap.Current)
	assert.Nil(t, snap.Room.CurrentEntryID)
	assert.Equal(t, []string{a.ID, b.ID}, queueIDs(snap))
	_, err = f.m.Command(f.ctx, owner, room.ID, Command{Action: ActionStop})
	assert.ErrorIs(t, err, ErrNoCurrentEntry)

	snap = f.command(owner, room.ID, Command{Action: ActionPlay, EntryID: b.ID})
	require.NotNil(t, snap.Current)
	assert.Equal(t, b.ID, snap.Current.ID)
	assert.Equal(t, []string{a.ID}, queueIDs(snap))

	// an explicit PLAY replaces the current entry
	snap = f.command(owner, room.ID, Command{Action: ActionPlay, EntryID: a.ID})
	assert.Equal(t, a.ID, snap.Current.ID)
	assert.Empty(t, snap.Queue)

	snap = f.command(owner, room.ID, Command{Action: ActionSkip, EntryID: a.ID})
	assert.Equal(t, model.PlaybackStopped, snap.Room.PlaybackStatus)
	assert.Nil(t, snap.Current)

	snap, err = f.m.Command(f.ctx, owner, room.ID, Command{Action: ActionPlay})
	assert.ErrorIs(t, err, ErrEmptyQueue)
	require.NotNil(t, snap)
	assert.Equal(t, model.PlaybackStopped, snap.Room.PlaybackStatus)

	history, err := f.m.History(f.ctx, room.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, a.ID, history[0].EntryID)
	assert.Equal(t, b.ID, history[1].EntryID)
	for _, h := range history {
		assert.True(t, h.WasSkipped)
		assert.NotNil(t, h.LeaderID)
		assert.Equal(t, owner.UserID, h.LeaderUserID)
	}

	eb, _ := f.repo.Entry(b.ID)
	assert.Equal(t, model.QueueSkipped, eb.Status)
	assert.Equal(t, model.NoPosition, eb.Position)
	f.checkInvariants(room.ID)
}

func TestPlaybackEvents(t *testing.T) {
	f := newFixture(t)
	room := f.liveRoom("Events")
	a := f.enqueue(owner, room.ID, "vid-a", 240)
	f.enqueue(owner, room.ID, "vid-b", 240)
	sub, _, err := f.m.Subscribe(f.ctx, owner, room.ID)
	require.NoError(t, err)

	f.command(owner, room.ID, Command{Action: ActionPlay})
	f.command(owner, room.ID, Command{Action: ActionPlay, EntryID: f.snapshot(room.ID).Queue[0].ID})

	events := drain(sub)
	assert.Equal(t, []EventType{EventNowPlaying, EventSongSkipped, EventNowPlaying}, eventTypes(events))

	var started PlaybackData
	decodeData(t, events[0], &started)
	assert.Equal(t, ActionPlay, started.Action)
	assert.Equal(t, model.PlaybackPlaying, started.Status)
	require.NotNil(t, started.Entry)
	assert.Equal(t, a.ID, started.Entry.ID)
	assert.Equal(t, epoch.UnixMilli(), started.ServerTime)
	assert.Equal(t, epoch.Add(2*time.Second).UnixMilli(), started.ScheduledPlayTime)

	var skipped EntryData
	decodeData(t, events[1], &skipped)
	assert.Equal(t, ReasonReplaced, skipped.Reason)
	assert.Equal(t, a.ID, skipped.Entry.ID)
}

func TestNaturalCompletion(t *testing.T) {
	f := newFixture(t)
	room := f.liveRoom("Completion")
	a := f.enqueue(owner, room.ID, "vid-a", 120)
	b := f.enqueue(owner, room.ID, "vid-b", 240)
	f.command(owner, room.ID, Command{Action: ActionPlay})

	// the song starts two seconds after the command
	f.clock.Add(121 * time.Second)
	f.tick()
	snap := f.snapshot(room.ID)
	assert.Equal(t, a.ID, snap.Current.ID)
	assert.InDelta(t, 119, snap.Position, 1e-6)

	f.clock.Add(time.Second)
	f.tick()
	snap = f.snapshot(room.ID)
	require.NotNil(t, snap.Current)
	assert.Equal(t, b.ID, snap.Current.ID)
	assert.Equal(t, f.clock.Now().Add(2*time.Second).UnixMilli(), snap.ScheduledPlayTime)

	history, err := f.m.History(f.ctx, room.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].WasSkipped)
	ea, _ := f.repo.Entry(a.ID)
	assert.Equal(t, model.QueueCompleted, ea.Status)

	// cooldown
	_, err = f.m.Enqueue(f.ctx, owner, room.ID, EnqueueRequest{VideoID: "vid-a", DurationSeconds: 120})
	assert.ErrorIs(t, err, ErrDuplicateOrCooldown)
	f.clock.Add(61 * time.Minute)
	f.enqueue(owner, room.ID, "vid-a", 120)
}

func TestNaturalCompletionWithoutAutoAdvance(t *testing.T) {
	f := newFixture(t)
	settings := model.DefaultRoomSettings()
	settings.AutoAdvanceQueue = false
	room := f.createRoom(owner, RoomConfig{Name: "Manual", Settings: &settings})
	f.join(owner, room.ID)
	f.enqueue(owner, room.ID, "vid-a", 60)
	b := f.enqueue(owner, room.ID, "vid-b", 60)
	f.command(owner, room.ID, Command{Action: ActionPlay})

	f.clock.Add(62 * time.Second)
	f.tick()
	snap := f.snapshot(room.ID)
	assert.Equal(t, model.PlaybackStopped, snap.Room.PlaybackStatus)
	assert.Nil(t, snap.Current)
	assert.Equal(t, []string{b.ID}, queueIDs(snap))
	f.checkInvariants(room.ID)
}

func TestUnknownDurationNeverCompletes(t *testing.T) {
	f := newFixture(t)
	room := f.liveRoom("Open ended")
	a := f.enqueue(owner, room.ID, "vid-stream", 0)
	f.command(owner, room.ID, Command{Action: ActionPlay})

	for i := 0; i < 5; i++ {
		f.clock.Add(5 * time.Minute)
		require.NoError(t, f.m.Heartbeat(f.ctx, owner, room.ID))
		f.tick()
	}
	snap := f.snapshot(room.ID)
	require.NotNil(t, snap.Current)
	assert.Equal(t, a.ID, snap.Current.ID)
	assert.InDelta(t, 25*60-2, snap.Position, 1e-6)
}

func TestLiveEventLifecycle(t *testing.T) {
	f := newFixture(t)
	start := epoch.Add(10 * time.Minute)
	end := epoch.Add(70 * time.Minute)
	room := f.createRoom(owner, RoomConfig{
		Name:           "Friday Night",
		Type:           model.RoomTypeLiveEvent,
		ScheduledStart: &start,
		ScheduledEnd:   &end,
		AutoStart:      true,
		AutoClose:      true,
		StreamURL:      "https://stream.example/friday",
	})
	f.join(owner, room.ID)
	a := f.enqueue(owner, room.ID, "vid-a", 240)

	_, err := f.m.Command(f.ctx, owner, room.ID, Command{Action: ActionPlay})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	f.clock.Add(9 * time.Minute)
	f.tick()
	assert.False(t, f.snapshot(room.ID).Room.IsLive)

	f.clock.Add(time.Minute)
	f.tick()
	snap := f.snapshot(room.ID)
	assert.True(t, snap.Room.IsLive)
	require.NotNil(t, snap.Room.ActualStart)
	require.NotNil(t, snap.Current)
	assert.Equal(t, a.ID, snap.Current.ID)

	_, err = f.m.GoLive(f.ctx, owner, room.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	f.clock.Add(61 * time.Minute)
	f.tick()

	stored, err := f.m.GetRoom(f.ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.False(t, stored.IsLive)
	assert.NotNil(t, stored.ActualEnd)
	_, err = f.m.Join(f.ctx, alice, room.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGoLiveManually(t *testing.T) {
	f := newFixture(t)
	room := f.createRoom(owner, RoomConfig{Name: "Manual event", Type: model.RoomTypeLiveEvent})
	f.join(owner, room.ID)
	f.join(alice, room.ID)

	_, err := f.m.GoLive(f.ctx, alice, room.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	live, err := f.m.GoLive(f.ctx, owner, room.ID)
	require.NoError(t, err)
	assert.True(t, live.IsLive)

	_, err = f.m.Command(f.ctx, owner, room.ID, Command{Action: ActionPlay})
	assert.ErrorIs(t, err, ErrEmptyQueue)

	plain := f.liveRoom("Plain")
	_, err = f.m.GoLive(f.ctx, owner, plain.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestTemplateRooms(t *testing.T) {
	f := newFixture(t)
	tmpl := f.createRoom(owner, RoomConfig{Name: "Sunday Template", Type: model.RoomTypeTemplate})
	f.join(owner, tmpl.ID)
	a := f.enqueue(owner, tmpl.ID, "vid-a", 240)
	b := f.enqueue(owner, tmpl.ID, "vid-b", 180)

	_, err := f.m.Command(f.ctx, owner, tmpl.ID, Command{Action: ActionPlay})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = f.m.StartFromTemplate(f.ctx, alice, tmpl.ID, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	room, err := f.m.StartFromTemplate(f.ctx, owner, tmpl.ID, "Sunday Morning")
	require.NoError(t, err)
	assert.Equal(t, model.RoomTypeLive, room.Type)
	require.NotNil(t, room.TemplateID)
	assert.Equal(t, tmpl.ID, *room.TemplateID)

	snap := f.snapshot(room.ID)
	require.Len(t, snap.Queue, 2)
	assert.Equal(t, a.VideoID, snap.Queue[0].VideoID)
	assert.Equal(t, b.VideoID, snap.Queue[1].VideoID)
	assert.NotEqual(t, a.ID, snap.Queue[0].ID)
	assert.Equal(t, 1, snap.Queue[1].Position)

	// the template keeps its setlist
	assert.Len(t, f.snapshot(tmpl.ID).Queue, 2)

	named, err := f.m.StartFromTemplate(f.ctx, admin, tmpl.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "Sunday Template - 2026-03-01 09:00", named.Name)

	_, err = f.m.StartFromTemplate(f.ctx, owner, room.ID, "Again")
	assert.ErrorIs(t, err, ErrValidation)
}
