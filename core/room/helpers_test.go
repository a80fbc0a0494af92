package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"worshiproom/core/auth"
	"worshiproom/model"
	"worshiproom/repository"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = auth.Identity{UserID: "u-owner", Username: "owner"}
	admin    = auth.Identity{UserID: "u-admin", Username: "admin", Role: auth.RoleAdmin}
	alice    = auth.Identity{UserID: "u-alice", Username: "alice"}
	bob      = auth.Identity{UserID: "u-bob", Username: "bob"}
	carol    = auth.Identity{UserID: "u-carol", Username: "carol"}
	dave     = auth.Identity{UserID: "u-dave", Username: "dave"}
	stranger = auth.Identity{UserID: "u-stranger", Username: "stranger"}

	epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	m     *Manager
	repo  *repository.MemoryRoomRepository
	clock *clock.Mock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := repository.NewMemoryRoomRepository()
	mock := clock.NewMock()
	mock.Set(epoch)

	m := NewManager(repo, DefaultOptions(), append([]Option{WithClock(mock)}, opts...)...)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return &fixture{t: t, ctx: context.Background(), m: m, repo: repo, clock: mock}
}

func (f *fixture) createRoom(id auth.Identity, cfg RoomConfig) *model.Room {
	f.t.Helper()
	room, err := f.m.CreateRoom(f.ctx, id, cfg)
	require.NoError(f.t, err)
	return room
}

// liveRoom creates a LIVE room owned by owner with owner joined as leader.
func (f *fixture) liveRoom(name string) *model.Room {
	f.t.Helper()
	room := f.createRoom(owner, RoomConfig{Name: name})
	p := f.join(owner, room.ID)
	require.Equal(f.t, model.RoleLeader, p.Role)
	return room
}

func (f *fixture) join(id auth.Identity, roomID string) *model.Participant {
	f.t.Helper()
	p, err := f.m.Join(f.ctx, id, roomID, "")
	require.NoError(f.t, err)
	return p
}

func (f *fixture) enqueue(id auth.Identity, roomID, videoID string, seconds int) *model.QueueEntry {
	f.t.Helper()
	e, err := f.m.Enqueue(f.ctx, id, roomID, EnqueueRequest{
		VideoID:         videoID,
		Title:           "Song " + videoID,
		DurationSeconds: seconds,
	})
	require.NoError(f.t, err)
	return e
}

func (f *fixture) command(id auth.Identity, roomID string, cmd Command) *Snapshot {
	f.t.Helper()
	snap, err := f.m.Command(f.ctx, id, roomID, cmd)
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) snapshot(roomID string) *Snapshot {
	f.t.Helper()
	snap, err := f.m.Snapshot(f.ctx, admin, roomID)
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) tick() {
	NewScheduler(f.m, time.Second, time.Second, 4).Tick(f.ctx)
}

// checkInvariants inspects the committed state of a room directly.
func (f *fixture) checkInvariants(roomID string) {
	f.t.Helper()
	d, err := f.m.domain(roomID)
	if err != nil {
		return
	}
	require.NoError(f.t, d.read(f.ctx, func(s *roomState, _ uint64) {
		t := f.t
		for i, e := range s.waiting {
			assert.Equal(t, i, e.Position, "waiting entry %s", e.ID)
			assert.Equal(t, model.QueueWaiting, e.Status)
		}

		playing := 0
		for _, e := range s.entries {
			if e.Status == model.QueuePlaying {
				playing++
				assert.Equal(t, model.NoPosition, e.Position)
			}
		}
		assert.LessOrEqual(t, playing, 1)

		room := s.room
		if room.PlaybackStatus == model.PlaybackStopped {
			assert.Nil(t, room.CurrentEntryID)
			assert.Equal(t, 0, playing)
		} else {
			cur := s.current()
			if assert.NotNil(t, cur) {
				assert.Equal(t, model.QueuePlaying, cur.Status)
			}
		}

		for i, p := range s.waitlist() {
			if assert.NotNil(t, p.WaitlistPosition) {
				assert.Equal(t, i+1, *p.WaitlistPosition)
			}
			assert.False(t, p.IsActive)
		}
		for _, p := range s.participants {
			assert.False(t, p.IsActive && p.IsInWaitlist, "participant %s is active and waitlisted", p.ID)
		}
		if room.MaxParticipants != nil {
			assert.LessOrEqual(t, s.activeCount(), *room.MaxParticipants)
		}

		if room.CurrentLeaderID != nil {
			leader := s.participants[*room.CurrentLeaderID]
			if assert.NotNil(t, leader) {
				assert.True(t, leader.IsActive)
				assert.Contains(t, []model.ParticipantRole{model.RoleLeader, model.RoleModerator}, leader.Role)
			}
		}
		leaders := 0
		for _, p := range s.participants {
			if p.IsActive && p.Role == model.RoleLeader {
				leaders++
			}
		}
		assert.LessOrEqual(t, leaders, 1)

		for entryID := range s.votes {
			assert.Contains(t, s.entries, entryID)
		}
	}))
}

// drain returns every event already buffered on sub.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func decodeData(t *testing.T, ev Event, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ev.Data, v))
}

func ptr[T any](v T) *T {
	return &v
}
