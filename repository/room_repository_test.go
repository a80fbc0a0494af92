package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"worshiproom/db"
	"worshiproom/model"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// one connection keeps the in-memory database alive across queries
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(gdb))
	return gdb
}

// eachRepository runs fn against the GORM and the in-memory implementation.
func eachRepository(t *testing.T, fn func(t *testing.T, repo RoomRepository)) {
	t.Run("gorm", func(t *testing.T) {
		fn(t, NewGormRoomRepository(openSQLite(t)))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryRoomRepository())
	})
}

func testRoom(id, name string) *model.Room {
	return &model.Room{
		ID:             id,
		Name:           name,
		Type:           model.RoomTypeLive,
		CreatedBy:      "u-owner",
		PlaybackStatus: model.PlaybackStopped,
		SkipThreshold:  0.5,
		IsActive:       true,
		Settings:       model.DefaultRoomSettings(),
		CreatedAt:      base,
	}
}

func testEntry(id, roomID string, position int, status model.QueueStatus) *model.QueueEntry {
	return &model.QueueEntry{
		ID:              id,
		RoomID:          roomID,
		VideoID:         "vid-" + id,
		VideoTitle:      "Song " + id,
		DurationSeconds: 180,
		RequestedBy:     "p-1",
		Position:        position,
		Status:          status,
		QueuedAt:        base,
	}
}

func testParticipant(id, roomID, userID string, joined time.Time) *model.Participant {
	return &model.Participant{
		ID:           id,
		RoomID:       roomID,
		UserID:       userID,
		Username:     userID,
		Role:         model.RoleListener,
		IsActive:     true,
		JoinedAt:     joined,
		LastActiveAt: joined,
	}
}

func TestGetRoomMissing(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo RoomRepository) {
		room, err := repo.GetRoom(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, room)

		state, err := repo.LoadRoomState(context.Background(), "nope", base)
		require.NoError(t, err)
		assert.Nil(t, state)
	})
}

func TestRoomsAndNames(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo RoomRepository) {
		ctx := context.Background()
		first := testRoom("r-1", "Morning")
		first.Settings.BannedVideoIDs = model.StringList{"bad-1", "bad-2"}
		second := testRoom("r-2", "Evening")
		second.CreatedAt = base.Add(time.Hour)
		closed := testRoom("r-3", "Closed")
		closed.IsActive = false

		for _, r := range []*model.Room{second, first, closed} {
			require.NoError(t, repo.ApplyChanges(ctx, &model.ChangeSet{RoomID: r.ID, Room: r}))
		}

		rooms, err := repo.ListActiveRooms(ctx)
		require.NoError(t, err)
		require.Len(t, rooms, 2)
		assert.Equal(t, "r-1", rooms[0].ID)
		assert.Equal(t, "r-2", rooms[1].ID)

		got, err := repo.GetRoom(ctx, "r-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Morning", got.Name)
		assert.Equal(t, model.StringList{"bad-1", "bad-2"}, got.Settings.BannedVideoIDs)
		assert.Equal(t, 50, got.Settings.MaxQueueSize)

		exists, err := repo.ActiveRoomNameExists(ctx, "Morning")
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = repo.ActiveRoomNameExists(ctx, "Closed")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestApplyChangesAndLoadState(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo RoomRepository) {
		ctx := context.Background()
		room := testRoom("r-1", "Worship")
		playing := testEntry("e-play", room.ID, model.NoPosition, model.QueuePlaying)
		first := testEntry("e-1", room.ID, 0, model.QueueWaiting)
		second := testEntry("e-2", room.ID, 1, model.QueueWaiting)
		done := testEntry("e-done", room.ID, model.NoPosition, model.QueueCompleted)
		other := testEntry("e-other", "r-2", 0, model.QueueWaiting)

		early := testParticipant("p-1", room.ID, "u-1", base)
		late := testParticipant("p-2", room.ID, "u-2", base.Add(time.Minute))
		late.IsActive = false
		left := base.Add(2 * time.Minute)
		late.LeftAt = &left

		require.NoError(t, repo.ApplyChanges(ctx, &model.ChangeSet{
			RoomID:       room.ID,
			Room:         room,
			Entries:      []*model.QueueEntry{second, done, first, playing, other},
			Participants: []*model.Participant{late, early},
			Votes: []*model.Vote{
				{EntryID: playing.ID, ParticipantID: early.ID, Type: model.VoteSkip, RoomID: room.ID},
				{EntryID: first.ID, ParticipantID: early.ID, Type: model.VoteUpvote, RoomID: room.ID},
			},
		}))

		state, err := repo.LoadRoomState(ctx, room.ID, base)
		require.NoError(t, err)
		require.NotNil(t, state)

		var ids []string
		for _, e := range state.Entries {
			ids = append(ids, e.ID)
		}
		assert.Equal(t, []string{"e-play", "e-1", "e-2"}, ids)

		require.Len(t, state.Participants, 2)
		assert.Equal(t, "p-1", state.Participants[0].ID)
		assert.Equal(t, "p-2", state.Participants[1].ID)
		assert.False(t, state.Participants[1].IsActive)
		assert.NotNil(t, state.Participants[1].LeftAt)

		assert.Len(t, state.Votes, 2)
		assert.Empty(t, state.RecentPlays)
	})
}

func TestVoteChanges(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo RoomRepository) {
		ctx := context.Background()
		room := testRoom("r-1", "Votes")
		a := testEntry("e-a", room.ID, 0, model.QueueWaiting)
		b := testEntry("e-b", room.ID, 1, model.QueueWaiting)
		skip := &model.Vote{EntryID: a.ID, ParticipantID: "p-1", Type: model.VoteSkip, RoomID: room.ID}
		require.NoError(t, repo.ApplyChanges(ctx, &model.ChangeSet{
			RoomID:  room.ID,
			Room:    room,
			Entries: []*model.QueueEntry{a, b},
			Votes: []*model.Vote{
				skip,
				{EntryID: a.ID, ParticipantID: "p-2", Type: model.VoteSkip, RoomID: room.ID},
				{EntryID: b.ID, ParticipantID: "p-1", Type: model.VoteUpvote, RoomID: room.ID},
			},
		}))

		// a repeated vote is ignored
		require.NoError(t, repo.ApplyChanges(ctx, &model.ChangeSet{
			RoomID: room.ID,
			Votes:  []*model.Vote{{EntryID: a.ID, ParticipantID: "p-1", Type: model.VoteSkip, RoomID: room.ID}},
		}))
		state, err := repo.LoadRoomState(ctx, room.ID, base)
		require.NoError(t, err)
		assert.Len(t, state.Votes, 3)

		require.NoError(t, repo.ApplyChanges(ctx, &model.ChangeSet{
			RoomID:       room.ID,
			DeletedVotes: []model.VoteKey{{EntryID: b.ID, ParticipantID: "p-1", Type: model.VoteUpvote}},
		}))
		state, err = repo.LoadRoomState(ctx, room.ID, base)
		require.NoError(t, err)
		assert.Len(t, state.Votes, 2)

		require.NoError(t, repo.ApplyChanges(ctx, &model.ChangeSet{
			RoomID:          room.ID,
			DeletedEntryIDs: []string{a.ID},
			ClearedEntries:  []string{a.ID},
		}))
		state, err = repo.LoadRoomState(ctx, room.ID, base)
		require.NoError(t, err)
		assert.Empty(t, state.Votes)
		require.Len(t, state.Entries, 1)
		assert.Equal(t, b.ID, state.Entries[0].ID)
	})
}

func TestHistory(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo RoomRepository) {
		ctx := context.Background()
		room := testRoom("r-1", "History")
		var history []*model.PlayHistory
		for i, id := range []string{"h-1", "h-2", "h-3"} {
			history = append(history, &model.PlayHistory{
				ID:               id,
				RoomID:           room.ID,
				EntryID:          "e-" + id,
				VideoID:          "vid-" + id,
				ParticipantCount: 4,
				SkipVoteCount:    i,
				EndedAt:          base.Add(time.Duration(i) * time.Hour),
			})
		}
		require.NoError(t, repo.ApplyChanges(ctx, &model.ChangeSet{RoomID: room.ID, Room: room, History: history}))

		all, err := repo.ListHistory(ctx, room.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "h-3", all[0].ID)
		assert.Equal(t, "h-1", all[2].ID)
		assert.InDelta(t, 50, all[0].SkipPercentage(), 1e-9)

		page, err := repo.ListHistory(ctx, room.ID, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "h-2", page[0].ID)

		state, err := repo.LoadRoomState(ctx, room.ID, base.Add(90*time.Minute))
		require.NoError(t, err)
		require.Len(t, state.RecentPlays, 1)
		assert.Equal(t, "h-3", state.RecentPlays[0].ID)
	})
}

func TestEmptyChangeSet(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo RoomRepository) {
		assert.NoError(t, repo.ApplyChanges(context.Background(), nil))
		assert.NoError(t, repo.ApplyChanges(context.Background(), &model.ChangeSet{RoomID: "r-1"}))
	})
}

func TestMemoryFailNextApply(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	boom := errors.New("disk on fire")
	repo.FailNextApply(boom)

	room := testRoom("r-1", "Fragile")
	assert.ErrorIs(t, repo.ApplyChanges(ctx, &model.ChangeSet{RoomID: room.ID, Room: room}), boom)
	got, err := repo.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.ApplyChanges(ctx, &model.ChangeSet{RoomID: room.ID, Room: room}))
	got, err = repo.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}
