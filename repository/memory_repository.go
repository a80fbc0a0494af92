package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"worshiproom/model"
)

// MemoryRoomRepository keeps everything in process memory. It backs the
// server's --memory mode and the engine tests.
type MemoryRoomRepository struct {
	mu           sync.RWMutex
	rooms        map[string]model.Room
	entries      map[string]model.QueueEntry
	participants map[string]model.Participant
	votes        map[model.VoteKey]model.Vote
	history      []model.PlayHistory

	failNext error
}

// NewMemoryRoomRepository returns an empty repository.
func NewMemoryRoomRepository() *MemoryRoomRepository {
	return &MemoryRoomRepository{
		rooms:        make(map[string]model.Room),
		entries:      make(map[string]model.QueueEntry),
		participants: make(map[string]model.Participant),
		votes:        make(map[model.VoteKey]model.Vote),
	}
}

// FailNextApply makes the next ApplyChanges fail with err.
func (r *MemoryRoomRepository) FailNextApply(err error) {
	r.mu.Lock()
	r.failNext = err
	r.mu.Unlock()
}

func (r *MemoryRoomRepository) GetRoom(_ context.Context, id string) (*model.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, nil
	}
	return &room, nil
}

func (r *MemoryRoomRepository) ListActiveRooms(_ context.Context) ([]*model.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Room
	for _, room := range r.rooms {
		if room.IsActive {
			room := room
			out = append(out, &room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRoomRepository) ActiveRoomNameExists(_ context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, room := range r.rooms {
		if room.IsActive && room.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRoomRepository) LoadRoomState(_ context.Context, roomID string, recentSince time.Time) (*model.RoomState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, nil
	}
	state := &model.RoomState{Room: &room}

	for _, e := range r.entries {
		if e.RoomID == roomID && !e.Status.Terminal() {
			e := e
			state.Entries = append(state.Entries, &e)
		}
	}
	sort.Slice(state.Entries, func(i, j int) bool { return state.Entries[i].Position < state.Entries[j].Position })

	for _, p := range r.participants {
		if p.RoomID == roomID {
			p := p
			state.Participants = append(state.Participants, &p)
		}
	}
	sort.Slice(state.Participants, func(i, j int) bool {
		return state.Participants[i].JoinedAt.Before(state.Participants[j].JoinedAt)
	})

	for _, v := range r.votes {
		if v.RoomID == roomID {
			v := v
			state.Votes = append(state.Votes, &v)
		}
	}

	for i := len(r.history) - 1; i >= 0; i-- {
		h := r.history[i]
		if h.RoomID == roomID && !h.EndedAt.Before(recentSince) {
			state.RecentPlays = append(state.RecentPlays, &h)
		}
	}
	return state, nil
}

func (r *MemoryRoomRepository) ApplyChanges(_ context.Context, changes *model.ChangeSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	if changes == nil {
		return nil
	}

	if changes.Room != nil {
		r.rooms[changes.Room.ID] = *changes.Room
	}
	for _, id := range changes.DeletedEntryIDs {
		delete(r.entries, id)
	}
	for _, e := range changes.Entries {
		r.entries[e.ID] = *e
	}
	for _, p := range changes.Participants {
		r.participants[p.ID] = *p
	}
	if len(changes.ClearedEntries) > 0 {
		cleared := make(map[string]bool, len(changes.ClearedEntries))
		for _, id := range changes.ClearedEntries {
			cleared[id] = true
		}
		for key := range r.votes {
			if cleared[key.EntryID] {
				delete(r.votes, key)
			}
		}
	}
	for _, key := range changes.DeletedVotes {
		delete(r.votes, key)
	}
	for _, v := range changes.Votes {
		key := model.VoteKey{EntryID: v.EntryID, ParticipantID: v.ParticipantID, Type: v.Type}
		if _, exists := r.votes[key]; !exists {
			r.votes[key] = *v
		}
	}
	for _, h := range changes.History {
		r.history = append(r.history, *h)
	}
	return nil
}

func (r *MemoryRoomRepository) ListHistory(_ context.Context, roomID string, limit, offset int) ([]*model.PlayHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.PlayHistory
	for i := len(r.history) - 1; i >= 0; i-- {
		h := r.history[i]
		if h.RoomID == roomID {
			out = append(out, &h)
		}
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entry returns a stored queue entry, for assertions.
func (r *MemoryRoomRepository) Entry(id string) (model.QueueEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Participant returns a stored participant, for assertions.
func (r *MemoryRoomRepository) Participant(id string) (model.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	return p, ok
}

// VoteCount returns the number of stored votes on an entry.
func (r *MemoryRoomRepository) VoteCount(entryID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for key := range r.votes {
		if key.EntryID == entryID {
			n++
		}
	}
	return n
}
