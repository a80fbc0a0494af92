package room

import (
	"encoding/json"
	"sort"
	"time"

	"worshiproom/logger"
	"worshiproom/model"
)

type recentPlay struct {
	VideoID string
	EndedAt time.Time
}

// roomState is the authoritative in-memory state of one room. It is only
// touched from the room's own goroutine.
type roomState struct {
	room         *model.Room
	entries      map[string]*model.QueueEntry // WAITING and PLAYING
	waiting      []*model.QueueEntry          // WAITING, index == Position
	participants map[string]*model.Participant
	byUser       map[string]string                    // user id -> participant id
	votes        map[string]map[string]model.VoteType // entry id -> participant id -> vote
	recent       []recentPlay
}

func newRoomState(room *model.Room) *roomState {
	return &roomState{
		room:         room,
		entries:      make(map[string]*model.QueueEntry),
		participants: make(map[string]*model.Participant),
		byUser:       make(map[string]string),
		votes:        make(map[string]map[string]model.VoteType),
	}
}

// stateFromStorage rebuilds a room from its persisted working set.
func stateFromStorage(ws *model.RoomState) *roomState {
	s := newRoomState(ws.Room)
	for _, e := range ws.Entries {
		if e.Status.Terminal() {
			continue
		}
		s.entries[e.ID] = e
		if e.Status == model.QueueWaiting {
			s.waiting = append(s.waiting, e)
		}
	}
	sort.SliceStable(s.waiting, func(i, j int) bool { return s.waiting[i].Position < s.waiting[j].Position })
	for _, p := range ws.Participants {
		s.participants[p.ID] = p
		s.byUser[p.UserID] = p.ID
	}
	for _, v := range ws.Votes {
		if _, ok := s.entries[v.EntryID]; !ok {
			continue
		}
		if s.votes[v.EntryID] == nil {
			s.votes[v.EntryID] = make(map[string]model.VoteType)
		}
		s.votes[v.EntryID][v.ParticipantID] = v.Type
	}
	for _, h := range ws.RecentPlays {
		s.recent = append(s.recent, recentPlay{VideoID: h.VideoID, EndedAt: h.EndedAt})
	}
	return s
}

func (s *roomState) clone() *roomState {
	room := *s.room
	c := &roomState{
		room:         &room,
		entries:      make(map[string]*model.QueueEntry, len(s.entries)),
		waiting:      make([]*model.QueueEntry, len(s.waiting)),
		participants: make(map[string]*model.Participant, len(s.participants)),
		byUser:       make(map[string]string, len(s.byUser)),
		votes:        make(map[string]map[string]model.VoteType, len(s.votes)),
		recent:       append([]recentPlay(nil), s.recent...),
	}
	for id, e := range s.entries {
		cp := *e
		c.entries[id] = &cp
	}
	for i, e := range s.waiting {
		c.waiting[i] = c.entries[e.ID]
	}
	for id, p := range s.participants {
		cp := *p
		c.participants[id] = &cp
	}
	for u, id := range s.byUser {
		c.byUser[u] = id
	}
	for entryID, byParticipant := range s.votes {
		m := make(map[string]model.VoteType, len(byParticipant))
		for pid, t := range byParticipant {
			m[pid] = t
		}
		c.votes[entryID] = m
	}
	return c
}

func (s *roomState) current() *model.QueueEntry {
	if s.room.CurrentEntryID == nil {
		return nil
	}
	return s.entries[*s.room.CurrentEntryID]
}

func (s *roomState) participantByUser(userID string) *model.Participant {
	id, ok := s.byUser[userID]
	if !ok {
		return nil
	}
	return s.participants[id]
}

func (s *roomState) activeCount() int {
	n := 0
	for _, p := range s.participants {
		if p.IsActive {
			n++
		}
	}
	return n
}

// activeParticipants returns active members in join order.
func (s *roomState) activeParticipants() []*model.Participant {
	var out []*model.Participant
	for _, p := range s.participants {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sortByJoin(out)
	return out
}

// waitlist returns waitlisted participants by position.
func (s *roomState) waitlist() []*model.Participant {
	var out []*model.Participant
	for _, p := range s.participants {
		if p.IsInWaitlist {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return waitlistPos(out[i]) < waitlistPos(out[j])
	})
	return out
}

func waitlistPos(p *model.Participant) int {
	if p.WaitlistPosition == nil {
		return int(^uint(0) >> 1)
	}
	return *p.WaitlistPosition
}

func sortByJoin(ps []*model.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})
}

func (s *roomState) tally(entryID string) model.Tally {
	var t model.Tally
	for _, vt := range s.votes[entryID] {
		switch vt {
		case model.VoteUpvote:
			t.Upvotes++
		case model.VoteSkip:
			t.SkipVotes++
		}
	}
	return t
}

// position returns the playback position in seconds at now.
func (s *roomState) position(now time.Time) float64 {
	room := s.room
	pos := room.PlaybackPosition
	if room.PlaybackStatus == model.PlaybackPlaying && room.ScheduledPlayTime != nil {
		if elapsed := now.Sub(*room.ScheduledPlayTime).Seconds(); elapsed > 0 {
			pos += elapsed
		}
	}
	if cur := s.current(); cur != nil && cur.DurationSeconds > 0 && pos > float64(cur.DurationSeconds) {
		pos = float64(cur.DurationSeconds)
	}
	return pos
}

// expectedEnd is when the current entry finishes if left alone. ok is false
// when nothing is playing or the duration is unknown.
func (s *roomState) expectedEnd() (time.Time, bool) {
	cur := s.current()
	room := s.room
	if cur == nil || room.PlaybackStatus != model.PlaybackPlaying || room.ScheduledPlayTime == nil || cur.DurationSeconds <= 0 {
		return time.Time{}, false
	}
	remaining := cur.Duration() - time.Duration(room.PlaybackPosition*float64(time.Second))
	if remaining < 0 {
		remaining = 0
	}
	return room.ScheduledPlayTime.Add(remaining), true
}

// ========== Transactions ==========

type pendingEvent struct {
	Type   EventType
	UserID string
	Data   json.RawMessage
}

// txn is one room transition. It mutates a clone of the room state and
// records what must be persisted and broadcast if it commits.
type txn struct {
	s     *roomState
	now   time.Time
	opts  Options
	actor string

	roomDirty      bool
	entries        map[string]*model.QueueEntry
	deletedEntries map[string]bool
	participants   map[string]*model.Participant
	votes          []*model.Vote
	deletedVotes   []model.VoteKey
	clearedEntries []string
	history        []*model.PlayHistory

	events   []pendingEvent
	dropSubs []string
	closing  bool
}

func newTxn(s *roomState, now time.Time, opts Options, actor string) *txn {
	return &txn{
		s:              s,
		now:            now,
		opts:           opts,
		actor:          actor,
		entries:        make(map[string]*model.QueueEntry),
		deletedEntries: make(map[string]bool),
		participants:   make(map[string]*model.Participant),
	}
}

func (tx *txn) touchRoom() { tx.roomDirty = true }

func (tx *txn) touchEntry(e *model.QueueEntry) {
	e.UpdatedAt = tx.now
	tx.entries[e.ID] = e
}

func (tx *txn) deleteEntry(id string) {
	delete(tx.entries, id)
	tx.deletedEntries[id] = true
}

func (tx *txn) touchParticipant(p *model.Participant) {
	p.UpdatedAt = tx.now
	tx.participants[p.ID] = p
}

func (tx *txn) emit(t EventType, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		logger.Error("failed to encode room event",
			logger.String("roomId", tx.s.room.ID),
			logger.String("type", string(t)),
			logger.ErrorField(err))
		return
	}
	tx.events = append(tx.events, pendingEvent{Type: t, UserID: tx.actor, Data: raw})
}

// changeSet flattens the transaction into repository writes.
func (tx *txn) changeSet() *model.ChangeSet {
	cs := &model.ChangeSet{RoomID: tx.s.room.ID}
	if tx.roomDirty {
		tx.s.room.UpdatedAt = tx.now
		room := *tx.s.room
		cs.Room = &room
	}
	for id := range tx.deletedEntries {
		cs.DeletedEntryIDs = append(cs.DeletedEntryIDs, id)
	}
	sort.Strings(cs.DeletedEntryIDs)
	for id, e := range tx.entries {
		if tx.deletedEntries[id] {
			continue
		}
		cp := *e
		cs.Entries = append(cs.Entries, &cp)
	}
	sort.Slice(cs.Entries, func(i, j int) bool { return cs.Entries[i].ID < cs.Entries[j].ID })
	for _, p := range tx.participants {
		cp := *p
		cs.Participants = append(cs.Participants, &cp)
	}
	sort.Slice(cs.Participants, func(i, j int) bool { return cs.Participants[i].ID < cs.Participants[j].ID })
	cs.Votes = tx.votes
	cs.DeletedVotes = tx.deletedVotes
	cs.ClearedEntries = tx.clearedEntries
	cs.History = tx.history
	return cs
}
