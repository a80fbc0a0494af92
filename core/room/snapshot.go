package room

import (
	"time"

	"worshiproom/model"
)

// QueueItem is a queue entry with its current vote tally.
type QueueItem struct {
	model.QueueEntry
	Tally model.Tally `json:"tally"`
}

// Snapshot is the full state a client needs to (re)synchronize. Seq is the
// sequence number of the last event folded into it; events with a lower or
// equal Seq are already reflected.
type Snapshot struct {
	Room              *model.Room         `json:"room"`
	Current           *QueueItem          `json:"current,omitempty"`
	Position          float64             `json:"position"`
	ServerTime        int64               `json:"serverTime"`
	ScheduledPlayTime int64               `json:"scheduledPlayTime,omitempty"`
	Queue             []QueueItem         `json:"queue"`
	Participants      []model.Participant `json:"participants"`
	Waitlist          []model.Participant `json:"waitlist"`
	Seq               uint64              `json:"seq"`
}

func buildSnapshot(s *roomState, seq uint64, now time.Time) *Snapshot {
	room := *s.room
	snap := &Snapshot{
		Room:              &room,
		Position:          s.position(now),
		ServerTime:        now.UnixMilli(),
		ScheduledPlayTime: unixMilli(room.ScheduledPlayTime),
		Queue:             make([]QueueItem, 0, len(s.waiting)),
		Participants:      make([]model.Participant, 0, len(s.participants)),
		Waitlist:          []model.Participant{},
		Seq:               seq,
	}
	if cur := s.current(); cur != nil {
		snap.Current = &QueueItem{QueueEntry: *cur, Tally: s.tally(cur.ID)}
	}
	for _, e := range s.waiting {
		snap.Queue = append(snap.Queue, QueueItem{QueueEntry: *e, Tally: s.tally(e.ID)})
	}
	for _, p := range s.activeParticipants() {
		snap.Participants = append(snap.Participants, *p)
	}
	for _, p := range s.waitlist() {
		snap.Waitlist = append(snap.Waitlist, *p)
	}
	return snap
}
