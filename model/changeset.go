package model

// VoteKey identifies a vote row.
type VoteKey struct {
	EntryID       string
	ParticipantID string
	Type          VoteType
}

// ChangeSet is everything one room transition wrote. It is persisted in a
// single transaction before any event of the transition is published.
type ChangeSet struct {
	RoomID          string
	Room            *Room
	Entries         []*QueueEntry
	DeletedEntryIDs []string
	Participants    []*Participant
	Votes           []*Vote
	DeletedVotes    []VoteKey
	ClearedEntries  []string // delete every vote on these entries
	History         []*PlayHistory
}

// Empty reports whether there is nothing to write.
func (c *ChangeSet) Empty() bool {
	return c.Room == nil && len(c.Entries) == 0 && len(c.DeletedEntryIDs) == 0 &&
		len(c.Participants) == 0 && len(c.Votes) == 0 && len(c.DeletedVotes) == 0 &&
		len(c.ClearedEntries) == 0 && len(c.History) == 0
}

// RoomState is the live working set of a room as loaded from storage.
type RoomState struct {
	Room         *Room
	Entries      []*QueueEntry // WAITING and PLAYING only
	Participants []*Participant
	Votes        []*Vote
	RecentPlays  []*PlayHistory
}
