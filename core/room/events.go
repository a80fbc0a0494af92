package room

import (
	"encoding/json"

	"worshiproom/model"
)

// EventType names a room event.
type EventType string

const (
	// Room lifecycle
	EventRoomCreated EventType = "room_created"
	EventRoomUpdated EventType = "room_updated"
	EventRoomLive    EventType = "room_live"
	EventRoomClosed  EventType = "room_closed"

	// Participants
	EventParticipantJoined     EventType = "participant_joined"
	EventParticipantWaitlisted EventType = "participant_waitlisted"
	EventParticipantPromoted   EventType = "participant_promoted"
	EventParticipantLeft       EventType = "participant_left"
	EventRoleChanged           EventType = "role_changed"
	EventParticipantMuted      EventType = "participant_muted"
	EventWaitlistUpdated       EventType = "waitlist_updated"

	// Queue and votes
	EventEntryAdded     EventType = "queue_entry_added"
	EventEntryRemoved   EventType = "queue_entry_removed"
	EventQueueReordered EventType = "queue_reordered"
	EventVoteUpdated    EventType = "vote_updated"

	// Playback
	EventNowPlaying      EventType = "now_playing"
	EventPlayback        EventType = "playback"
	EventSongSkipped     EventType = "song_skipped"
	EventSongCompleted   EventType = "song_completed"
	EventPlaybackStopped EventType = "playback_stopped"
)

// Event is one committed change in a room. Seq increases by one per event
// within a room; a client that sees a gap must re-fetch the snapshot.
type Event struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId"`
	Seq       uint64          `json:"seq"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// PlaybackAction is a command accepted by the coordinator.
type PlaybackAction string

const (
	ActionPlay   PlaybackAction = "PLAY"
	ActionPause  PlaybackAction = "PAUSE"
	ActionResume PlaybackAction = "RESUME"
	ActionStop   PlaybackAction = "STOP"
	ActionSkip   PlaybackAction = "SKIP"
	ActionSeek   PlaybackAction = "SEEK"
)

// PlaybackData is the payload of playback events.
type PlaybackData struct {
	Action            PlaybackAction       `json:"action,omitempty"`
	Status            model.PlaybackStatus `json:"status"`
	Entry             *model.QueueEntry    `json:"entry,omitempty"`
	Position          float64              `json:"position"`
	ScheduledPlayTime int64                `json:"scheduledPlayTime,omitempty"` // unix ms
	ServerTime        int64                `json:"serverTime"`
	Reason            string               `json:"reason,omitempty"`
}

// EntryData is the payload of queue events.
type EntryData struct {
	Entry  *model.QueueEntry `json:"entry"`
	Reason string            `json:"reason,omitempty"`
}

// QueueOrderData lists waiting entry ids in play order.
type QueueOrderData struct {
	EntryIDs []string `json:"entryIds"`
}

// VoteData is the payload of vote events.
type VoteData struct {
	EntryID            string      `json:"entryId"`
	Tally              model.Tally `json:"tally"`
	ActiveParticipants int         `json:"activeParticipants"`
	SkipThreshold      float64     `json:"skipThreshold"`
}

// ParticipantData is the payload of participant events.
type ParticipantData struct {
	Participant *model.Participant `json:"participant"`
	Reason      string             `json:"reason,omitempty"`
}

// WaitlistData lists waitlisted participant ids in order.
type WaitlistData struct {
	ParticipantIDs []string `json:"participantIds"`
}

// RoomData is the payload of room lifecycle events.
type RoomData struct {
	Room   *model.Room `json:"room"`
	Reason string      `json:"reason,omitempty"`
}

// Leave reasons.
const (
	ReasonLeft   = "left"
	ReasonKicked = "kicked"
	ReasonAFK    = "afk"
	ReasonClosed = "room_closed"
)

// Skip reasons.
const (
	ReasonCommand       = "command"
	ReasonVoteThreshold = "vote_threshold"
	ReasonReplaced      = "replaced"
)
