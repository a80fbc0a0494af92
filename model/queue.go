package model

import "time"

// QueueStatus is the lifecycle of a queue entry.
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "WAITING"
	QueuePlaying   QueueStatus = "PLAYING"
	QueueCompleted QueueStatus = "COMPLETED"
	QueueSkipped   QueueStatus = "SKIPPED"
)

// Terminal reports whether the status can no longer change.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueSkipped
}

// NoPosition marks an entry that is no longer part of the waiting order.
const NoPosition = -1

// QueueEntry is a requested video in a room's queue.
type QueueEntry struct {
	ID              string      `json:"id" gorm:"primaryKey;size:36"`
	RoomID          string      `json:"roomId" gorm:"size:36;not null;index:idx_queue_room_status"`
	VideoID         string      `json:"videoId" gorm:"size:64;not null;index"`
	VideoTitle      string      `json:"videoTitle" gorm:"size:300"`
	ThumbnailURL    string      `json:"thumbnailUrl,omitempty" gorm:"size:500"`
	DurationSeconds int         `json:"durationSeconds"`
	RequestedBy     string      `json:"requestedBy" gorm:"size:36;index"` // participant id
	RequestedByUser string      `json:"requestedByUser" gorm:"size:64"`
	Position        int         `json:"position"`
	Status          QueueStatus `json:"status" gorm:"size:20;not null;index:idx_queue_room_status"`
	QueuedAt        time.Time   `json:"queuedAt"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	FinishedAt      *time.Time  `json:"finishedAt,omitempty"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// TableName overrides the table name.
func (QueueEntry) TableName() string {
	return "worship_queue_entries"
}

// Duration returns the entry length, zero when unknown.
func (e *QueueEntry) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

// VoteType is the kind of vote cast on an entry.
type VoteType string

const (
	VoteUpvote VoteType = "UPVOTE"
	VoteSkip   VoteType = "SKIP"
)

// Valid reports whether t is a known vote type.
func (t VoteType) Valid() bool {
	return t == VoteUpvote || t == VoteSkip
}

// Vote is one participant's vote on one entry.
type Vote struct {
	EntryID       string    `json:"entryId" gorm:"primaryKey;size:36"`
	ParticipantID string    `json:"participantId" gorm:"primaryKey;size:36"`
	Type          VoteType  `json:"type" gorm:"primaryKey;size:10"`
	RoomID        string    `json:"roomId" gorm:"size:36;index"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TableName overrides the table name.
func (Vote) TableName() string {
	return "worship_votes"
}

// Tally is the vote count for one entry.
type Tally struct {
	Upvotes   int `json:"upvotes"`
	SkipVotes int `json:"skipVotes"`
}
