package model

import "time"

// ParticipantRole is a participant's role inside one room.
type ParticipantRole string

const (
	RoleListener  ParticipantRole = "LISTENER"
	RoleDJ        ParticipantRole = "DJ"
	RoleLeader    ParticipantRole = "LEADER"
	RoleModerator ParticipantRole = "MODERATOR"
)

// Valid reports whether r is a known role.
func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleListener, RoleDJ, RoleLeader, RoleModerator:
		return true
	}
	return false
}

// Participant is a user's membership in a room.
type Participant struct {
	ID               string          `json:"id" gorm:"primaryKey;size:36"`
	RoomID           string          `json:"roomId" gorm:"size:36;not null;uniqueIndex:idx_participant_room_user"`
	UserID           string          `json:"userId" gorm:"size:64;not null;uniqueIndex:idx_participant_room_user"`
	Username         string          `json:"username" gorm:"size:100"`
	Role             ParticipantRole `json:"role" gorm:"size:20;not null;default:'LISTENER'"`
	IsActive         bool            `json:"isActive"`
	IsInWaitlist     bool            `json:"isInWaitlist"`
	WaitlistPosition *int            `json:"waitlistPosition,omitempty"`
	IsMuted          bool            `json:"isMuted"`
	JoinedAt         time.Time       `json:"joinedAt"`
	LastActiveAt     time.Time       `json:"lastActiveAt"`
	LeftAt           *time.Time      `json:"leftAt,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TableName overrides the table name.
func (Participant) TableName() string {
	return "worship_participants"
}

// Present reports whether the participant is in the room or its waitlist.
func (p *Participant) Present() bool {
	return p.IsActive || p.IsInWaitlist
}

// IsAFK reports whether the last heartbeat is older than timeout.
func (p *Participant) IsAFK(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(p.LastActiveAt) > timeout
}

// PlayHistory is the immutable record of one finished entry.
type PlayHistory struct {
	ID               string     `json:"id" gorm:"primaryKey;size:36"`
	RoomID           string     `json:"roomId" gorm:"size:36;not null;index:idx_history_room_ended"`
	EntryID          string     `json:"entryId" gorm:"size:36;uniqueIndex"`
	VideoID          string     `json:"videoId" gorm:"size:64;not null;index"`
	VideoTitle       string     `json:"videoTitle" gorm:"size:300"`
	ThumbnailURL     string     `json:"thumbnailUrl,omitempty" gorm:"size:500"`
	DurationSeconds  int        `json:"durationSeconds"`
	RequestedByUser  string     `json:"requestedByUser" gorm:"size:64"`
	LeaderID         *string    `json:"leaderId,omitempty" gorm:"size:36"`
	LeaderUserID     string     `json:"leaderUserId,omitempty" gorm:"size:64"`
	ParticipantCount int        `json:"participantCount"`
	UpvoteCount      int        `json:"upvoteCount"`
	SkipVoteCount    int        `json:"skipVoteCount"`
	WasSkipped       bool       `json:"wasSkipped"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	EndedAt          time.Time  `json:"endedAt" gorm:"index:idx_history_room_ended"`
}

// TableName overrides the table name.
func (PlayHistory) TableName() string {
	return "worship_play_history"
}

// SkipPercentage is the share of participants that voted to skip.
func (h *PlayHistory) SkipPercentage() float64 {
	if h.ParticipantCount == 0 {
		return 0
	}
	return float64(h.SkipVoteCount) / float64(h.ParticipantCount) * 100
}

// UpvotePercentage is the share of participants that upvoted.
func (h *PlayHistory) UpvotePercentage() float64 {
	if h.ParticipantCount == 0 {
		return 0
	}
	return float64(h.UpvoteCount) / float64(h.ParticipantCount) * 100
}

// AllModels lists every persisted model for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{&Room{}, &QueueEntry{}, &Vote{}, &Participant{}, &PlayHistory{}}
}
