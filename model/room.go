package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// StringList is a JSON column holding a list of strings.
type StringList []string

// Scan implements sql.Scanner.
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*s = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Value implements driver.Valuer.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether v is in the list.
func (s StringList) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// RoomType is the lifecycle kind of a room.
type RoomType string

const (
	RoomTypeLive      RoomType = "LIVE"
	RoomTypeTemplate  RoomType = "TEMPLATE"
	RoomTypeLiveEvent RoomType = "LIVE_EVENT"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	switch t {
	case RoomTypeLive, RoomTypeTemplate, RoomTypeLiveEvent:
		return true
	}
	return false
}

// PlaybackStatus is the room's playback state.
type PlaybackStatus string

const (
	PlaybackStopped PlaybackStatus = "stopped"
	PlaybackPlaying PlaybackStatus = "playing"
	PlaybackPaused  PlaybackStatus = "paused"
)

// RoomSettings are the per-room queue and participation limits.
type RoomSettings struct {
	MaxQueueSize        int        `json:"maxQueueSize"`
	MaxSongsPerUser     int        `json:"maxSongsPerUser"`
	MinSongDuration     int        `json:"minSongDuration"` // seconds
	MaxSongDuration     int        `json:"maxSongDuration"` // seconds
	AllowDuplicateSongs bool       `json:"allowDuplicateSongs"`
	SongCooldownMinutes int        `json:"songCooldownMinutes"`
	AFKTimeoutMinutes   int        `json:"afkTimeoutMinutes"`
	MaxWaitlistSize     int        `json:"maxWaitlistSize"` // 0 means unlimited
	AutoAdvanceQueue    bool       `json:"autoAdvanceQueue"`
	AllowVoting         bool       `json:"allowVoting"`
	BannedVideoIDs      StringList `json:"bannedVideoIds,omitempty" gorm:"type:json"`
}

// DefaultRoomSettings returns the settings a new room starts with.
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		MaxQueueSize:        50,
		MaxSongsPerUser:     5,
		MinSongDuration:     60,
		MaxSongDuration:     900,
		SongCooldownMinutes: 60,
		AFKTimeoutMinutes:   30,
		MaxWaitlistSize:     20,
		AutoAdvanceQueue:    true,
		AllowVoting:         true,
	}
}

// Room is one playback session.
type Room struct {
	ID          string   `json:"id" gorm:"primaryKey;size:36"`
	Name        string   `json:"name" gorm:"size:100;not null;index"`
	Description string   `json:"description,omitempty" gorm:"size:500"`
	ImageURL    string   `json:"imageUrl,omitempty" gorm:"size:500"`
	Type        RoomType `json:"roomType" gorm:"size:20;not null;default:'LIVE';index"`
	CreatedBy   string   `json:"createdBy" gorm:"size:64;index;not null"`

	PlaybackStatus    PlaybackStatus `json:"playbackStatus" gorm:"size:20;not null;default:'stopped'"`
	PlaybackPosition  float64        `json:"playbackPosition"` // seconds into the current entry at ScheduledPlayTime
	ScheduledPlayTime *time.Time     `json:"scheduledPlayTime,omitempty"`
	CurrentEntryID    *string        `json:"currentEntryId,omitempty" gorm:"size:36"`
	CurrentLeaderID   *string        `json:"currentLeaderId,omitempty" gorm:"size:36"` // participant id

	SkipThreshold   float64 `json:"skipThreshold"`
	MaxParticipants *int    `json:"maxParticipants,omitempty"`
	IsPrivate       bool    `json:"isPrivate"`
	AccessCodeHash  string  `json:"-" gorm:"size:100"`
	IsActive        bool    `json:"isActive" gorm:"index"`

	// LIVE_EVENT
	ScheduledStart *time.Time `json:"scheduledStart,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduledEnd,omitempty"`
	AutoStart      bool       `json:"autoStart"`
	AutoClose      bool       `json:"autoClose"`
	IsLive         bool       `json:"isLive"`
	StreamURL      string     `json:"streamUrl,omitempty" gorm:"size:500"`
	ActualStart    *time.Time `json:"actualStart,omitempty"`
	ActualEnd      *time.Time `json:"actualEnd,omitempty"`

	// TEMPLATE
	AllowUserStart bool    `json:"allowUserStart,omitempty"`
	TemplateID     *string `json:"templateId,omitempty" gorm:"size:36;index"`

	Settings RoomSettings `json:"settings" gorm:"embedded;embeddedPrefix:settings_"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// TableName overrides the table name.
func (Room) TableName() string {
	return "worship_rooms"
}

// Playable reports whether playback commands may run in the room.
func (r *Room) Playable() bool {
	switch r.Type {
	case RoomTypeTemplate:
		return false
	case RoomTypeLiveEvent:
		return r.IsLive
	}
	return true
}

// IsFull reports whether activeCount has reached the participant cap.
func (r *Room) IsFull(activeCount int) bool {
	return r.MaxParticipants != nil && activeCount >= *r.MaxParticipants
}

// ShouldAutoStart reports whether a scheduled event is due to go live.
func (r *Room) ShouldAutoStart(now time.Time) bool {
	return r.Type == RoomTypeLiveEvent && r.AutoStart && !r.IsLive && r.ActualStart == nil &&
		r.ScheduledStart != nil && !now.Before(*r.ScheduledStart)
}

// ShouldAutoClose reports whether a scheduled event is past its end.
func (r *Room) ShouldAutoClose(now time.Time) bool {
	return r.Type == RoomTypeLiveEvent && r.AutoClose &&
		r.ScheduledEnd != nil && now.After(*r.ScheduledEnd)
}
