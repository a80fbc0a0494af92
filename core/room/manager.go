package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"worshiproom/config"
	"worshiproom/core/auth"
	"worshiproom/core/video"
	"worshiproom/logger"
	"worshiproom/model"
	"worshiproom/repository"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Options are the engine tunables. UpdateOptions swaps them at runtime.
type Options struct {
	ClientBuffer          time.Duration // lead time added to every scheduled start
	DefaultAFKTimeout     time.Duration
	DefaultCooldown       time.Duration
	DefaultSkipThreshold  float64
	SubscriberBuffer      int
	MailboxSize           int
	PersistTimeout        time.Duration
	ArchiveHistoryOnClose bool
}

// DefaultOptions mirrors config.DefaultEngine.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultEngine())
}

// OptionsFromConfig maps the engine section of the configuration.
func OptionsFromConfig(c config.EngineConfig) Options {
	return Options{
		ClientBuffer:          c.ClientBuffer,
		DefaultAFKTimeout:     c.DefaultAFKTimeout,
		DefaultCooldown:       c.DefaultCooldown,
		DefaultSkipThreshold:  c.DefaultSkipRatio,
		SubscriberBuffer:      c.SubscriberBuffer,
		MailboxSize:           c.MailboxSize,
		PersistTimeout:        c.PersistTimeout,
		ArchiveHistoryOnClose: c.ArchiveHistoryOnClose,
	}
}

// SnapshotCache keeps the latest snapshot of each room for readers outside
// this process.
type SnapshotCache interface {
	StoreSnapshot(ctx context.Context, snap *Snapshot) error
	DeleteRoom(ctx context.Context, roomID string) error
	TouchPresence(ctx context.Context, roomID, userID string) error
}

// EventSink receives every committed event. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}

// VideoLookup resolves video metadata.
type VideoLookup interface {
	Lookup(ctx context.Context, videoID string) (*video.Info, error)
}

// HistoryArchiver stores a closed room's play history.
type HistoryArchiver interface {
	ArchiveRoom(ctx context.Context, room *model.Room, history []*model.PlayHistory) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache mirrors committed snapshots and presence into c.
func WithCache(c SnapshotCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithSink relays committed events to s.
func WithSink(s EventSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithVideoLookup fills in title and duration for enqueued videos.
func WithVideoLookup(v VideoLookup) Option {
	return func(m *Manager) { m.videos = v }
}

// WithArchiver stores each room's play history when it closes.
func WithArchiver(a HistoryArchiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager owns every active room. Each room runs in its own goroutine; the
// manager only routes calls to it.
type Manager struct {
	repo     repository.RoomRepository
	clock    clock.Clock
	cache    SnapshotCache
	sink     EventSink
	videos   VideoLookup
	archiver HistoryArchiver

	optsMu sync.RWMutex
	opts   Options

	mu       sync.RWMutex
	rooms    map[string]*roomDomain
	names    map[string]string // lower-cased active room name -> room id
	shutdown bool

	wg sync.WaitGroup
}

// NewManager creates a room manager.
func NewManager(repo repository.RoomRepository, opts Options, options ...Option) *Manager {
	m := &Manager{
		repo:  repo,
		clock: clock.New(),
		opts:  opts,
		rooms: make(map[string]*roomDomain),
		names: make(map[string]string),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

func (m *Manager) options() Options {
	m.optsMu.RLock()
	defer m.optsMu.RUnlock()
	return m.opts
}

// UpdateOptions applies new tunables to every later transition.
func (m *Manager) UpdateOptions(opts Options) {
	m.optsMu.Lock()
	m.opts = opts
	m.optsMu.Unlock()
	logger.Info("room engine options updated",
		logger.Duration("clientBuffer", opts.ClientBuffer),
		logger.Int("subscriberBuffer", opts.SubscriberBuffer))
}

// ========== Room registry ==========

func (m *Manager) domain(roomID string) (*roomDomain, error) {
	m.mu.RLock()
	d := m.rooms[roomID]
	m.mu.RUnlock()
	if d == nil {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	return d, nil
}

func (m *Manager) domains() []*roomDomain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*roomDomain, 0, len(m.rooms))
	for _, d := range m.rooms {
		out = append(out, d)
	}
	return out
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// register starts a domain for s and runs init as its first transition.
// The room is dropped again when init fails.
func (m *Manager) register(ctx context.Context, s *roomState, init func(tx *txn) error) (*roomDomain, error) {
	d := newRoomDomain(m, s)
	key := nameKey(s.room.Name)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: shutting down", ErrRoomInactive)
	}
	if _, exists := m.rooms[d.id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: room %s is already loaded", ErrValidation, d.id)
	}
	if owner, taken := m.names[key]; taken && owner != d.id {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: room name %q is already in use", ErrValidation, s.room.Name)
	}
	m.rooms[d.id] = d
	m.names[key] = d.id
	d.start()
	m.mu.Unlock()

	if err := d.do(ctx, "", init); err != nil {
		m.forget(d)
		d.stop()
		return nil, err
	}
	return d, nil
}

func (m *Manager) forget(d *roomDomain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[d.id] == d {
		delete(m.rooms, d.id)
	}
	for key, id := range m.names {
		if id == d.id {
			delete(m.names, key)
		}
	}
}

func (m *Manager) archive(room *model.Room) {
	if m.archiver == nil || !m.options().ArchiveHistoryOnClose {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		history, err := m.repo.ListHistory(ctx, room.ID, 0, 0)
		if err != nil {
			logger.Error("failed to load history for archive", logger.String("roomId", room.ID), logger.ErrorField(err))
			return
		}
		if err := m.archiver.ArchiveRoom(ctx, room, history); err != nil {
			logger.Error("failed to archive room history", logger.String("roomId", room.ID), logger.ErrorField(err))
			return
		}
		logger.Info("room history archived", logger.String("roomId", room.ID), logger.Int("plays", len(history)))
	}()
}

// ========== Rooms ==========

// RoomConfig describes a room to create.
type RoomConfig struct {
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	ImageURL        string              `json:"imageUrl,omitempty"`
	Type            model.RoomType      `json:"roomType,omitempty"`
	SkipThreshold   *float64            `json:"skipThreshold,omitempty"`
	MaxParticipants *int                `json:"maxParticipants,omitempty"`
	IsPrivate       bool                `json:"isPrivate,omitempty"`
	AccessCode      string              `json:"accessCode,omitempty"`
	ScheduledStart  *time.Time          `json:"scheduledStart,omitempty"`
	ScheduledEnd    *time.Time          `json:"scheduledEnd,omitempty"`
	AutoStart       bool                `json:"autoStart,omitempty"`
	AutoClose       bool                `json:"autoClose,omitempty"`
	StreamURL       string              `json:"streamUrl,omitempty"`
	AllowUserStart  bool                `json:"allowUserStart,omitempty"`
	Settings        *model.RoomSettings `json:"settings,omitempty"`
}

// Validate checks the config and fills in the room type.
func (c *RoomConfig) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("%w: room name is required", ErrValidation)
	}
	if len(c.Name) > 100 {
		return fmt.Errorf("%w: room name is longer than 100 characters", ErrValidation)
	}
	if c.Type == "" {
		c.Type = model.RoomTypeLive
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown room type %q", ErrValidation, c.Type)
	}
	if c.SkipThreshold != nil && (*c.SkipThreshold < 0 || *c.SkipThreshold > 1) {
		return fmt.Errorf("%w: skip threshold must be between 0 and 1", ErrValidation)
	}
	if c.MaxParticipants != nil && *c.MaxParticipants < 1 {
		return fmt.Errorf("%w: max participants must be at least 1", ErrValidation)
	}
	if c.IsPrivate && c.AccessCode == "" {
		return fmt.Errorf("%w: private rooms need an access code", ErrValidation)
	}
	if c.Type == model.RoomTypeLiveEvent {
		if c.AutoStart && c.ScheduledStart == nil {
			return fmt.Errorf("%w: auto start needs a scheduled start", ErrValidation)
		}
		if c.AutoClose && c.ScheduledEnd == nil {
			return fmt.Errorf("%w: auto close needs a scheduled end", ErrValidation)
		}
		if c.ScheduledStart != nil && c.ScheduledEnd != nil && !c.ScheduledEnd.After(*c.ScheduledStart) {
			return fmt.Errorf("%w: scheduled end must be after scheduled start", ErrValidation)
		}
	}
	if s := c.Settings; s != nil {
		if s.MaxSongDuration > 0 && s.MinSongDuration > s.MaxSongDuration {
			return fmt.Errorf("%w: min song duration exceeds max", ErrValidation)
		}
		if s.MaxQueueSize < 0 || s.MaxSongsPerUser < 0 || s.MaxWaitlistSize < 0 ||
			s.SongCooldownMinutes < 0 || s.AFKTimeoutMinutes < 0 {
			return fmt.Errorf("%w: limits cannot be negative", ErrValidation)
		}
	}
	return nil
}

func (m *Manager) newRoom(id auth.Identity, cfg RoomConfig) (*model.Room, error) {
	if id.UserID == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrUnauthorized)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := m.options()
	now := m.clock.Now()

	settings := model.DefaultRoomSettings()
	if cfg.Settings != nil {
		settings = *cfg.Settings
	} else {
		settings.AFKTimeoutMinutes = int(opts.DefaultAFKTimeout / time.Minute)
		settings.SongCooldownMinutes = int(opts.DefaultCooldown / time.Minute)
	}
	threshold := opts.DefaultSkipThreshold
	if cfg.SkipThreshold != nil {
		threshold = *cfg.SkipThreshold
	}

	room := &model.Room{
		ID:              uuid.NewString(),
		Name:            cfg.Name,
		Description:     cfg.Description,
		ImageURL:        cfg.ImageURL,
		Type:            cfg.Type,
		CreatedBy:       id.UserID,
		PlaybackStatus:  model.PlaybackStopped,
		SkipThreshold:   threshold,
		MaxParticipants: cfg.MaxParticipants,
		IsPrivate:       cfg.IsPrivate,
		IsActive:        true,
		Settings:        settings,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if cfg.IsPrivate {
		hash, err := auth.HashAccessCode(cfg.AccessCode)
		if err != nil {
			return nil, err
		}
		room.AccessCodeHash = hash
	}
	switch cfg.Type {
	case model.RoomTypeLiveEvent:
		room.ScheduledStart = cfg.ScheduledStart
		room.ScheduledEnd = cfg.ScheduledEnd
		room.AutoStart = cfg.AutoStart
		room.AutoClose = cfg.AutoClose
		room.StreamURL = cfg.StreamURL
	case model.RoomTypeTemplate:
		room.AllowUserStart = cfg.AllowUserStart
	}
	return room, nil
}

func (m *Manager) checkName(ctx context.Context, name string) error {
	exists, err := m.repo.ActiveRoomNameExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if exists {
		return fmt.Errorf("%w: room name %q is already in use", ErrValidation, name)
	}
	return nil
}

// CreateRoom creates and starts a room owned by id.
func (m *Manager) CreateRoom(ctx context.Context, id auth.Identity, cfg RoomConfig) (*model.Room, error) {
	room, err := m.newRoom(id, cfg)
	if err != nil {
		return nil, err
	}
	if err := m.checkName(ctx, room.Name); err != nil {
		return nil, err
	}

	var created model.Room
	_, err = m.register(ctx, newRoomState(room), func(tx *txn) error {
		tx.touchRoom()
		tx.emit(EventRoomCreated, RoomData{Room: tx.s.room})
		created = *tx.s.room
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("room created",
		logger.String("roomId", created.ID),
		logger.String("name", created.Name),
		logger.String("type", string(created.Type)),
		logger.String("createdBy", id.UserID))
	return &created, nil
}

// StartFromTemplate opens a LIVE room seeded with a template's settings and
// setlist. An empty name becomes "<template> - <time>".
func (m *Manager) StartFromTemplate(ctx context.Context, id auth.Identity, templateID, name string) (*model.Room, error) {
	d, err := m.domain(templateID)
	if err != nil {
		return nil, err
	}
	var (
		tmpl    model.Room
		setlist []model.QueueEntry
	)
	if err := d.read(ctx, func(s *roomState, _ uint64) {
		tmpl = *s.room
		for _, e := range s.waiting {
			setlist = append(setlist, *e)
		}
	}); err != nil {
		return nil, err
	}
	if tmpl.Type != model.RoomTypeTemplate {
		return nil, fmt.Errorf("%w: room %s is not a template", ErrValidation, templateID)
	}
	if tmpl.CreatedBy != id.UserID && !id.IsAdmin() && !tmpl.AllowUserStart {
		return nil, fmt.Errorf("%w: only the template owner may start it", ErrUnauthorized)
	}

	now := m.clock.Now()
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("%s - %s", tmpl.Name, now.Format("2006-01-02 15:04"))
	}
	threshold := tmpl.SkipThreshold
	room, err := m.newRoom(id, RoomConfig{
		Name:            name,
		Description:     tmpl.Description,
		ImageURL:        tmpl.ImageURL,
		Type:            model.RoomTypeLive,
		SkipThreshold:   &threshold,
		MaxParticipants: tmpl.MaxParticipants,
		Settings:        &tmpl.Settings,
	})
	if err != nil {
		return nil, err
	}
	room.IsPrivate = tmpl.IsPrivate
	room.AccessCodeHash = tmpl.AccessCodeHash
	templateRef := tmpl.ID
	room.TemplateID = &templateRef
	if err := m.checkName(ctx, room.Name); err != nil {
		return nil, err
	}

	var created model.Room
	_, err = m.register(ctx, newRoomState(room), func(tx *txn) error {
		tx.touchRoom()
		for i, src := range setlist {
			e := &model.QueueEntry{
				ID:              uuid.NewString(),
				RoomID:          tx.s.room.ID,
				VideoID:         src.VideoID,
				VideoTitle:      src.VideoTitle,
				ThumbnailURL:    src.ThumbnailURL,
				DurationSeconds: src.DurationSeconds,
				RequestedByUser: src.RequestedByUser,
				Position:        i,
				Status:          model.QueueWaiting,
				QueuedAt:        tx.now,
			}
			tx.s.entries[e.ID] = e
			tx.s.waiting = append(tx.s.waiting, e)
			tx.touchEntry(e)
		}
		tx.emit(EventRoomCreated, RoomData{Room: tx.s.room, Reason: "template"})
		created = *tx.s.room
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("room started from template",
		logger.String("roomId", created.ID),
		logger.String("templateId", templateID),
		logger.Int("entries", len(setlist)))
	return &created, nil
}

// GetRoom returns an active room, or a closed one from storage.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	if d, err := m.domain(roomID); err == nil {
		var room model.Room
		if err := d.read(ctx, func(s *roomState, _ uint64) { room = *s.room }); err == nil {
			return &room, nil
		}
	}
	room, err := m.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if room == nil {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	return room, nil
}

// RoomSummary is one row of the room list.
type RoomSummary struct {
	Room               model.Room        `json:"room"`
	ActiveParticipants int               `json:"activeParticipants"`
	WaitlistSize       int               `json:"waitlistSize"`
	QueueLength        int               `json:"queueLength"`
	NowPlaying         *model.QueueEntry `json:"nowPlaying,omitempty"`
}

// ListRooms lists active rooms, optionally of one type, oldest first.
func (m *Manager) ListRooms(ctx context.Context, roomType model.RoomType) ([]RoomSummary, error) {
	var out []RoomSummary
	for _, d := range m.domains() {
		var (
			sum  RoomSummary
			keep bool
		)
		err := d.read(ctx, func(s *roomState, _ uint64) {
			if roomType != "" && s.room.Type != roomType {
				return
			}
			keep = true
			sum = RoomSummary{
				Room:               *s.room,
				ActiveParticipants: s.activeCount(),
				WaitlistSize:       len(s.waitlist()),
				QueueLength:        len(s.waiting),
			}
			if cur := s.current(); cur != nil {
				e := *cur
				sum.NowPlaying = &e
			}
		})
		if err != nil {
			if errors.Is(err, ErrRoomInactive) {
				continue
			}
			return nil, err
		}
		if keep {
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Room.CreatedAt.Equal(out[j].Room.CreatedAt) {
			return out[i].Room.ID < out[j].Room.ID
		}
		return out[i].Room.CreatedAt.Before(out[j].Room.CreatedAt)
	})
	return out, nil
}

// canManage reports whether id may run room-level operations.
func canManage(s *roomState, id auth.Identity) bool {
	if id.IsAdmin() || s.room.CreatedBy == id.UserID {
		return true
	}
	p := s.participantByUser(id.UserID)
	return p != nil && p.IsActive && (p.Role == model.RoleModerator || p.Role == model.RoleLeader)
}

// CloseRoom deactivates a room. Its subscribers are disconnected and its
// history is archived.
func (m *Manager) CloseRoom(ctx context.Context, id auth.Identity, roomID string) error {
	d, err := m.domain(roomID)
	if err != nil {
		return err
	}
	return d.do(ctx, id.UserID, func(tx *txn) error {
		if !canManage(tx.s, id) {
			return fmt.Errorf("%w: only the owner or a moderator may close the room", ErrUnauthorized)
		}
		tx.closeRoom("closed")
		return nil
	})
}

// GoLive opens a LIVE_EVENT room for playback.
func (m *Manager) GoLive(ctx context.Context, id auth.Identity, roomID string) (*model.Room, error) {
	d, err := m.domain(roomID)
	if err != nil {
		return nil, err
	}
	var room model.Room
	err = d.do(ctx, id.UserID, func(tx *txn) error {
		p := tx.s.participantByUser(id.UserID)
		if !id.IsAdmin() && tx.s.room.CreatedBy != id.UserID {
			if err := Authorize(p, ActionPlayback).Err(); err != nil {
				return err
			}
		}
		if err := tx.goLive(); err != nil {
			return err
		}
		room = *tx.s.room
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// ========== Participants ==========

// Join admits id to a room, or puts them on its waitlist when it is full.
// Private rooms need the access code unless id owns the room or is an admin.
func (m *Manager) Join(ctx context.Context, id auth.Identity, roomID, accessCode string) (*model.Participant, error) {
	if id.UserID == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrUnauthorized)
	}
	d, err := m.domain(roomID)
	if err != nil {
		return nil, err
	}

	var joined model.Participant
	err = d.do(ctx, id.UserID, func(tx *txn) error {
		if needsAccessCode(tx.s, id) && !auth.CheckAccessCode(accessCode, tx.s.room.AccessCodeHash) {
			return fmt.Errorf("%w: wrong access code", ErrUnauthorized)
		}
		p, err := tx.join(id)
		if err != nil {
			return err
		}
		joined = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.touchPresence(roomID, id.UserID)
	logger.Info("participant joined",
		logger.String("roomId", roomID),
		logger.String("userId", id.UserID),
		logger.String("role", string(joined.Role)),
		logger.Bool("waitlisted", joined.IsInWaitlist))
	return &joined, nil
}

// needsAccessCode reports whether id must present the room's access code.
// Present members rejoining from another connection do not.
func needsAccessCode(s *roomState, id auth.Identity) bool {
	room := s.room
	if !room.IsPrivate || room.CreatedBy == id.UserID || id.IsAdmin() {
		return false
	}
	if p := s.participantByUser(id.UserID); p != nil && p.Present() {
		return false
	}
	return true
}

// Leave removes id from a room and ends their subscriptions.
func (m *Manager) Leave(ctx context.Context, id auth.Identity, roomID string) error {
	d, err := m.domain(roomID)
	if err != nil {
		return err
	}
	return d.do(ctx, id.UserID, func(tx *txn) error {
		return tx.leave(tx.s.participantByUser(id.UserID), ReasonLeft)
	})
}

// Heartbeat keeps id from being reaped as AFK.
func (m *Manager) Heartbeat(ctx context.Context, id auth.Identity, roomID string) error {
	d, err := m.domain(roomID)
	if err != nil {
		return err
	}
	if err := d.do(ctx, id.UserID, func(tx *txn) error {
		return tx.heartbeat(tx.s.participantByUser(id.UserID))
	}); err != nil {
		return err
	}
	m.touchPresence(roomID, id.UserID)
	return nil
}

func (m *Manager) touchPresence(roomID, userID string) {
	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.cache.TouchPresence(ctx, roomID, userID); err != nil {
		logger.Warn("failed to update presence",
			logger.String("roomId", roomID),
			logger.String("userId", userID),
			logger.ErrorField(err))
	}
}

// AssignRole sets the role of another participant.
func (m *Manager) AssignRole(ctx context.Context, id auth.Identity, roomID, participantID string, role model.ParticipantRole) (*model.Participant, error) {
	d, err := m.domain(roomID)
	if err != nil {
		return nil, err
	}
	var out model.Participant
	err = d.do(ctx, id.UserID, func(tx *txn) error {
		target := tx.s.participants[participantID]
		if err := tx.assignRole(tx.s.participantByUser(id.UserID), target, role); err != nil {
			return err
		}
		out = *target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Kick removes another participant from the room.
func (m *Manager) Kick(ctx context.Context, id auth.Identity, roomID, participantID string) error {
	d, err := m.domain(roomID)
	if err != nil {
		return err
	}
	return d.do(ctx, id.UserID, func(tx *txn) error {
		return tx.kick(tx.s.participantByUser(id.UserID), tx.s.participants[participantID])
	})
}

// Mute blocks or unblocks another participant from enqueueing.
func (m *Manager) Mute(ctx context.Context, id auth.Identity, roomID, participantID string, muted bool) error {
	d, err := m.domain(roomID)
	if err != nil {
		return err
	}
	return d.do(ctx, id.UserID, func(tx *txn) error {
		return tx.mute(tx.s.participantByUser(id.UserID), tx.s.participants[participantID], muted)
	})
}

// ========== Queue and votes ==========

// EnqueueRequest names a video to queue. Title, duration and thumbnail are
// used when the video lookup has no answer.
type EnqueueRequest struct {
	VideoID         string `json:"videoId"`
	Title           string `json:"title,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	ThumbnailURL    string `json:"thumbnailUrl,omitempty"`
}

func (m *Manager) resolveVideo(ctx context.Context, req EnqueueRequest) (VideoRef, error) {
	ref := VideoRef{
		VideoID:         strings.TrimSpace(req.VideoID),
		Title:           req.Title,
		DurationSeconds: req.DurationSeconds,
		ThumbnailURL:    req.ThumbnailURL,
	}
	if ref.VideoID == "" {
		return ref, fmt.Errorf("%w: video id is required", ErrValidation)
	}
	if m.videos == nil {
		return ref, nil
	}
	info, err := m.videos.Lookup(ctx, ref.VideoID)
	if err != nil {
		if ref.Title != "" {
			logger.Warn("video lookup failed, using request metadata",
				logger.String("videoId", ref.VideoID),
				logger.ErrorField(err))
			return ref, nil
		}
		return ref, fmt.Errorf("%w: video %s: %v", ErrNotFound, ref.VideoID, err)
	}
	if info.Title != "" {
		ref.Title = info.Title
	}
	if info.DurationSeconds > 0 {
		ref.DurationSeconds = info.DurationSeconds
	}
	if info.ThumbnailURL != "" {
		ref.ThumbnailURL = info.ThumbnailURL
	}
	return ref, nil
}

// Enqueue appends a video to the room's queue.
func (m *Manager) Enqueue(ctx context.Context, id auth.Identity, roomID string, req EnqueueRequest) (*model.QueueEntry, error) {
	d, err := m.domain(roomID)
	if err != nil {
		return nil, err
	}
	ref, err := m.resolveVideo(ctx, req)
	if err != nil {
		return nil, err
	}
	var out model.QueueEntry
	err = d.do(ctx, id.UserID, func(tx *txn) error {
		e, err := tx.enqueue(tx.s.participantByUser(id.UserID), ref)
		if err != nil {
			return err
		}
		out = *e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveEntry deletes a waiting entry. Requesters may remove their own;
// leaders and moderators may remove any.
func (m *Manager) RemoveEntry(ctx context.Context, id auth.Identity, roomID, entryID string) error {
	d, err := m.domain(roomID)
	if err != nil {
		return err
	}
	return d.do(ctx, id.UserID, func(tx *txn) error {
		p := tx.s.participantByUser(id.UserID)
		entry := tx.s.entries[entryID]
		if entry == nil {
			return fmt.Errorf("%w: entry %s", ErrNotFound, entryID)
		}
		if entry.Status == model.QueuePlaying {
			return fmt.Errorf("%w: entry is playing, use skip", ErrInvalidStateTransition)
		}
		action := ActionManageQueue
		if p != nil && entry.RequestedBy == p.ID {
			action = ActionVote
		}
		if err := Authorize(p, action).Err(); err != nil {
			return err
		}
		removed, err := tx.removeAndCompact(entryID)
		if err != nil {
			return err
		}
		tx.emit(EventEntryRemoved, EntryData{Entry: removed, Reason: "removed"})
		return nil
	})
}

// MoveEntry reorders a waiting entry.
func (m *Manager) MoveEntry(ctx context.Context, id auth.Identity, roomID, entryID string, position int) error {
	d, err := m.domain(roomID)
	if err != nil {
		return err
	}
	return d.do(ctx, id.UserID, func(tx *txn) error {
		if err := Authorize(tx.s.participantByUser(id.UserID), ActionManageQueue).Err(); err != nil {
			return err
		}
		_, err := tx.moveEntry(entryID, position)
		return err
	})
}

// Vote casts an upvote or skip vote and returns the tally it produced. A
// skip vote that crosses the threshold skips the entry in the same step.
func (m *Manager) Vote(ctx context.Context, id auth.Identity, roomID, entryID string, voteType model.VoteType) (model.Tally, error) {
	d, err := m.domain(roomID)
	if err != nil {
		return model.Tally{}, err
	}
	var tally model.Tally
	err = d.do(ctx, id.UserID, func(tx *txn) error {
		t, err := tx.castVote(tx.s.participantByUser(id.UserID), entryID, voteType)
		tally = t
		return err
	})
	return tally, err
}

// RetractVote removes id's vote on an entry.
func (m *Manager) RetractVote(ctx context.Context, id auth.Identity, roomID, entryID string) error {
	d, err := m.domain(roomID)
	if err != nil {
		return err
	}
	return d.do(ctx, id.UserID, func(tx *txn) error {
		return tx.retractVote(tx.s.participantByUser(id.UserID), entryID)
	})
}

// ========== Playback ==========

// Command runs a playback command and returns the resulting snapshot. On
// ErrEmptyQueue the room stays stopped and the snapshot is still returned.
func (m *Manager) Command(ctx context.Context, id auth.Identity, roomID string, cmd Command) (*Snapshot, error) {
	d, err := m.domain(roomID)
	if err != nil {
		return nil, err
	}
	cmdErr := d.do(ctx, id.UserID, func(tx *txn) error {
		return tx.command(tx.s.participantByUser(id.UserID), cmd)
	})
	if cmdErr != nil && !errors.Is(cmdErr, ErrEmptyQueue) {
		return nil, cmdErr
	}
	snap, err := m.snapshotOf(ctx, d)
	if err != nil {
		return nil, err
	}
	return snap, cmdErr
}

// ========== Sync ==========

func (m *Manager) snapshotOf(ctx context.Context, d *roomDomain) (*Snapshot, error) {
	var snap *Snapshot
	err := d.read(ctx, func(s *roomState, seq uint64) {
		snap = buildSnapshot(s, seq, m.clock.Now())
	})
	return snap, err
}

// Snapshot returns the current state of a room. Private rooms are only
// visible to their participants, owner and admins.
func (m *Manager) Snapshot(ctx context.Context, id auth.Identity, roomID string) (*Snapshot, error) {
	d, err := m.domain(roomID)
	if err != nil {
		return nil, err
	}
	var (
		snap    *Snapshot
		allowed bool
	)
	err = d.read(ctx, func(s *roomState, seq uint64) {
		allowed = visibleTo(s, id)
		if allowed {
			snap = buildSnapshot(s, seq, m.clock.Now())
		}
	})
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: private room", ErrUnauthorized)
	}
	return snap, nil
}

func visibleTo(s *roomState, id auth.Identity) bool {
	if !s.room.IsPrivate || id.IsAdmin() || s.room.CreatedBy == id.UserID {
		return true
	}
	p := s.participantByUser(id.UserID)
	return p != nil && p.Present()
}

// Subscribe attaches id to the room's event stream. The snapshot and the
// subscription are taken in the same step, so the first event received
// has Seq == snapshot.Seq+1.
func (m *Manager) Subscribe(ctx context.Context, id auth.Identity, roomID string) (*Subscription, *Snapshot, error) {
	d, err := m.domain(roomID)
	if err != nil {
		return nil, nil, err
	}
	buffer := m.options().SubscriberBuffer
	var (
		sub  *Subscription
		snap *Snapshot
	)
	err = d.read(ctx, func(s *roomState, seq uint64) {
		p := s.participantByUser(id.UserID)
		if p == nil || !p.Present() {
			return
		}
		sub = d.hub.subscribe(id.UserID, buffer)
		snap = buildSnapshot(s, seq, m.clock.Now())
	})
	if err != nil {
		return nil, nil, err
	}
	if sub == nil {
		return nil, nil, fmt.Errorf("%w: join the room before subscribing", ErrUnauthorized)
	}
	return sub, snap, nil
}

// History lists finished entries of a room, newest first.
func (m *Manager) History(ctx context.Context, roomID string, limit, offset int) ([]*model.PlayHistory, error) {
	if _, err := m.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	history, err := m.repo.ListHistory(ctx, roomID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return history, nil
}

// ========== Lifecycle ==========

// Restore loads every active room from storage. Present participants get a
// fresh heartbeat so a restart does not reap them all as AFK.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	rooms, err := m.repo.ListActiveRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	now := m.clock.Now()
	restored := 0
	for _, room := range rooms {
		if _, err := m.domain(room.ID); err == nil {
			continue
		}
		ws, err := m.repo.LoadRoomState(ctx, room.ID, now.Add(-maxCooldownWindow))
		if err != nil {
			logger.Error("failed to load room", logger.String("roomId", room.ID), logger.ErrorField(err))
			continue
		}
		if ws == nil {
			continue
		}
		s := stateFromStorage(ws)
		if _, err := m.register(ctx, s, func(tx *txn) error {
			for _, p := range tx.s.participants {
				if p.Present() {
					p.LastActiveAt = tx.now
					tx.touchParticipant(p)
				}
			}
			tx.normalize()
			return nil
		}); err != nil {
			logger.Error("failed to restore room", logger.String("roomId", room.ID), logger.ErrorField(err))
			continue
		}
		restored++
	}
	logger.Info("rooms restored", logger.Int("count", restored), logger.Int("active", len(rooms)))
	return restored, nil
}

// Shutdown stops every room goroutine without closing the rooms and waits
// for background writers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	domains := make([]*roomDomain, 0, len(m.rooms))
	for _, d := range m.rooms {
		domains = append(domains, d)
	}
	m.mu.Unlock()

	for _, d := range domains {
		d.stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
