package room

import (
	"fmt"
	"time"

	"worshiproom/model"

	"github.com/google/uuid"
)

// VideoRef is the video being requested.
type VideoRef struct {
	VideoID         string `json:"videoId"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"durationSeconds"`
	ThumbnailURL    string `json:"thumbnailUrl,omitempty"`
}

// isVideoInQueue reports whether the video is waiting or playing.
func (tx *txn) isVideoInQueue(videoID string) bool {
	for _, e := range tx.s.entries {
		if e.VideoID == videoID {
			return true
		}
	}
	return false
}

// wasVideoRecentlyPlayed reports whether the video finished within cooldown.
func (tx *txn) wasVideoRecentlyPlayed(videoID string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}
	cutoff := tx.now.Add(-cooldown)
	for _, r := range tx.s.recent {
		if r.VideoID == videoID && r.EndedAt.After(cutoff) {
			return true
		}
	}
	return false
}

func (tx *txn) songCooldown() time.Duration {
	return time.Duration(tx.s.room.Settings.SongCooldownMinutes) * time.Minute
}

// enqueue validates and appends a new entry at currentMax + 1.
func (tx *txn) enqueue(p *model.Participant, video VideoRef) (*model.QueueEntry, error) {
	if err := Authorize(p, ActionEnqueue).Err(); err != nil {
		return nil, err
	}
	if video.VideoID == "" {
		return nil, fmt.Errorf("%w: video id is required", ErrValidation)
	}

	settings := tx.s.room.Settings
	if settings.BannedVideoIDs.Contains(video.VideoID) {
		return nil, fmt.Errorf("%w: video %s is not allowed in this room", ErrValidation, video.VideoID)
	}
	if video.DurationSeconds > 0 {
		if settings.MinSongDuration > 0 && video.DurationSeconds < settings.MinSongDuration {
			return nil, fmt.Errorf("%w: video is shorter than %ds", ErrValidation, settings.MinSongDuration)
		}
		if settings.MaxSongDuration > 0 && video.DurationSeconds > settings.MaxSongDuration {
			return nil, fmt.Errorf("%w: video is longer than %ds", ErrValidation, settings.MaxSongDuration)
		}
	}
	if settings.MaxQueueSize > 0 && len(tx.s.waiting) >= settings.MaxQueueSize {
		return nil, fmt.Errorf("%w: queue is full (%d entries)", ErrValidation, settings.MaxQueueSize)
	}
	if settings.MaxSongsPerUser > 0 && p.Role != model.RoleLeader && p.Role != model.RoleModerator {
		mine := 0
		for _, e := range tx.s.waiting {
			if e.RequestedBy == p.ID {
				mine++
			}
		}
		if mine >= settings.MaxSongsPerUser {
			return nil, fmt.Errorf("%w: at most %d queued songs per participant", ErrValidation, settings.MaxSongsPerUser)
		}
	}
	if !settings.AllowDuplicateSongs && tx.isVideoInQueue(video.VideoID) {
		return nil, fmt.Errorf("%w: %s is already in the queue", ErrDuplicateOrCooldown, video.VideoID)
	}
	if tx.wasVideoRecentlyPlayed(video.VideoID, tx.songCooldown()) {
		return nil, fmt.Errorf("%w: %s was played in the last %d minutes",
			ErrDuplicateOrCooldown, video.VideoID, settings.SongCooldownMinutes)
	}

	entry := &model.QueueEntry{
		ID:              uuid.NewString(),
		RoomID:          tx.s.room.ID,
		VideoID:         video.VideoID,
		VideoTitle:      video.Title,
		ThumbnailURL:    video.ThumbnailURL,
		DurationSeconds: video.DurationSeconds,
		RequestedBy:     p.ID,
		RequestedByUser: p.UserID,
		Position:        tx.maxPosition() + 1,
		Status:          model.QueueWaiting,
		QueuedAt:        tx.now,
	}
	tx.s.entries[entry.ID] = entry
	tx.s.waiting = append(tx.s.waiting, entry)
	tx.touchEntry(entry)

	tx.emit(EventEntryAdded, EntryData{Entry: entry})
	return entry, nil
}

func (tx *txn) maxPosition() int {
	highest := -1
	for _, e := range tx.s.waiting {
		if e.Position > highest {
			highest = e.Position
		}
	}
	return highest
}

func (tx *txn) waitingIndex(entryID string) int {
	for i, e := range tx.s.waiting {
		if e.ID == entryID {
			return i
		}
	}
	return -1
}

// detachWaiting takes a WAITING entry out of the order and shifts every
// entry behind it down by one.
func (tx *txn) detachWaiting(entryID string) (*model.QueueEntry, error) {
	idx := tx.waitingIndex(entryID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: entry %s is not waiting", ErrNotFound, entryID)
	}
	entry := tx.s.waiting[idx]
	tx.s.waiting = append(tx.s.waiting[:idx], tx.s.waiting[idx+1:]...)
	for _, e := range tx.s.waiting[idx:] {
		e.Position--
		tx.touchEntry(e)
	}
	entry.Position = model.NoPosition
	return entry, nil
}

// removeAndCompact deletes a WAITING entry and closes the gap it leaves.
func (tx *txn) removeAndCompact(entryID string) (*model.QueueEntry, error) {
	entry, err := tx.detachWaiting(entryID)
	if err != nil {
		return nil, err
	}
	delete(tx.s.entries, entryID)
	tx.deleteEntry(entryID)
	tx.clearVotes(entryID)
	return entry, nil
}

// insertAt places entry at position, shifting later entries up by one first.
func (tx *txn) insertAt(entry *model.QueueEntry, position int) {
	if position < 0 {
		position = 0
	}
	if position > len(tx.s.waiting) {
		position = len(tx.s.waiting)
	}
	for _, e := range tx.s.waiting[position:] {
		e.Position++
		tx.touchEntry(e)
	}
	entry.Position = position
	entry.Status = model.QueueWaiting
	tx.s.waiting = append(tx.s.waiting, nil)
	copy(tx.s.waiting[position+1:], tx.s.waiting[position:])
	tx.s.waiting[position] = entry
	tx.s.entries[entry.ID] = entry
	tx.touchEntry(entry)
}

// moveEntry reorders a WAITING entry.
func (tx *txn) moveEntry(entryID string, position int) (*model.QueueEntry, error) {
	entry, err := tx.detachWaiting(entryID)
	if err != nil {
		return nil, err
	}
	tx.insertAt(entry, position)
	tx.emit(EventQueueReordered, QueueOrderData{EntryIDs: tx.waitingIDs()})
	return entry, nil
}

func (tx *txn) waitingIDs() []string {
	ids := make([]string, len(tx.s.waiting))
	for i, e := range tx.s.waiting {
		ids[i] = e.ID
	}
	return ids
}

// nextToPlay is the WAITING entry with the lowest position.
func (tx *txn) nextToPlay() *model.QueueEntry {
	var next *model.QueueEntry
	for _, e := range tx.s.waiting {
		if next == nil || e.Position < next.Position {
			next = e
		}
	}
	return next
}

// markPlaying moves a WAITING entry into the PLAYING slot.
func (tx *txn) markPlaying(entry *model.QueueEntry) error {
	if _, err := tx.detachWaiting(entry.ID); err != nil {
		return err
	}
	started := tx.now
	entry.Status = model.QueuePlaying
	entry.StartedAt = &started
	entry.FinishedAt = nil
	tx.touchEntry(entry)
	return nil
}

// finishEntry ends the PLAYING entry as COMPLETED or SKIPPED and writes its
// history record. It does not start anything else.
func (tx *txn) finishEntry(entry *model.QueueEntry, status model.QueueStatus) *model.PlayHistory {
	room := tx.s.room
	tally := tx.s.tally(entry.ID)

	finished := tx.now
	entry.Status = status
	entry.FinishedAt = &finished
	entry.Position = model.NoPosition
	tx.touchEntry(entry)

	h := &model.PlayHistory{
		ID:               uuid.NewString(),
		RoomID:           room.ID,
		EntryID:          entry.ID,
		VideoID:          entry.VideoID,
		VideoTitle:       entry.VideoTitle,
		ThumbnailURL:     entry.ThumbnailURL,
		DurationSeconds:  entry.DurationSeconds,
		RequestedByUser:  entry.RequestedByUser,
		ParticipantCount: tx.s.activeCount(),
		UpvoteCount:      tally.Upvotes,
		SkipVoteCount:    tally.SkipVotes,
		WasSkipped:       status == model.QueueSkipped,
		StartedAt:        entry.StartedAt,
		EndedAt:          finished,
	}
	if room.CurrentLeaderID != nil {
		leaderID := *room.CurrentLeaderID
		h.LeaderID = &leaderID
		if leader := tx.s.participants[leaderID]; leader != nil {
			h.LeaderUserID = leader.UserID
		}
	}
	tx.history = append(tx.history, h)

	tx.clearVotes(entry.ID)
	delete(tx.s.entries, entry.ID)
	tx.rememberPlay(entry.VideoID)

	if room.CurrentEntryID != nil && *room.CurrentEntryID == entry.ID {
		room.CurrentEntryID = nil
		tx.touchRoom()
	}
	return h
}

func (tx *txn) rememberPlay(videoID string) {
	tx.s.recent = append(tx.s.recent, recentPlay{VideoID: videoID, EndedAt: tx.now})
	// keep only what any cooldown could still care about
	cutoff := tx.now.Add(-maxCooldownWindow)
	kept := tx.s.recent[:0]
	for _, r := range tx.s.recent {
		if r.EndedAt.After(cutoff) {
			kept = append(kept, r)
		}
	}
	tx.s.recent = kept
}

const maxCooldownWindow = 7 * 24 * time.Hour

// normalize repairs positions and the playing slot after a restore.
func (tx *txn) normalize() {
	for i, e := range tx.s.waiting {
		if e.Position != i {
			e.Position = i
			tx.touchEntry(e)
		}
	}

	room := tx.s.room
	cur := tx.s.current()
	if cur != nil && (cur.Status != model.QueuePlaying || room.PlaybackStatus == model.PlaybackStopped) {
		cur = nil
		room.CurrentEntryID = nil
		tx.touchRoom()
	}
	if cur == nil && room.PlaybackStatus != model.PlaybackStopped {
		room.PlaybackStatus = model.PlaybackStopped
		room.ScheduledPlayTime = nil
		room.PlaybackPosition = 0
		tx.touchRoom()
	}

	var orphaned []*model.QueueEntry
	for _, e := range tx.s.entries {
		if e.Status == model.QueuePlaying && e != cur {
			orphaned = append(orphaned, e)
		}
	}
	// orphaned PLAYING rows go back to the front of the queue
	for _, e := range orphaned {
		e.StartedAt = nil
		tx.clearVotes(e.ID)
		tx.insertAt(e, 0)
	}
}
