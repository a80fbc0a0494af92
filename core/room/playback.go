package room

import (
	"fmt"
	"time"

	"worshiproom/model"
)

// Command is a playback command issued by a leader or moderator.
type Command struct {
	Action PlaybackAction `json:"action"`
	// EntryID selects the entry for PLAY. For SKIP it is optional and, when
	// set, must name the entry that is currently playing.
	EntryID  string   `json:"entryId,omitempty"`
	Position *float64 `json:"position,omitempty"` // SEEK, seconds
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

func unixMilli(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

// command dispatches one playback command.
func (tx *txn) command(p *model.Participant, cmd Command) error {
	if err := Authorize(p, ActionPlayback).Err(); err != nil {
		return err
	}
	if err := tx.ensurePlayable(); err != nil {
		return err
	}

	switch cmd.Action {
	case ActionPlay:
		return tx.play(cmd.EntryID)
	case ActionPause:
		return tx.pause()
	case ActionResume:
		return tx.resume()
	case ActionStop:
		return tx.stop()
	case ActionSkip:
		cur := tx.s.current()
		if cur == nil {
			return ErrNoCurrentEntry
		}
		if cmd.EntryID != "" && cmd.EntryID != cur.ID {
			return fmt.Errorf("%w: entry %s is no longer playing", ErrInvalidStateTransition, cmd.EntryID)
		}
		tx.skipCurrent(ReasonCommand)
		return nil
	case ActionSeek:
		if cmd.Position == nil {
			return fmt.Errorf("%w: seek requires a position", ErrValidation)
		}
		return tx.seek(*cmd.Position)
	}
	return fmt.Errorf("%w: unknown playback action %q", ErrValidation, cmd.Action)
}

func (tx *txn) ensurePlayable() error {
	room := tx.s.room
	switch {
	case room.Type == model.RoomTypeTemplate:
		return fmt.Errorf("%w: template rooms do not play", ErrInvalidStateTransition)
	case !room.Playable():
		return fmt.Errorf("%w: event has not gone live", ErrInvalidStateTransition)
	}
	return nil
}

func (tx *txn) play(entryID string) error {
	room := tx.s.room
	cur := tx.s.current()

	if entryID == "" {
		switch room.PlaybackStatus {
		case model.PlaybackPaused:
			return tx.resume()
		case model.PlaybackPlaying:
			return fmt.Errorf("%w: already playing", ErrInvalidStateTransition)
		}
		next := tx.nextToPlay()
		if next == nil {
			return ErrEmptyQueue
		}
		return tx.startEntry(next)
	}

	if cur != nil && cur.ID == entryID {
		if room.PlaybackStatus == model.PlaybackPaused {
			return tx.resume()
		}
		return fmt.Errorf("%w: entry is already playing", ErrInvalidStateTransition)
	}
	target := tx.s.entries[entryID]
	if target == nil || target.Status != model.QueueWaiting {
		return fmt.Errorf("%w: entry %s is not queued", ErrNotFound, entryID)
	}
	if cur != nil {
		tx.finishEntry(cur, model.QueueSkipped)
		tx.emit(EventSongSkipped, EntryData{Entry: cur, Reason: ReasonReplaced})
	}
	return tx.startEntry(target)
}

// startEntry makes entry the current one and schedules its start one
// client buffer from now so every client begins at the same instant.
func (tx *txn) startEntry(entry *model.QueueEntry) error {
	if err := tx.markPlaying(entry); err != nil {
		return err
	}
	room := tx.s.room
	id := entry.ID
	start := tx.now.Add(tx.opts.ClientBuffer)
	room.CurrentEntryID = &id
	room.PlaybackStatus = model.PlaybackPlaying
	room.PlaybackPosition = 0
	room.ScheduledPlayTime = &start
	tx.touchRoom()

	tx.emit(EventNowPlaying, tx.playbackData(ActionPlay, ""))
	return nil
}

func (tx *txn) pause() error {
	room := tx.s.room
	if tx.s.current() == nil {
		return ErrNoCurrentEntry
	}
	if room.PlaybackStatus != model.PlaybackPlaying {
		return fmt.Errorf("%w: not playing", ErrInvalidStateTransition)
	}
	room.PlaybackPosition = tx.s.position(tx.now)
	room.PlaybackStatus = model.PlaybackPaused
	room.ScheduledPlayTime = nil
	tx.touchRoom()
	tx.emit(EventPlayback, tx.playbackData(ActionPause, ""))
	return nil
}

func (tx *txn) resume() error {
	room := tx.s.room
	if tx.s.current() == nil {
		return ErrNoCurrentEntry
	}
	if room.PlaybackStatus != model.PlaybackPaused {
		return fmt.Errorf("%w: not paused", ErrInvalidStateTransition)
	}
	start := tx.now.Add(tx.opts.ClientBuffer)
	room.PlaybackStatus = model.PlaybackPlaying
	room.ScheduledPlayTime = &start
	tx.touchRoom()
	tx.emit(EventPlayback, tx.playbackData(ActionResume, ""))
	return nil
}

// stop halts playback without finishing the entry. The entry goes back to
// the front of the queue with its votes cleared.
func (tx *txn) stop() error {
	cur := tx.s.current()
	if cur == nil {
		return ErrNoCurrentEntry
	}
	cur.StartedAt = nil
	tx.clearVotes(cur.ID)
	tx.insertAt(cur, 0)
	tx.setStopped()
	tx.emit(EventPlaybackStopped, PlaybackData{
		Action:     ActionStop,
		Status:     model.PlaybackStopped,
		Entry:      cur,
		ServerTime: tx.now.UnixMilli(),
		Reason:     ReasonCommand,
	})
	return nil
}

func (tx *txn) seek(position float64) error {
	cur := tx.s.current()
	if cur == nil {
		return ErrNoCurrentEntry
	}
	if position < 0 {
		position = 0
	}
	if cur.DurationSeconds > 0 && position > float64(cur.DurationSeconds) {
		position = float64(cur.DurationSeconds)
	}
	room := tx.s.room
	room.PlaybackPosition = position
	if room.PlaybackStatus == model.PlaybackPlaying {
		start := tx.now.Add(tx.opts.ClientBuffer)
		room.ScheduledPlayTime = &start
	}
	tx.touchRoom()
	tx.emit(EventPlayback, tx.playbackData(ActionSeek, ""))
	return nil
}

// skipCurrent marks the current entry SKIPPED and advances.
func (tx *txn) skipCurrent(reason string) {
	cur := tx.s.current()
	if cur == nil {
		return
	}
	tx.finishEntry(cur, model.QueueSkipped)
	tx.emit(EventSongSkipped, EntryData{Entry: cur, Reason: reason})
	tx.advance()
}

// completeCurrent marks the current entry COMPLETED and advances unless
// the room has auto-advance turned off.
func (tx *txn) completeCurrent() {
	cur := tx.s.current()
	if cur == nil {
		return
	}
	tx.finishEntry(cur, model.QueueCompleted)
	tx.emit(EventSongCompleted, EntryData{Entry: cur})
	if !tx.s.room.Settings.AutoAdvanceQueue {
		tx.setStopped()
		tx.emit(EventPlaybackStopped, tx.playbackData("", "auto_advance_off"))
		return
	}
	tx.advance()
}

func (tx *txn) advance() {
	next := tx.nextToPlay()
	if next == nil {
		tx.setStopped()
		tx.emit(EventPlaybackStopped, tx.playbackData("", "queue_empty"))
		return
	}
	if err := tx.startEntry(next); err != nil {
		tx.setStopped()
	}
}

func (tx *txn) setStopped() {
	room := tx.s.room
	room.CurrentEntryID = nil
	room.PlaybackStatus = model.PlaybackStopped
	room.PlaybackPosition = 0
	room.ScheduledPlayTime = nil
	tx.touchRoom()
}

func (tx *txn) playbackData(action PlaybackAction, reason string) PlaybackData {
	room := tx.s.room
	return PlaybackData{
		Action:            action,
		Status:            room.PlaybackStatus,
		Entry:             tx.s.current(),
		Position:          room.PlaybackPosition,
		ScheduledPlayTime: unixMilli(room.ScheduledPlayTime),
		ServerTime:        tx.now.UnixMilli(),
		Reason:            reason,
	}
}

// completeIfDue finishes the current entry once its scheduled end passed.
func (tx *txn) completeIfDue() bool {
	end, ok := tx.s.expectedEnd()
	if !ok || tx.now.Before(end) {
		return false
	}
	tx.completeCurrent()
	return true
}

// goLive opens a LIVE_EVENT room for playback and starts the first queued
// entry when there is one.
func (tx *txn) goLive() error {
	room := tx.s.room
	if room.Type != model.RoomTypeLiveEvent {
		return fmt.Errorf("%w: only event rooms go live", ErrInvalidStateTransition)
	}
	if room.IsLive {
		return fmt.Errorf("%w: event is already live", ErrInvalidStateTransition)
	}
	started := tx.now
	room.IsLive = true
	room.ActualStart = &started
	tx.touchRoom()
	tx.emit(EventRoomLive, RoomData{Room: room})

	if tx.s.current() == nil {
		if next := tx.nextToPlay(); next != nil {
			return tx.startEntry(next)
		}
	}
	return nil
}

// closeRoom deactivates the room and everyone in it.
func (tx *txn) closeRoom(reason string) {
	room := tx.s.room
	if cur := tx.s.current(); cur != nil {
		cur.StartedAt = nil
		tx.clearVotes(cur.ID)
		tx.insertAt(cur, 0)
	}
	tx.setStopped()

	closed := tx.now
	room.IsActive = false
	room.ClosedAt = &closed
	room.CurrentLeaderID = nil
	if room.Type == model.RoomTypeLiveEvent {
		room.IsLive = false
		if room.ActualStart != nil {
			room.ActualEnd = &closed
		}
	}

	for _, p := range tx.s.participants {
		if !p.Present() {
			continue
		}
		p.IsActive = false
		p.IsInWaitlist = false
		p.WaitlistPosition = nil
		p.LeftAt = &closed
		if p.Role == model.RoleLeader {
			p.Role = model.RoleListener
		}
		tx.touchParticipant(p)
	}
	tx.emit(EventRoomClosed, RoomData{Room: room, Reason: reason})
	tx.closing = true
}

// tick runs the periodic checks for one room.
func (tx *txn) tick() {
	room := tx.s.room
	if room.ShouldAutoClose(tx.now) {
		tx.closeRoom("scheduled_end")
		return
	}
	if room.ShouldAutoStart(tx.now) {
		_ = tx.goLive()
	}
	tx.completeIfDue()
	tx.reapAFK()
	tx.checkSkipThreshold()
}
