package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"worshiproom/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomRepository is the persistence boundary of the room engine.
type RoomRepository interface {
	// Rooms
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	ListActiveRooms(ctx context.Context) ([]*model.Room, error)
	ActiveRoomNameExists(ctx context.Context, name string) (bool, error)

	// LoadRoomState loads the working set of a room. Plays that ended
	// before recentSince are left out of RecentPlays.
	LoadRoomState(ctx context.Context, roomID string, recentSince time.Time) (*model.RoomState, error)

	// ApplyChanges writes one room transition atomically.
	ApplyChanges(ctx context.Context, changes *model.ChangeSet) error

	// History
	ListHistory(ctx context.Context, roomID string, limit, offset int) ([]*model.PlayHistory, error)
}

// gormRoomRepository is the GORM implementation.
type gormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository returns a RoomRepository backed by db.
func NewGormRoomRepository(db *gorm.DB) RoomRepository {
	return &gormRoomRepository{db: db}
}

// ========== Rooms ==========

// GetRoom returns the room, active or closed, or nil when it does not exist.
func (r *gormRoomRepository) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get room %s: %w", id, err)
	}
	return &room, nil
}

// ListActiveRooms returns every room that has not been closed.
func (r *gormRoomRepository) ListActiveRooms(ctx context.Context) ([]*model.Room, error) {
	var rooms []*model.Room
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active rooms: %w", err)
	}
	return rooms, nil
}

// ActiveRoomNameExists checks name uniqueness among active rooms.
func (r *gormRoomRepository) ActiveRoomNameExists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Room{}).
		Where("name = ? AND is_active = ?", name, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check room name: %w", err)
	}
	return count > 0, nil
}

// ========== Room state ==========

// LoadRoomState loads a room with its live entries, every participant row
// (departed ones included, so a rejoin reuses the row) and votes.
func (r *gormRoomRepository) LoadRoomState(ctx context.Context, roomID string, recentSince time.Time) (*model.RoomState, error) {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, nil
	}

	state := &model.RoomState{Room: room}
	db := r.db.WithContext(ctx)

	if err := db.Where("room_id = ? AND status IN ?", roomID,
		[]model.QueueStatus{model.QueueWaiting, model.QueuePlaying}).
		Order("position ASC").
		Find(&state.Entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load queue for room %s: %w", roomID, err)
	}

	if err := db.Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Find(&state.Participants).Error; err != nil {
		return nil, fmt.Errorf("failed to load participants for room %s: %w", roomID, err)
	}

	if err := db.Where("room_id = ?", roomID).Find(&state.Votes).Error; err != nil {
		return nil, fmt.Errorf("failed to load votes for room %s: %w", roomID, err)
	}

	if err := db.Where("room_id = ? AND ended_at >= ?", roomID, recentSince).
		Order("ended_at DESC").
		Find(&state.RecentPlays).Error; err != nil {
		return nil, fmt.Errorf("failed to load recent plays for room %s: %w", roomID, err)
	}

	return state, nil
}

// ApplyChanges persists a change set in one transaction.
func (r *gormRoomRepository) ApplyChanges(ctx context.Context, changes *model.ChangeSet) error {
	if changes == nil || changes.Empty() {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if changes.Room != nil {
			if err := tx.Save(changes.Room).Error; err != nil {
				return fmt.Errorf("failed to save room: %w", err)
			}
		}

		if len(changes.DeletedEntryIDs) > 0 {
			if err := tx.Where("id IN ?", changes.DeletedEntryIDs).Delete(&model.QueueEntry{}).Error; err != nil {
				return fmt.Errorf("failed to delete queue entries: %w", err)
			}
		}
		for _, entry := range changes.Entries {
			if err := tx.Save(entry).Error; err != nil {
				return fmt.Errorf("failed to save queue entry %s: %w", entry.ID, err)
			}
		}

		for _, p := range changes.Participants {
			if err := tx.Save(p).Error; err != nil {
				return fmt.Errorf("failed to save participant %s: %w", p.ID, err)
			}
		}

		if len(changes.ClearedEntries) > 0 {
			if err := tx.Where("entry_id IN ?", changes.ClearedEntries).Delete(&model.Vote{}).Error; err != nil {
				return fmt.Errorf("failed to clear votes: %w", err)
			}
		}
		for _, key := range changes.DeletedVotes {
			if err := tx.Where("entry_id = ? AND participant_id = ? AND type = ?",
				key.EntryID, key.ParticipantID, key.Type).
				Delete(&model.Vote{}).Error; err != nil {
				return fmt.Errorf("failed to delete vote: %w", err)
			}
		}
		for _, v := range changes.Votes {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(v).Error; err != nil {
				return fmt.Errorf("failed to save vote: %w", err)
			}
		}

		for _, h := range changes.History {
			if err := tx.Create(h).Error; err != nil {
				return fmt.Errorf("failed to append play history: %w", err)
			}
		}
		return nil
	})
}

// ========== History ==========

// ListHistory returns the room's play history, newest first.
func (r *gormRoomRepository) ListHistory(ctx context.Context, roomID string, limit, offset int) ([]*model.PlayHistory, error) {
	var history []*model.PlayHistory
	q := r.db.WithContext(ctx).Where("room_id = ?", roomID).Order("ended_at DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&history).Error; err != nil {
		return nil, fmt.Errorf("failed to list history for room %s: %w", roomID, err)
	}
	return history, nil
}
