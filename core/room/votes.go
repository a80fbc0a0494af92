package room

import (
	"fmt"

	"worshiproom/model"
)

// skipThresholdCrossed compares skip votes against the number of active
// participants, not the number of voters.
func skipThresholdCrossed(skipVotes, activeParticipants int, threshold float64) bool {
	if skipVotes <= 0 || activeParticipants <= 0 {
		return false
	}
	return float64(skipVotes)/float64(activeParticipants) >= threshold
}

// castVote records p's vote on an entry and returns the entry's tally right
// after the vote. Repeating a vote is a no-op and the opposite type replaces
// the previous one.
func (tx *txn) castVote(p *model.Participant, entryID string, voteType model.VoteType) (model.Tally, error) {
	if err := Authorize(p, ActionVote).Err(); err != nil {
		return model.Tally{}, err
	}
	if !voteType.Valid() {
		return model.Tally{}, fmt.Errorf("%w: unknown vote type %q", ErrValidation, voteType)
	}
	if !tx.s.room.Settings.AllowVoting {
		return model.Tally{}, fmt.Errorf("%w: voting is disabled in this room", ErrInvalidStateTransition)
	}
	entry := tx.s.entries[entryID]
	if entry == nil {
		return model.Tally{}, fmt.Errorf("%w: entry %s", ErrNotFound, entryID)
	}
	if voteType == model.VoteSkip && entry.Status != model.QueuePlaying {
		return model.Tally{}, fmt.Errorf("%w: skip votes only apply to the playing entry", ErrInvalidStateTransition)
	}

	byParticipant := tx.s.votes[entryID]
	if byParticipant == nil {
		byParticipant = make(map[string]model.VoteType)
		tx.s.votes[entryID] = byParticipant
	}
	previous, had := byParticipant[p.ID]
	if had && previous == voteType {
		return tx.s.tally(entryID), nil
	}
	if had {
		tx.deletedVotes = append(tx.deletedVotes, model.VoteKey{EntryID: entryID, ParticipantID: p.ID, Type: previous})
	}
	byParticipant[p.ID] = voteType
	tx.votes = append(tx.votes, &model.Vote{
		EntryID:       entryID,
		ParticipantID: p.ID,
		Type:          voteType,
		RoomID:        tx.s.room.ID,
		CreatedAt:     tx.now,
	})

	tally := tx.s.tally(entryID)
	tx.emitTally(entryID)
	if voteType == model.VoteSkip {
		tx.checkSkipThreshold()
	}
	return tally, nil
}

// retractVote removes p's vote on an entry.
func (tx *txn) retractVote(p *model.Participant, entryID string) error {
	if err := Authorize(p, ActionVote).Err(); err != nil {
		return err
	}
	if tx.s.entries[entryID] == nil {
		return fmt.Errorf("%w: entry %s", ErrNotFound, entryID)
	}
	previous, had := tx.s.votes[entryID][p.ID]
	if !had {
		return fmt.Errorf("%w: no vote to retract", ErrNotFound)
	}
	delete(tx.s.votes[entryID], p.ID)
	tx.dropPendingVote(entryID, p.ID)
	tx.deletedVotes = append(tx.deletedVotes, model.VoteKey{EntryID: entryID, ParticipantID: p.ID, Type: previous})
	tx.emitTally(entryID)
	return nil
}

// clearVotes drops every vote on an entry leaving WAITING/PLAYING.
func (tx *txn) clearVotes(entryID string) {
	delete(tx.s.votes, entryID)
	kept := tx.votes[:0]
	for _, v := range tx.votes {
		if v.EntryID != entryID {
			kept = append(kept, v)
		}
	}
	tx.votes = kept
	tx.clearedEntries = append(tx.clearedEntries, entryID)
}

func (tx *txn) dropPendingVote(entryID, participantID string) {
	kept := tx.votes[:0]
	for _, v := range tx.votes {
		if v.EntryID != entryID || v.ParticipantID != participantID {
			kept = append(kept, v)
		}
	}
	tx.votes = kept
}

func (tx *txn) emitTally(entryID string) {
	tx.emit(EventVoteUpdated, VoteData{
		EntryID:            entryID,
		Tally:              tx.s.tally(entryID),
		ActiveParticipants: tx.s.activeCount(),
		SkipThreshold:      tx.s.room.SkipThreshold,
	})
}

// checkSkipThreshold skips the current entry when enough active
// participants voted to skip it. It reports whether a skip happened.
func (tx *txn) checkSkipThreshold() bool {
	cur := tx.s.current()
	if cur == nil || tx.s.room.PlaybackStatus == model.PlaybackStopped {
		return false
	}
	tally := tx.s.tally(cur.ID)
	if !skipThresholdCrossed(tally.SkipVotes, tx.s.activeCount(), tx.s.room.SkipThreshold) {
		return false
	}
	tx.skipCurrent(ReasonVoteThreshold)
	return true
}
