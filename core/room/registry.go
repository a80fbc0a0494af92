package room

import (
	"fmt"

	"worshiproom/core/auth"
	"worshiproom/model"

	"github.com/google/uuid"
)

// join admits a user. At capacity the user goes on the waitlist instead.
// Joining again while present only refreshes the heartbeat.
func (tx *txn) join(id auth.Identity) (*model.Participant, error) {
	room := tx.s.room
	if p := tx.s.participantByUser(id.UserID); p != nil && p.Present() {
		p.LastActiveAt = tx.now
		tx.touchParticipant(p)
		return p, nil
	}

	full := room.IsFull(tx.s.activeCount())
	waitlist := tx.s.waitlist()
	if full && room.Settings.MaxWaitlistSize > 0 && len(waitlist) >= room.Settings.MaxWaitlistSize {
		return nil, fmt.Errorf("%w: %d waiting", ErrWaitlistFull, len(waitlist))
	}

	p := tx.s.participantByUser(id.UserID)
	if p == nil {
		p = &model.Participant{
			ID:     uuid.NewString(),
			RoomID: room.ID,
			UserID: id.UserID,
			Role:   model.RoleListener,
		}
		tx.s.participants[p.ID] = p
		tx.s.byUser[p.UserID] = p.ID
	}
	if id.Username != "" {
		p.Username = id.Username
	}
	p.Role = tx.joinRole(p, id)
	p.JoinedAt = tx.now
	p.LastActiveAt = tx.now
	p.LeftAt = nil
	p.IsMuted = false

	if full {
		pos := len(waitlist) + 1
		p.IsActive = false
		p.IsInWaitlist = true
		p.WaitlistPosition = &pos
		tx.touchParticipant(p)
		tx.emit(EventParticipantWaitlisted, ParticipantData{Participant: p})
		tx.emitWaitlist()
		return p, nil
	}

	tx.activate(p)
	tx.emit(EventParticipantJoined, ParticipantData{Participant: p})
	return p, nil
}

// joinRole decides the role a (re)joining user gets.
func (tx *txn) joinRole(p *model.Participant, id auth.Identity) model.ParticipantRole {
	if id.UserID == tx.s.room.CreatedBy {
		if tx.otherLeader(p) == nil {
			return model.RoleLeader
		}
		return model.RoleModerator
	}
	if id.IsAdmin() {
		return model.RoleModerator
	}
	switch p.Role {
	case model.RoleDJ, model.RoleModerator:
		return p.Role
	}
	return model.RoleListener
}

// otherLeader returns an active LEADER other than p.
func (tx *txn) otherLeader(p *model.Participant) *model.Participant {
	for _, other := range tx.s.participants {
		if other != p && other.IsActive && other.Role == model.RoleLeader {
			return other
		}
	}
	return nil
}

// activate makes p an active member and claims leadership if p is LEADER.
func (tx *txn) activate(p *model.Participant) {
	p.IsActive = true
	p.IsInWaitlist = false
	p.WaitlistPosition = nil
	if p.Role == model.RoleLeader {
		if tx.otherLeader(p) != nil {
			p.Role = model.RoleModerator
		} else {
			tx.setLeader(p)
		}
	}
	tx.touchParticipant(p)
}

func (tx *txn) setLeader(p *model.Participant) {
	room := tx.s.room
	if p == nil {
		if room.CurrentLeaderID != nil {
			room.CurrentLeaderID = nil
			tx.touchRoom()
		}
		return
	}
	if room.CurrentLeaderID != nil && *room.CurrentLeaderID == p.ID {
		return
	}
	id := p.ID
	room.CurrentLeaderID = &id
	tx.touchRoom()
}

// leave deactivates a present participant. A departing leader hands
// leadership to the first active moderator by join order, or to nobody.
func (tx *txn) leave(p *model.Participant, reason string) error {
	if p == nil || !p.Present() {
		return fmt.Errorf("%w: not in this room", ErrNotFound)
	}
	wasWaiting := p.IsInWaitlist
	left := tx.now
	p.IsActive = false
	p.IsInWaitlist = false
	p.WaitlistPosition = nil
	p.LeftAt = &left
	if p.Role == model.RoleLeader {
		p.Role = model.RoleListener
	}
	tx.touchParticipant(p)
	tx.dropSubs = append(tx.dropSubs, p.UserID)

	tx.emit(EventParticipantLeft, ParticipantData{Participant: p, Reason: reason})

	if wasWaiting {
		tx.compactWaitlist()
		tx.emitWaitlist()
		return nil
	}

	if leader := tx.s.room.CurrentLeaderID; leader != nil && *leader == p.ID {
		tx.reassignLeader()
	}
	tx.promoteFromWaitlist()
	tx.checkSkipThreshold()
	return nil
}

func (tx *txn) reassignLeader() {
	var next *model.Participant
	for _, p := range tx.s.activeParticipants() {
		if p.Role == model.RoleModerator {
			next = p
			break
		}
	}
	tx.setLeader(next)
	tx.emit(EventRoomUpdated, RoomData{Room: tx.s.room, Reason: "leader_changed"})
}

// promoteFromWaitlist activates waitlisted participants while there is room.
func (tx *txn) promoteFromWaitlist() {
	promoted := false
	for !tx.s.room.IsFull(tx.s.activeCount()) {
		waitlist := tx.s.waitlist()
		if len(waitlist) == 0 {
			break
		}
		p := waitlist[0]
		p.LastActiveAt = tx.now
		tx.activate(p)
		tx.emit(EventParticipantPromoted, ParticipantData{Participant: p})
		promoted = true
		tx.compactWaitlist()
	}
	if promoted {
		tx.emitWaitlist()
	}
}

// compactWaitlist renumbers waitlisted participants 1..N.
func (tx *txn) compactWaitlist() {
	for i, p := range tx.s.waitlist() {
		pos := i + 1
		if p.WaitlistPosition != nil && *p.WaitlistPosition == pos {
			continue
		}
		p.WaitlistPosition = &pos
		tx.touchParticipant(p)
	}
}

func (tx *txn) emitWaitlist() {
	waitlist := tx.s.waitlist()
	ids := make([]string, len(waitlist))
	for i, p := range waitlist {
		ids[i] = p.ID
	}
	tx.emit(EventWaitlistUpdated, WaitlistData{ParticipantIDs: ids})
}

func (tx *txn) heartbeat(p *model.Participant) error {
	if p == nil || !p.Present() {
		return fmt.Errorf("%w: not in this room", ErrNotFound)
	}
	p.LastActiveAt = tx.now
	tx.touchParticipant(p)
	return nil
}

// reapAFK removes every present participant whose heartbeat is older than
// the room's AFK timeout.
func (tx *txn) reapAFK() int {
	timeout := minutes(tx.s.room.Settings.AFKTimeoutMinutes)
	if timeout <= 0 {
		return 0
	}
	var idle []*model.Participant
	for _, p := range tx.s.participants {
		if p.Present() && p.IsAFK(tx.now, timeout) {
			idle = append(idle, p)
		}
	}
	sortByJoin(idle)
	for _, p := range idle {
		_ = tx.leave(p, ReasonAFK)
	}
	return len(idle)
}

// assignRole changes target's role. Only moderators may grant or revoke
// MODERATOR. Granting LEADER demotes the previous leader to DJ.
func (tx *txn) assignRole(actor, target *model.Participant, role model.ParticipantRole) error {
	if err := Authorize(actor, ActionAssignRole).Err(); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	if target == nil || !target.IsActive {
		return fmt.Errorf("%w: participant is not active in this room", ErrNotFound)
	}
	if target.ID == actor.ID {
		return fmt.Errorf("%w: cannot change your own role", ErrValidation)
	}
	if (role == model.RoleModerator || target.Role == model.RoleModerator) && actor.Role != model.RoleModerator {
		return fmt.Errorf("%w: only moderators may grant or revoke moderator", ErrUnauthorized)
	}
	if target.Role == role {
		return nil
	}

	if role == model.RoleLeader {
		if prev := tx.otherLeader(target); prev != nil {
			prev.Role = model.RoleDJ
			tx.touchParticipant(prev)
			tx.emit(EventRoleChanged, ParticipantData{Participant: prev})
		}
	}
	wasLeader := tx.s.room.CurrentLeaderID != nil && *tx.s.room.CurrentLeaderID == target.ID
	target.Role = role
	tx.touchParticipant(target)
	tx.emit(EventRoleChanged, ParticipantData{Participant: target})

	switch {
	case role == model.RoleLeader:
		tx.setLeader(target)
	case wasLeader:
		tx.reassignLeader()
	}
	return nil
}

func (tx *txn) kick(actor, target *model.Participant) error {
	if err := Authorize(actor, ActionModerate).Err(); err != nil {
		return err
	}
	if target == nil || !target.Present() {
		return fmt.Errorf("%w: participant is not in this room", ErrNotFound)
	}
	if target.ID == actor.ID {
		return fmt.Errorf("%w: cannot kick yourself", ErrValidation)
	}
	return tx.leave(target, ReasonKicked)
}

func (tx *txn) mute(actor, target *model.Participant, muted bool) error {
	if err := Authorize(actor, ActionModerate).Err(); err != nil {
		return err
	}
	if target == nil || !target.Present() {
		return fmt.Errorf("%w: participant is not in this room", ErrNotFound)
	}
	if target.ID == actor.ID {
		return fmt.Errorf("%w: cannot mute yourself", ErrValidation)
	}
	if target.IsMuted == muted {
		return nil
	}
	target.IsMuted = muted
	tx.touchParticipant(target)
	tx.emit(EventParticipantMuted, ParticipantData{Participant: target})
	return nil
}
