package room

import (
	"fmt"

	"worshiproom/model"
)

// Action is something a participant may attempt in a room.
type Action string

const (
	ActionEnqueue     Action = "enqueue"
	ActionPlayback    Action = "playback"
	ActionModerate    Action = "moderate" // kick, mute
	ActionVote        Action = "vote"
	ActionManageQueue Action = "manage_queue"
	ActionAssignRole  Action = "assign_role"
)

var authorizationTable = map[Action]map[model.ParticipantRole]bool{
	ActionEnqueue: {
		model.RoleDJ: true, model.RoleLeader: true, model.RoleModerator: true,
	},
	ActionPlayback: {
		model.RoleLeader: true, model.RoleModerator: true,
	},
	ActionModerate: {
		model.RoleModerator: true,
	},
	ActionVote: {
		model.RoleListener: true, model.RoleDJ: true, model.RoleLeader: true, model.RoleModerator: true,
	},
	ActionManageQueue: {
		model.RoleLeader: true, model.RoleModerator: true,
	},
	ActionAssignRole: {
		model.RoleLeader: true, model.RoleModerator: true,
	},
}

// Decision is the result of an authorization lookup.
type Decision struct {
	Allowed bool
	Reason  string
}

// Err returns nil when allowed, otherwise an ErrUnauthorized wrapping the reason.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, d.Reason)
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Authorize consults the table once for p attempting action.
func Authorize(p *model.Participant, action Action) Decision {
	if p == nil {
		return deny("not a participant of this room")
	}
	if !p.IsActive {
		if p.IsInWaitlist {
			return deny("participant is on the waitlist")
		}
		return deny("participant has left the room")
	}
	roles, ok := authorizationTable[action]
	if !ok {
		return deny("unknown action %q", action)
	}
	if !roles[p.Role] {
		return deny("role %s may not %s", p.Role, action)
	}
	if action == ActionEnqueue && p.IsMuted {
		return deny("participant is muted")
	}
	return allow()
}
