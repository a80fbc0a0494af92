package room

import (
	"errors"
	"sync"

	"worshiproom/logger"
)

// Reasons a subscription ends.
var (
	ErrSubscriberLagged = errors.New("subscriber fell behind; re-fetch the snapshot")
	ErrSubscriptionLeft = errors.New("participant left the room")
	ErrRoomClosed       = errors.New("room closed")
	ErrShuttingDown     = errors.New("server shutting down")
)

// Subscription is one participant's view of a room's event stream.
type Subscription struct {
	RoomID string
	UserID string

	id     uint64
	events chan Event
	owner  *broadcaster

	mu     sync.Mutex
	closed bool
	err    error
}

// Events yields committed room events in commit order. The channel is
// closed when the subscription ends; Err then reports why.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err returns the reason the subscription ended, or nil while it is open
// or after a plain Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.owner.remove(s, nil)
}

func (s *Subscription) shut(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.events)
	return true
}

// broadcaster fans a room's events out to its subscribers. Each room owns
// one and tears it down when the room closes.
type broadcaster struct {
	roomID string

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	done   bool
}

func newBroadcaster(roomID string) *broadcaster {
	return &broadcaster{roomID: roomID, subs: make(map[uint64]*Subscription)}
}

func (b *broadcaster) subscribe(userID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		RoomID: b.roomID,
		UserID: userID,
		id:     b.nextID,
		events: make(chan Event, buffer),
		owner:  b,
	}
	if b.done {
		sub.shut(ErrRoomClosed)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// publish never blocks. A subscriber whose buffer is full is dropped.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			delete(b.subs, id)
			sub.shut(ErrSubscriberLagged)
			logger.Warn("dropping lagging subscriber",
				logger.String("roomId", b.roomID),
				logger.String("userId", sub.UserID),
				logger.Uint64("seq", ev.Seq))
		}
	}
}

func (b *broadcaster) remove(sub *Subscription, err error) {
	b.mu.Lock()
	if b.subs[sub.id] == sub {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	sub.shut(err)
}

// dropUser ends every subscription held by userID.
func (b *broadcaster) dropUser(userID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if sub.UserID == userID {
			delete(b.subs, id)
			sub.shut(err)
		}
	}
}

func (b *broadcaster) closeAll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.shut(err)
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
