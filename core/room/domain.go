package room

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"worshiproom/logger"
	"worshiproom/model"
)

type job struct {
	actor string
	fn    func(tx *txn) error            // mutation, runs on a clone
	view  func(s *roomState, seq uint64) // read-only, runs on live state
	done  chan error
}

// roomDomain serializes everything that happens to one room. A single
// goroutine owns the state; callers submit jobs through the mailbox.
type roomDomain struct {
	id  string
	m   *Manager
	hub *broadcaster

	state  *roomState
	seq    uint64
	closed bool

	mailbox   chan job
	quit      chan struct{}
	quitOnce  sync.Once
	stopped   chan struct{}
	snapshots chan *Snapshot
}

func newRoomDomain(m *Manager, s *roomState) *roomDomain {
	opts := m.options()
	mailbox := opts.MailboxSize
	if mailbox <= 0 {
		mailbox = 1
	}
	return &roomDomain{
		id:        s.room.ID,
		m:         m,
		hub:       newBroadcaster(s.room.ID),
		state:     s,
		mailbox:   make(chan job, mailbox),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		snapshots: make(chan *Snapshot, 1),
	}
}

func (d *roomDomain) start() {
	if d.m.cache != nil {
		d.m.wg.Add(1)
		go d.storeSnapshots()
	}
	go d.run()
}

func (d *roomDomain) run() {
	defer close(d.stopped)
	defer close(d.snapshots)

	for {
		select {
		case j := <-d.mailbox:
			err := d.execute(j)
			if d.closed {
				d.teardown()
			}
			j.done <- err
			if d.closed {
				return
			}
		case <-d.quit:
			d.hub.closeAll(ErrShuttingDown)
			return
		}
	}
}

// stop ends the loop without closing the room.
func (d *roomDomain) stop() {
	d.quitOnce.Do(func() { close(d.quit) })
	<-d.stopped
}

// do runs fn as one transition. State changes are persisted before any of
// the transition's events are published; a failed fn or a failed write
// leaves the room untouched.
func (d *roomDomain) do(ctx context.Context, actor string, fn func(tx *txn) error) error {
	return d.submit(ctx, job{actor: actor, fn: fn})
}

// read runs fn against the committed state between transitions.
func (d *roomDomain) read(ctx context.Context, fn func(s *roomState, seq uint64)) error {
	return d.submit(ctx, job{view: fn})
}

func (d *roomDomain) submit(ctx context.Context, j job) error {
	j.done = make(chan error, 1)
	select {
	case d.mailbox <- j:
	case <-d.stopped:
		return fmt.Errorf("%w: %s", ErrRoomInactive, d.id)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-d.stopped:
		select {
		case err := <-j.done:
			return err
		default:
			return fmt.Errorf("%w: %s", ErrRoomInactive, d.id)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *roomDomain) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("room transition panicked",
				logger.String("roomId", d.id),
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
			err = fmt.Errorf("room %s: transition failed: %v", d.id, r)
		}
	}()

	if j.view != nil {
		j.view(d.state, d.seq)
		return nil
	}
	if !d.state.room.IsActive {
		return fmt.Errorf("%w: %s", ErrRoomInactive, d.id)
	}

	opts := d.m.options()
	now := d.m.clock.Now()
	next := d.state.clone()
	tx := newTxn(next, now, opts, j.actor)
	if err := j.fn(tx); err != nil {
		return err
	}

	if cs := tx.changeSet(); !cs.Empty() {
		if err := d.persist(cs, opts.PersistTimeout); err != nil {
			return err
		}
	}

	d.state = next
	for _, h := range tx.history {
		logger.Info("song finished",
			logger.String("roomId", d.id),
			logger.String("videoId", h.VideoID),
			logger.Bool("skipped", h.WasSkipped),
			logger.Float64("skipPct", h.SkipPercentage()),
			logger.Float64("upvotePct", h.UpvotePercentage()),
			logger.Time("endedAt", h.EndedAt))
	}
	d.publish(tx.events, now)
	for _, userID := range tx.dropSubs {
		d.hub.dropUser(userID, ErrSubscriptionLeft)
	}
	if len(tx.events) > 0 {
		d.offerSnapshot(now)
	}
	if tx.closing {
		d.closed = true
	}
	return nil
}

func (d *roomDomain) persist(cs *model.ChangeSet, timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := d.m.repo.ApplyChanges(ctx, cs); err != nil {
		logger.Error("failed to persist room transition",
			logger.String("roomId", d.id),
			logger.ErrorField(err))
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// publish hands committed events to subscribers and the relay in commit
// order, numbering them as it goes.
func (d *roomDomain) publish(events []pendingEvent, now time.Time) {
	for _, pe := range events {
		d.seq++
		ev := Event{
			Type:      pe.Type,
			RoomID:    d.id,
			Seq:       d.seq,
			UserID:    pe.UserID,
			Data:      pe.Data,
			Timestamp: now.UnixMilli(),
		}
		d.hub.publish(ev)
		if d.m.sink != nil {
			d.m.sink.Publish(ev)
		}
	}
}

// offerSnapshot replaces any snapshot still waiting for the cache writer.
func (d *roomDomain) offerSnapshot(now time.Time) {
	if d.m.cache == nil {
		return
	}
	snap := buildSnapshot(d.state, d.seq, now)
	select {
	case <-d.snapshots:
	default:
	}
	d.snapshots <- snap
}

func (d *roomDomain) storeSnapshots() {
	defer d.m.wg.Done()
	for snap := range d.snapshots {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.m.cache.StoreSnapshot(ctx, snap); err != nil {
			logger.Warn("failed to cache room snapshot",
				logger.String("roomId", d.id),
				logger.Uint64("seq", snap.Seq),
				logger.ErrorField(err))
		}
		cancel()
	}
	if d.closed {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.m.cache.DeleteRoom(ctx, d.id); err != nil {
			logger.Warn("failed to drop cached room", logger.String("roomId", d.id), logger.ErrorField(err))
		}
	}
}

// teardown runs on the room goroutine right after the closing transition.
func (d *roomDomain) teardown() {
	d.hub.closeAll(ErrRoomClosed)
	room := *d.state.room
	d.m.archive(&room)
	d.m.forget(d)
	logger.Info("room closed", logger.String("roomId", d.id), logger.Uint64("seq", d.seq))
}
