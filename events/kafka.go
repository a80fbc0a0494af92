package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"worshiproom/core/room"
	"worshiproom/logger"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the relay needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RelayOptions tunes the relay. Zero values fall back to defaults.
type RelayOptions struct {
	Buffer       int
	BatchSize    int
	MaxAttempts  int
	Backoff      time.Duration
	WriteTimeout time.Duration
}

func (o RelayOptions) withDefaults() RelayOptions {
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 200 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// KafkaRelay forwards committed room events to a Kafka topic. Publish never
// blocks the room: when the buffer is full the event is dropped and counted.
// Events are keyed by room ID so one room's events stay in order within a
// partition.
type KafkaRelay struct {
	writer MessageWriter
	opts   RelayOptions

	events  chan room.Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewKafkaWriter builds the producer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewKafkaRelay starts the relay worker.
func NewKafkaRelay(writer MessageWriter, opts RelayOptions) *KafkaRelay {
	opts = opts.withDefaults()
	r := &KafkaRelay{
		writer: writer,
		opts:   opts,
		events: make(chan room.Event, opts.Buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Publish implements room.EventSink.
func (r *KafkaRelay) Publish(ev room.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
		logger.Warn("event relay buffer full, dropping event",
			logger.String("roomId", ev.RoomID),
			logger.Uint64("seq", ev.Seq),
			logger.String("type", string(ev.Type)))
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (r *KafkaRelay) Dropped() uint64 {
	return r.dropped.Load()
}

// Close flushes buffered events and closes the writer.
func (r *KafkaRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	<-r.done
	if err := r.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

func (r *KafkaRelay) run() {
	defer close(r.done)

	batch := make([]kafka.Message, 0, r.opts.BatchSize)
	for ev := range r.events {
		batch = append(batch, r.message(ev))
	drain:
		for len(batch) < r.opts.BatchSize {
			select {
			case next, ok := <-r.events:
				if !ok {
					break drain
				}
				batch = append(batch, r.message(next))
			default:
				break drain
			}
		}
		r.write(batch)
		batch = batch[:0]
	}
}

func (r *KafkaRelay) message(ev room.Event) kafka.Message {
	value, err := json.Marshal(ev)
	if err != nil {
		// Event only holds marshalable fields.
		value = []byte("{}")
	}
	return kafka.Message{
		Key:   []byte(ev.RoomID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
}

func (r *KafkaRelay) write(batch []kafka.Message) {
	var err error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		err = r.writer.WriteMessages(ctx, batch...)
		cancel()
		if err == nil {
			return
		}
		if attempt < r.opts.MaxAttempts {
			time.Sleep(r.opts.Backoff * time.Duration(attempt))
		}
	}
	logger.Error("failed to relay room events",
		logger.Int("count", len(batch)),
		logger.Int("attempts", r.opts.MaxAttempts),
		logger.ErrorField(err))
}

// ========== Consumer ==========

// Consume reads room events from topic and hands them to handler until ctx
// ends or handler fails.
func Consume(ctx context.Context, brokers []string, topic, groupID string, handler func(room.Event) error) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		var ev room.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Warn("skipping malformed event", logger.Int64("offset", msg.Offset), logger.ErrorField(err))
			continue
		}
		if err := handler(ev); err != nil {
			return fmt.Errorf("failed to handle event: %w", err)
		}
	}
}
