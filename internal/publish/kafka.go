package publish

import (
	"context"
	"time"

	"lobcore/internal/bus"
	"lobcore/internal/engine"
	"lobcore/internal/schema"
	"lobcore/pkg/exception"

	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultBookTopic    = "lob.books"
	defaultTickTopic    = "lob.ticks"
	defaultBatchSize    = 100
	defaultBatchTimeout = 10 * time.Millisecond
)

// KafkaConfig controls the kafka sink.
type KafkaConfig struct {
	Brokers      []string
	BookTopic    string
	TickTopic    string
	BatchSize    int
	BatchTimeout time.Duration
	// Async hands batches to the writer without waiting for acks.
	Async bool
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.BookTopic == "" {
		c.BookTopic = defaultBookTopic
	}
	if c.TickTopic == "" {
		c.TickTopic = defaultTickTopic
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	return c
}

// Validate checks if the configuration is usable.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("invalid kafka config: Brokers is empty")
	}
	if c.BatchSize < 1 || c.BatchTimeout < 0 {
		return errors.New("invalid kafka config: batch settings must be positive")
	}
	return nil
}

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards engine events to kafka, keyed by symbol so each symbol
// stays ordered within its partition.
type KafkaSink struct {
	books messageWriter
	ticks messageWriter
	buf   []byte
}

// NewKafkaSink creates writers for the book and tick topics.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: kafka.RequireAll,
			Async:        cfg.Async,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logs.Errorf("publish: kafka %s, %d messages lost, err: %+v", topic, len(messages), err)
				}
			},
		}
	}
	return newKafkaSink(newWriter(cfg.BookTopic), newWriter(cfg.TickTopic)), nil
}

func newKafkaSink(books, ticks messageWriter) *KafkaSink {
	return &KafkaSink{books: books, ticks: ticks}
}

// PublishBook writes one book event.
func (s *KafkaSink) PublishBook(ctx context.Context, ev engine.LobSnapshotEvent) error {
	s.buf = AppendLobSnapshotEvent(s.buf[:0], ev)
	return s.write(ctx, s.books, ev.View.Symbol, ev.View.LastTs)
}

// PublishTick writes one tick event.
func (s *KafkaSink) PublishTick(ctx context.Context, ev engine.TickEvent) error {
	s.buf = AppendTickEvent(s.buf[:0], ev)
	return s.write(ctx, s.ticks, ev.Update.Symbol, ev.Ts)
}

func (s *KafkaSink) write(ctx context.Context, w messageWriter, sym schema.Symbol, ts schema.Ts) error {
	msg := kafka.Message{
		Key:   sym.AppendString(nil),
		Value: append([]byte(nil), s.buf...),
		Time:  time.Unix(0, int64(ts)),
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(exception.ErrSinkUnavailable, "symbol %s: %+v", sym, err)
	}
	return nil
}

// Run forwards events from the subscriptions until ctx is done or both close.
// Either subscription may be nil. Write failures are logged; the engine never
// waits on the sink.
func (s *KafkaSink) Run(ctx context.Context, books *bus.Subscription[engine.LobSnapshotEvent], ticks *bus.Subscription[engine.TickEvent]) {
	var bookC <-chan engine.LobSnapshotEvent
	var bookDone <-chan struct{}
	if books != nil {
		bookC, bookDone = books.C(), books.Done()
	}
	var tickC <-chan engine.TickEvent
	var tickDone <-chan struct{}
	if ticks != nil {
		tickC, tickDone = ticks.C(), ticks.Done()
	}

	for bookC != nil || tickC != nil {
		select {
		case <-ctx.Done():
			return
		case ev := <-bookC:
			if err := s.PublishBook(ctx, ev); err != nil {
				logs.Warnf("publish: book event, err: %+v", err)
			}
		case ev := <-tickC:
			if err := s.PublishTick(ctx, ev); err != nil {
				logs.Warnf("publish: tick event, err: %+v", err)
			}
		case <-bookDone:
			drain(books.Queue, func(ev engine.LobSnapshotEvent) error { return s.PublishBook(ctx, ev) })
			bookC, bookDone = nil, nil
		case <-tickDone:
			drain(ticks.Queue, func(ev engine.TickEvent) error { return s.PublishTick(ctx, ev) })
			tickC, tickDone = nil, nil
		}
	}
}

func drain[T any](q *bus.Queue[T], publish func(T) error) {
	for {
		select {
		case ev := <-q.C():
			if err := publish(ev); err != nil {
				logs.Warnf("publish: drain, err: %+v", err)
			}
		default:
			return
		}
	}
}

// Close flushes and closes both writers.
func (s *KafkaSink) Close() error {
	err := s.books.Close()
	if tickErr := s.ticks.Close(); tickErr != nil && err == nil {
		err = tickErr
	}
	return err
}
