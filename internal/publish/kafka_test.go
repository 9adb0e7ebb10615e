package publish

import (
	"context"
	"sync"
	"testing"
	"time"

	"lobcore/internal/bus"
	"lobcore/internal/engine"
	"lobcore/internal/schema"
	"lobcore/pkg/exception"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestKafkaConfig(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	require.Error(t, err)

	cfg := KafkaConfig{Brokers: []string{"localhost:9092"}}.withDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultBookTopic, cfg.BookTopic)
	assert.Equal(t, defaultTickTopic, cfg.TickTopic)
	assert.Equal(t, defaultBatchSize, cfg.BatchSize)
}

func TestKafkaSinkPublish(t *testing.T) {
	books, ticks := &fakeWriter{}, &fakeWriter{}
	sink := newKafkaSink(books, ticks)

	view := sampleView()
	require.NoError(t, sink.PublishBook(context.Background(), engine.LobSnapshotEvent{View: view}))
	tick := engine.TickEvent{Seq: 3, Ts: 1000, Update: schema.Update{Symbol: view.Symbol, Price: 5}}
	require.NoError(t, sink.PublishTick(context.Background(), tick))

	require.Len(t, books.messages(), 1)
	msg := books.messages()[0]
	assert.Equal(t, "BTCUSDT", string(msg.Key))
	assert.Equal(t, int64(view.LastTs), msg.Time.UnixNano())
	got, err := DecodeLobSnapshotEvent(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, view, got.View)

	require.Len(t, ticks.messages(), 1)
	gotTick, err := DecodeTickEvent(ticks.messages()[0].Value)
	require.NoError(t, err)
	assert.Equal(t, tick, gotTick)

	ticks.err = errors.New("broker down")
	require.ErrorIs(t, sink.PublishTick(context.Background(), tick), exception.ErrSinkUnavailable)

	require.NoError(t, sink.Close())
	assert.True(t, books.closed)
	assert.True(t, ticks.closed)
}

func TestKafkaSinkRun(t *testing.T) {
	books, ticks := &fakeWriter{}, &fakeWriter{}
	sink := newKafkaSink(books, ticks)

	bookBus := bus.NewBus[engine.LobSnapshotEvent]()
	tickBus := bus.NewBus[engine.TickEvent]()
	bookSub, tickSub := bookBus.Subscribe(16), tickBus.Subscribe(16)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.Run(context.Background(), bookSub, tickSub)
	}()

	view := sampleView()
	for i := 0; i < 5; i++ {
		view.Seq = uint64(i + 1)
		bookBus.Publish(engine.LobSnapshotEvent{View: view})
		tickBus.Publish(engine.TickEvent{Seq: uint64(i + 1), Update: schema.Update{Symbol: view.Symbol}})
	}
	bookBus.Close()
	tickBus.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sink did not stop after subscriptions closed")
	}

	require.Len(t, books.messages(), 5)
	require.Len(t, ticks.messages(), 5)
	for i, msg := range ticks.messages() {
		ev, err := DecodeTickEvent(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}
