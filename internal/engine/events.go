package engine

import (
	"lobcore/internal/analytics"
	"lobcore/internal/bus"
	"lobcore/internal/lob"
	"lobcore/internal/schema"
	"lobcore/internal/wal"
)

// LobSnapshotEvent carries the book view produced by one update and the
// analytics computed on it.
type LobSnapshotEvent struct {
	View      lob.View
	Analytics analytics.Snapshot
}

// TickEvent passes a durable, applied update through to subscribers.
type TickEvent struct {
	Seq    uint64
	Ts     schema.Ts
	Type   wal.RecordType
	Update schema.Update
}

// notice carries the view taken right after the update was applied, so the
// analytics worker sees the same state replay does.
type notice struct {
	view   lob.View
	update schema.Update
	ts     schema.Ts
}

type shard struct {
	inbox *bus.Queue[schema.Event]
	// kick wakes the shard after Resume.
	kick chan struct{}
	// pending holds events of halted symbols in arrival order. It is owned by
	// the shard goroutine.
	pending map[schema.Symbol][]schema.Event
}

func newShard(capacity int) *shard {
	return &shard{
		inbox:   bus.NewQueue[schema.Event](capacity),
		kick:    make(chan struct{}, 1),
		pending: make(map[schema.Symbol][]schema.Event),
	}
}

func recordType(t schema.EventType) (wal.RecordType, bool) {
	switch t {
	case schema.EventTick:
		return wal.RecordTick, true
	case schema.EventOrder:
		return wal.RecordOrderEvent, true
	case schema.EventFill:
		return wal.RecordFillEvent, true
	default:
		return 0, false
	}
}
