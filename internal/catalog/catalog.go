package catalog

import (
	"encoding/binary"

	"lobcore/internal/codec"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var ErrInvalidEntry = errors.New("catalog: invalid entry")

const (
	keyPrefix = "snap/"
	keySize   = len(keyPrefix) + schema.SymbolCap + 8 + 8
	valueSize = 8 + 8 + 8 + 8 + 8
)

// Entry locates one LobSnapshot record in the WAL.
type Entry struct {
	Symbol schema.Symbol
	Ts     schema.Ts
	// Seq is the WAL sequence of the snapshot record itself.
	Seq uint64
	// Offset is where the snapshot record starts.
	Offset wal.Offset
	// WalSeq is the last update sequence folded into the snapshot.
	WalSeq uint64
	// Resume is where replay continues after restoring the snapshot.
	Resume wal.Offset
}

// Config controls the catalog database.
type Config struct {
	Dir         string
	InMemory    bool
	DisableSync bool
}

func (c Config) Validate() error {
	if !c.InMemory && c.Dir == "" {
		return errors.New("invalid catalog config: Dir is required")
	}
	return nil
}

// Catalog is a pebble index of snapshot records keyed by symbol, ts and seq.
type Catalog struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// Open opens or creates the catalog.
func Open(cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &pebble.Options{}
	dir := cfg.Dir
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		if dir == "" {
			dir = "catalog"
		}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog")
	}
	c := &Catalog{db: db, writeOpts: pebble.Sync}
	if cfg.DisableSync {
		c.writeOpts = pebble.NoSync
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put records a snapshot location.
func (c *Catalog) Put(e Entry) error {
	if e.Symbol.IsZero() {
		return errors.Wrap(ErrInvalidEntry, "empty symbol")
	}
	var key [keySize]byte
	var value [valueSize]byte
	return c.db.Set(encodeKey(key[:0], e.Symbol, e.Ts, e.Seq), encodeValue(value[:0], &e), c.writeOpts)
}

// Latest returns the newest snapshot of symbol with ts <= at.
func (c *Catalog) Latest(symbol schema.Symbol, at schema.Ts) (Entry, bool, error) {
	var lower, upper, seek [keySize]byte
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: appendSymbolPrefix(lower[:0], symbol),
		UpperBound: appendSymbolEnd(upper[:0], symbol),
	})
	if err != nil {
		return Entry{}, false, err
	}
	defer iter.Close()

	if !iter.SeekLT(encodeKey(seek[:0], symbol, at, ^uint64(0))) {
		return Entry{}, false, iter.Error()
	}
	e, err := decodeEntry(iter.Key(), iter.Value())
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// LatestAll returns the newest snapshot of every symbol.
func (c *Catalog) LatestAll() (map[schema.Symbol]Entry, error) {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: prefixEnd([]byte(keyPrefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[schema.Symbol]Entry)
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		out[e.Symbol] = e
	}
	return out, iter.Error()
}

// Each calls fn for every entry in key order until fn returns an error.
func (c *Catalog) Each(fn func(Entry) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: prefixEnd([]byte(keyPrefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Rebuild drops every entry and indexes all snapshot records found in the store.
func (c *Catalog) Rebuild(store *wal.Store) (int, error) {
	if err := c.db.DeleteRange([]byte(keyPrefix), prefixEnd([]byte(keyPrefix)), c.writeOpts); err != nil {
		return 0, errors.Wrap(err, "clear catalog")
	}

	it := store.ReadFrom(0, 0)
	defer it.Close()

	batch := c.db.NewBatch()
	defer batch.Close()

	var key [keySize]byte
	var value [valueSize]byte
	n := 0
	for it.Next() {
		rec := it.Record()
		if rec.Type != wal.RecordLobSnapshot {
			continue
		}
		view, ok := codec.DecodeBookSnapshot(rec.Payload)
		if !ok {
			logs.Warnf("catalog: skip undecodable snapshot record seq %d at %+v", rec.Seq, it.Offset())
			continue
		}
		e := Entry{
			Symbol: view.Symbol,
			Ts:     rec.Ts,
			Seq:    rec.Seq,
			Offset: it.Offset(),
			WalSeq: view.WalSeq,
			Resume: view.Resume,
		}
		if err := batch.Set(encodeKey(key[:0], e.Symbol, e.Ts, e.Seq), encodeValue(value[:0], &e), nil); err != nil {
			return n, err
		}
		n++
	}
	if err := it.Err(); err != nil {
		return n, errors.Wrap(err, "read wal")
	}
	if err := batch.Commit(c.writeOpts); err != nil {
		return n, errors.Wrap(err, "commit catalog")
	}
	logs.Infof("catalog: rebuilt %d snapshot entries", n)
	return n, nil
}

func appendSymbolPrefix(dst []byte, symbol schema.Symbol) []byte {
	dst = append(dst, keyPrefix...)
	return append(dst, symbol[:]...)
}

func appendSymbolEnd(dst []byte, symbol schema.Symbol) []byte {
	return prefixEnd(appendSymbolPrefix(dst, symbol))
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	for i := len(p) - 1; i >= 0; i-- {
		p[i]++
		if p[i] != 0 {
			return p[:i+1]
		}
	}
	return nil
}

// encodeKey lays out prefix | symbol | ts | seq, big endian, sign bit flipped
// on ts so keys sort by time.
func encodeKey(dst []byte, symbol schema.Symbol, ts schema.Ts, seq uint64) []byte {
	dst = appendSymbolPrefix(dst, symbol)
	dst = binary.BigEndian.AppendUint64(dst, uint64(ts)^(1<<63))
	return binary.BigEndian.AppendUint64(dst, seq)
}

func encodeValue(dst []byte, e *Entry) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, e.Offset.Segment)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.Offset.Pos))
	dst = binary.LittleEndian.AppendUint64(dst, e.WalSeq)
	dst = binary.LittleEndian.AppendUint64(dst, e.Resume.Segment)
	return binary.LittleEndian.AppendUint64(dst, uint64(e.Resume.Pos))
}

func decodeEntry(key, value []byte) (Entry, error) {
	if len(key) != keySize || len(value) != valueSize {
		return Entry{}, errors.Wrapf(ErrInvalidEntry, "key %d bytes, value %d bytes", len(key), len(value))
	}
	var e Entry
	p := len(keyPrefix)
	copy(e.Symbol[:], key[p:p+schema.SymbolCap])
	p += schema.SymbolCap
	e.Ts = schema.Ts(binary.BigEndian.Uint64(key[p:p+8]) ^ (1 << 63))
	e.Seq = binary.BigEndian.Uint64(key[p+8 : p+16])

	e.Offset.Segment = binary.LittleEndian.Uint64(value[0:8])
	e.Offset.Pos = int64(binary.LittleEndian.Uint64(value[8:16]))
	e.WalSeq = binary.LittleEndian.Uint64(value[16:24])
	e.Resume.Segment = binary.LittleEndian.Uint64(value[24:32])
	e.Resume.Pos = int64(binary.LittleEndian.Uint64(value[32:40]))
	return e, nil
}
