package catalog

import (
	"encoding/binary"

	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/cockroachdb/pebble"
	"github.com/yanun0323/errors"
)

var checkpointKey = []byte("ckpt")

// Checkpoint marks a WAL position before which every symbol with updates has a
// snapshot in the catalog.
type Checkpoint struct {
	Ts  schema.Ts
	End wal.Offset
}

// PutCheckpoint replaces the stored checkpoint.
func (c *Catalog) PutCheckpoint(cp Checkpoint) error {
	var value [24]byte
	binary.LittleEndian.PutUint64(value[0:8], uint64(cp.Ts))
	binary.LittleEndian.PutUint64(value[8:16], cp.End.Segment)
	binary.LittleEndian.PutUint64(value[16:24], uint64(cp.End.Pos))
	return c.db.Set(checkpointKey, value[:], c.writeOpts)
}

// Checkpoint returns the stored checkpoint.
func (c *Catalog) Checkpoint() (Checkpoint, bool, error) {
	value, closer, err := c.db.Get(checkpointKey)
	if err == pebble.ErrNotFound {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	defer closer.Close()

	if len(value) != 24 {
		return Checkpoint{}, false, errors.Wrapf(ErrInvalidEntry, "checkpoint %d bytes", len(value))
	}
	return Checkpoint{
		Ts: schema.Ts(binary.LittleEndian.Uint64(value[0:8])),
		End: wal.Offset{
			Segment: binary.LittleEndian.Uint64(value[8:16]),
			Pos:     int64(binary.LittleEndian.Uint64(value[16:24])),
		},
	}, true, nil
}
