package mdg

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"lobcore/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const maxLineSize = 1 << 20

// Reader decodes a JSON-lines feed into schema events.
type Reader struct {
	scanner *bufio.Scanner
	norm    *Normalizer
	line    int
}

// NewReader reads one JSON object per line from r.
func NewReader(r io.Reader, norm *Normalizer) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{scanner: scanner, norm: norm}
}

// Next returns the next event, skipping blank lines. It returns io.EOF at the
// end of input. A bad line returns an error and the reader stays usable.
func (r *Reader) Next() (schema.Event, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw RawEvent
		if err := sonic.Unmarshal(line, &raw); err != nil {
			return schema.Event{}, errors.Wrapf(err, "line %d", r.line)
		}
		ev, err := r.norm.Normalize(raw)
		if err != nil {
			return schema.Event{}, errors.Wrapf(err, "line %d", r.line)
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return schema.Event{}, errors.Wrap(err, "scan feed")
	}
	return schema.Event{}, io.EOF
}

// Line returns the number of lines consumed.
func (r *Reader) Line() int {
	return r.line
}

// Stats counts the outcome of Pump.
type Stats struct {
	Events  uint64
	Skipped uint64
}

// Pump feeds every event of r to submit until EOF, ctx is done or submit fails.
// Undecodable lines are logged and skipped.
func Pump(ctx context.Context, r *Reader, submit func(context.Context, schema.Event) error) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ev, err := r.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			if r.scanner.Err() != nil {
				return stats, err
			}
			stats.Skipped++
			logs.Warnf("mdg: skip feed line, err: %+v", err)
			continue
		}
		if err := submit(ctx, ev); err != nil {
			return stats, err
		}
		stats.Events++
	}
}
