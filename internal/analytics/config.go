package analytics

import (
	"time"

	"lobcore/internal/schema"

	"github.com/yanun0323/errors"
)

// Config holds every window and threshold used by the extractor.
type Config struct {
	// ImbalanceLevels is how many rungs per side enter order-flow imbalance.
	ImbalanceLevels int

	// VPINBucketVolume is the traded volume per VPIN bucket; VPINWindow the number
	// of full buckets averaged.
	VPINBucketVolume schema.Qty
	VPINWindow       int

	// LambdaWindow and AmihudWindow count trades.
	LambdaWindow int
	AmihudWindow int

	SpoofMinOrderQty schema.Qty
	SpoofWindow      time.Duration
	SpoofMinOrders   int
	SpoofCancelRatio float64

	LayeringWindow    time.Duration
	LayeringMinLevels int

	MomentumWindow    time.Duration
	MomentumMinTrades int
	MomentumMinMove   schema.Px

	// EventRingSize bounds the order and trade history kept per symbol for the
	// toxicity heuristics.
	EventRingSize int
}

// DefaultConfig returns baseline windows and thresholds.
func DefaultConfig() Config {
	return Config{
		ImbalanceLevels:   5,
		VPINBucketVolume:  schema.Qty(1_000 * schema.ScaleMultiplier),
		VPINWindow:        50,
		LambdaWindow:      100,
		AmihudWindow:      100,
		SpoofMinOrderQty:  schema.Qty(100 * schema.ScaleMultiplier),
		SpoofWindow:       5 * time.Second,
		SpoofMinOrders:    5,
		SpoofCancelRatio:  0.8,
		LayeringWindow:    2 * time.Second,
		LayeringMinLevels: 3,
		MomentumWindow:    time.Second,
		MomentumMinTrades: 10,
		MomentumMinMove:   schema.Px(10 * schema.ScaleMultiplier / 100),
		EventRingSize:     256,
	}
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.ImbalanceLevels <= 0:
		return errors.New("invalid analytics config: ImbalanceLevels must be > 0")
	case c.VPINBucketVolume <= 0:
		return errors.New("invalid analytics config: VPINBucketVolume must be > 0")
	case c.VPINWindow <= 0:
		return errors.New("invalid analytics config: VPINWindow must be > 0")
	case c.LambdaWindow < 2:
		return errors.New("invalid analytics config: LambdaWindow must be >= 2")
	case c.AmihudWindow <= 0:
		return errors.New("invalid analytics config: AmihudWindow must be > 0")
	case c.SpoofMinOrderQty <= 0:
		return errors.New("invalid analytics config: SpoofMinOrderQty must be > 0")
	case c.SpoofWindow <= 0:
		return errors.New("invalid analytics config: SpoofWindow must be > 0")
	case c.SpoofMinOrders <= 0:
		return errors.New("invalid analytics config: SpoofMinOrders must be > 0")
	case c.SpoofCancelRatio <= 0 || c.SpoofCancelRatio > 1:
		return errors.New("invalid analytics config: SpoofCancelRatio must be in (0, 1]")
	case c.LayeringWindow <= 0:
		return errors.New("invalid analytics config: LayeringWindow must be > 0")
	case c.LayeringMinLevels < 2:
		return errors.New("invalid analytics config: LayeringMinLevels must be >= 2")
	case c.MomentumWindow <= 0:
		return errors.New("invalid analytics config: MomentumWindow must be > 0")
	case c.MomentumMinTrades < 2:
		return errors.New("invalid analytics config: MomentumMinTrades must be >= 2")
	case c.MomentumMinMove <= 0:
		return errors.New("invalid analytics config: MomentumMinMove must be > 0")
	case c.EventRingSize < c.MomentumMinTrades || c.EventRingSize < c.SpoofMinOrders:
		return errors.New("invalid analytics config: EventRingSize too small for thresholds")
	}
	return nil
}
