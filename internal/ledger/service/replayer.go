package service

import (
	"context"
	"iter"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
)

// AsFastAsPossible disables pacing.
const AsFastAsPossible = 0.0

type ReplayConfig struct {
	PageSize int           // entries read per store round trip, default 256
	MaxGap   time.Duration // longest single wait, default 1m
}

// Replayer re-streams historical ranges.  It holds no per-session state;
// the cursor lives in the iterator.
type Replayer struct {
	seq      *Sequencer
	pageSize int
	maxGap   time.Duration
	clock    Clock
}

func NewReplayer(seq *Sequencer, cfg ReplayConfig, deps Deps) *Replayer {
	deps = deps.withDefaults()
	if cfg.PageSize <= 0 {
		cfg.PageSize = 256
	}
	if cfg.MaxGap <= 0 {
		cfg.MaxGap = time.Minute
	}
	return &Replayer{seq: seq, pageSize: cfg.PageSize, maxGap: cfg.MaxGap, clock: deps.Clock}
}

// Replay yields entries from..to in sequence order.  With speed > 0 the
// emission is paced by the gaps between device timestamps divided by
// speed; negative gaps from clock skew wait zero.  Each range over the
// returned iterator starts again at from.
//
// The iterator stops at the published head, when the consumer breaks, or
// when ctx is cancelled (yielding ctx.Err()).
func (r *Replayer) Replay(ctx context.Context, from, to uint64, speed float64) iter.Seq2[chain.Entry, error] {
	return func(yield func(chain.Entry, error) bool) {
		if speed < 0 {
			yield(chain.Entry{}, invalid("speed", "must be 0 or positive"))
			return
		}
		start := from
		if start == 0 {
			start = 1
		}

		var (
			prev     time.Time
			havePrev bool
		)
		for cursor := start; cursor <= to; {
			if err := ctx.Err(); err != nil {
				yield(chain.Entry{}, err)
				return
			}
			end := cursor + uint64(r.pageSize) - 1
			if end > to || end < cursor {
				end = to
			}
			page, err := r.seq.ReadRange(ctx, cursor, end)
			if err != nil {
				yield(chain.Entry{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, e := range page {
				if speed > 0 && havePrev {
					if err := r.wait(ctx, e.Tap.DeviceTime.Sub(prev), speed); err != nil {
						yield(chain.Entry{}, err)
						return
					}
				}
				prev, havePrev = e.Tap.DeviceTime, true
				if !yield(e, nil) {
					return
				}
			}
			last := page[len(page)-1].Seq
			if last >= to {
				return
			}
			cursor = last + 1
		}
	}
}

// Delay is the pause before an entry whose device time is gap after its
// predecessor's.
func (r *Replayer) Delay(gap time.Duration, speed float64) time.Duration {
	if speed <= 0 || gap <= 0 {
		return 0
	}
	d := time.Duration(float64(gap) / speed)
	if d > r.maxGap {
		d = r.maxGap
	}
	return d
}

func (r *Replayer) wait(ctx context.Context, gap time.Duration, speed float64) error {
	d := r.Delay(gap, speed)
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-r.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
