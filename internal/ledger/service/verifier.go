package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

// VerifyResult reports a chain verification run.  FirstMismatch is nil
// when every checked entry is intact.
type VerifyResult struct {
	From, To      uint64
	Checked       int
	FirstMismatch *chain.Mismatch
}

func (r VerifyResult) OK() bool { return r.FirstMismatch == nil }

// Verifier recomputes the hash chain over stored entries.  It is read-only
// and never blocks appends.
type Verifier struct {
	seq      *Sequencer
	pageSize int

	alerts  *AlertLog
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	observers []func(VerifyResult, error)
}

func NewVerifier(seq *Sequencer, pageSize int, deps Deps) *Verifier {
	deps = deps.withDefaults()
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Verifier{
		seq:      seq,
		pageSize: pageSize,
		alerts:   deps.Alerts,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// OnResult registers fn to receive every verification outcome.
func (v *Verifier) OnResult(fn func(VerifyResult, error)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, fn)
}

// VerifyChain checks entries from..to (clamped to the head) and reports
// the first mismatching sequence.  A mismatch raises a critical alert but
// is not an error: the error return is reserved for read failures.
func (v *Verifier) VerifyChain(ctx context.Context, from, to uint64) (VerifyResult, error) {
	res, err := v.verify(ctx, from, to)

	v.mu.Lock()
	observers := v.observers
	v.mu.Unlock()
	for _, fn := range observers {
		fn(res, err)
	}

	switch {
	case err != nil:
		v.metrics.IncrementVerification("error")
		v.logger.ErrorContext(ctx, "chain verification error", "from", from, "to", to, "error", err)
	case res.OK():
		v.metrics.IncrementVerification("pass")
	default:
		v.metrics.IncrementVerification("fail")
		v.alerts.Raise(ctx, SeverityCritical, AlertChainVerification,
			fmt.Sprintf("hash chain broken at seq %d: %s", res.FirstMismatch.Seq, res.FirstMismatch.Reason))
	}
	return res, err
}

func (v *Verifier) verify(ctx context.Context, from, to uint64) (VerifyResult, error) {
	if from == 0 {
		from = 1
	}
	if head := v.seq.Head().Seq; to == 0 || to > head {
		to = head
	}
	res := VerifyResult{From: from, To: to}
	if from > to {
		return res, nil
	}

	prev := chain.GenesisHash
	if from > 1 {
		before, err := v.seq.ReadRange(ctx, from-1, from-1)
		if err != nil {
			return res, err
		}
		if len(before) != 1 {
			res.FirstMismatch = &chain.Mismatch{Seq: from - 1, Reason: "entry missing"}
			return res, nil
		}
		prev = before[0].Hash
	}

	for start := from; start <= to; {
		end := start + uint64(v.pageSize) - 1
		if end > to || end < start {
			end = to
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := v.seq.ReadRange(ctx, start, end)
		if err != nil {
			return res, err
		}
		if len(page) == 0 || page[0].Seq != start {
			res.FirstMismatch = &chain.Mismatch{Seq: start, Reason: "entry missing"}
			return res, nil
		}
		if m := chain.VerifyEntries(prev, page); m != nil {
			res.FirstMismatch = m
			res.Checked += int(m.Seq - start)
			return res, nil
		}
		res.Checked += len(page)
		last := page[len(page)-1]
		if last.Seq != end {
			res.FirstMismatch = &chain.Mismatch{Seq: last.Seq + 1, Reason: "entry missing"}
			return res, nil
		}
		prev = last.Hash
		if end == to {
			break
		}
		start = end + 1
	}
	return res, nil
}
