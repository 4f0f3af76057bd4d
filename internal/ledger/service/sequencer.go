package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

// Result is the outcome of one submitted tap.
type Result struct {
	Entry chain.Entry

	// Duplicate is set when the (device, local sequence) pair was already
	// recorded; Entry is then the original entry.
	Duplicate bool

	// Gap is set when the tap's local sequence skipped ahead of the
	// device's last committed one.
	Gap bool
}

// Head is the published tip of the ledger.  Readers never see entries
// beyond it.
type Head struct {
	Seq  uint64
	Hash chain.Hash
}

// Correction describes a compensating entry for an existing event.
type Correction struct {
	Corrects   string // event id of the original entry
	Kind       chain.EventKind
	DeviceTime time.Time // zero keeps the original's device time
}

type SequencerConfig struct {
	// QueueSize bounds the submissions waiting for the commit loop.
	// Default 1024.
	QueueSize int
}

type commitKind int

const (
	commitTap commitKind = iota
	commitBatch
	commitCorrection
)

type commitReq struct {
	kind       commitKind
	deviceID   string
	taps       []chain.RawTap
	acceptGap  bool
	correction Correction
	admitted   time.Time
	resp       chan commitResp
}

type commitResp struct {
	results []Result
	err     error
}

// Sequencer is the only writer of the ledger.  Every submission goes
// through one commit loop goroutine, which deduplicates, assigns the next
// global sequence, links the hash chain and persists, in that order.
type Sequencer struct {
	ledger  store.LedgerStore
	clock   Clock
	ids     IDGenerator
	alerts  *AlertLog
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue     chan *commitReq
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	head atomic.Pointer[Head]

	// lastLocal caches each device's highest committed local sequence.
	// Only the commit loop touches it.
	lastLocal map[string]uint64

	mu        sync.Mutex
	notify    chan struct{}
	listeners []func([]chain.Entry)
}

// NewSequencer loads the current head from ledger and starts the commit
// loop.  Call Close to stop it.
func NewSequencer(ctx context.Context, ledger store.LedgerStore, cfg SequencerConfig, deps Deps) (*Sequencer, error) {
	deps = deps.withDefaults()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	head := Head{Hash: chain.GenesisHash}
	last, err := ledger.Head(ctx)
	switch {
	case err == nil:
		head = Head{Seq: last.Seq, Hash: last.Hash}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load ledger head: %w", err)
	}

	s := &Sequencer{
		ledger:    ledger,
		clock:     deps.Clock,
		ids:       deps.IDs,
		alerts:    deps.Alerts,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		queue:     make(chan *commitReq, cfg.QueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		lastLocal: make(map[string]uint64),
		notify:    make(chan struct{}),
	}
	s.head.Store(&head)
	s.metrics.SetHead(head.Seq)

	go s.loop()

	s.logger.InfoContext(ctx, "sequencer started", "head", head.Seq, "queue_size", cfg.QueueSize)
	return s, nil
}

// Close stops the commit loop.  Submissions still queued fail with
// ErrClosed; a commit already in progress finishes first.
func (s *Sequencer) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

// Append commits a single validated tap.  A tap whose (device, local
// sequence) pair is already recorded returns the existing entry with
// Duplicate set.
func (s *Sequencer) Append(ctx context.Context, tap chain.RawTap) (Result, error) {
	results, err := s.submit(ctx, &commitReq{kind: commitTap, deviceID: tap.DeviceID, taps: []chain.RawTap{tap}})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// AppendBatch commits a device's ordered taps contiguously, or none of
// them.  Duplicates, gaps and ordering faults reject the whole batch with
// a *BatchRejectedError.  A leading gap after the device's last committed
// sequence is admitted only with acceptGap.
func (s *Sequencer) AppendBatch(ctx context.Context, deviceID string, taps []chain.RawTap, acceptGap bool) ([]Result, error) {
	return s.submit(ctx, &commitReq{kind: commitBatch, deviceID: deviceID, taps: taps, acceptGap: acceptGap})
}

// Correct appends a compensating entry for an existing event.
func (s *Sequencer) Correct(ctx context.Context, c Correction) (chain.Entry, error) {
	c.Corrects = strings.TrimSpace(c.Corrects)
	if c.Corrects == "" {
		return chain.Entry{}, invalid("corrects", "required")
	}
	if !chain.ValidCorrectionKind(c.Kind) {
		return chain.Entry{}, invalid("kind", fmt.Sprintf("unknown kind %q", c.Kind))
	}
	results, err := s.submit(ctx, &commitReq{kind: commitCorrection, correction: c})
	if err != nil {
		return chain.Entry{}, err
	}
	return results[0].Entry, nil
}

func (s *Sequencer) submit(ctx context.Context, req *commitReq) ([]Result, error) {
	select {
	case <-s.quit:
		return nil, ErrClosed
	default:
	}

	req.admitted = s.clock.Now()
	req.resp = make(chan commitResp, 1)

	select {
	case s.queue <- req:
	default:
		return nil, ErrServiceOverloaded
	}
	s.metrics.SetQueueDepth(len(s.queue))

	// Once admitted the commit runs to completion even if the caller
	// stops waiting; a retry is answered as a duplicate.
	select {
	case r := <-req.resp:
		return r.results, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *Sequencer) loop() {
	defer close(s.done)

	// Store writes are never cancelled part way.
	ctx := context.Background()

	for {
		select {
		case <-s.quit:
			return
		case req := <-s.queue:
			var (
				results   []Result
				committed []chain.Entry
				err       error
			)
			switch req.kind {
			case commitTap:
				results, committed, err = s.applyTap(ctx, req.taps[0])
			case commitBatch:
				results, committed, err = s.applyBatch(ctx, req.deviceID, req.taps, req.acceptGap)
			case commitCorrection:
				results, committed, err = s.applyCorrection(ctx, req.correction)
			}
			if len(committed) > 0 {
				s.metrics.ObserveCommitLatency(s.clock.Now().Sub(req.admitted))
				s.publish(committed)
			}
			s.metrics.SetQueueDepth(len(s.queue))
			req.resp <- commitResp{results: results, err: err}
		}
	}
}

func (s *Sequencer) applyTap(ctx context.Context, tap chain.RawTap) ([]Result, []chain.Entry, error) {
	existing, found, err := s.lookup(ctx, tap.Key())
	if err != nil {
		return nil, nil, err
	}
	if found {
		return []Result{{Entry: existing, Duplicate: true}}, nil, nil
	}

	last, err := s.lastDeviceSeq(ctx, tap.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	gap := tap.LocalSeq > last+1

	entries := s.link([]chain.RawTap{tap}, "")
	if err := s.commit(ctx, entries); err != nil {
		return nil, nil, err
	}
	s.advanceDevice(tap.DeviceID, tap.LocalSeq)

	if gap {
		s.alerts.Raise(ctx, SeverityWarning, AlertSequenceGap,
			fmt.Sprintf("device %s jumped from local_seq %d to %d", tap.DeviceID, last, tap.LocalSeq))
	}
	return []Result{{Entry: entries[0], Gap: gap}}, entries, nil
}

func (s *Sequencer) applyBatch(ctx context.Context, deviceID string, taps []chain.RawTap, acceptGap bool) ([]Result, []chain.Entry, error) {
	reject := func(localSeq uint64, reason string) error {
		return &BatchRejectedError{DeviceID: deviceID, LocalSeq: localSeq, Reason: reason}
	}
	if len(taps) == 0 {
		return nil, nil, reject(0, "empty batch")
	}

	for i, t := range taps {
		if t.DeviceID != deviceID {
			return nil, nil, reject(t.LocalSeq, "tap belongs to device "+t.DeviceID)
		}
		if i > 0 {
			prev := taps[i-1].LocalSeq
			switch {
			case t.LocalSeq == prev:
				return nil, nil, reject(t.LocalSeq, "duplicate local sequence in batch")
			case t.LocalSeq < prev:
				return nil, nil, reject(t.LocalSeq, "local sequence out of order")
			case t.LocalSeq != prev+1:
				return nil, nil, reject(t.LocalSeq, fmt.Sprintf("gap inside batch after local_seq %d", prev))
			}
		}
		_, found, err := s.lookup(ctx, t.Key())
		if err != nil {
			return nil, nil, err
		}
		if found {
			return nil, nil, reject(t.LocalSeq, "local sequence already recorded")
		}
	}

	last, err := s.lastDeviceSeq(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}
	first := taps[0].LocalSeq
	leadingGap := first > last+1
	if leadingGap && !acceptGap {
		return nil, nil, reject(first, fmt.Sprintf("gap after last committed local_seq %d", last))
	}

	entries := s.link(taps, "")
	if err := s.commit(ctx, entries); err != nil {
		return nil, nil, err
	}
	s.advanceDevice(deviceID, taps[len(taps)-1].LocalSeq)

	results := make([]Result, len(entries))
	for i, e := range entries {
		results[i] = Result{Entry: e}
	}
	if leadingGap {
		results[0].Gap = true
		s.alerts.Raise(ctx, SeverityWarning, AlertSequenceGap,
			fmt.Sprintf("device %s batch accepted with gap from local_seq %d to %d", deviceID, last, first))
	}
	s.logger.InfoContext(ctx, "batch committed",
		"device_id", deviceID, "count", len(entries),
		"first_seq", entries[0].Seq, "last_seq", entries[len(entries)-1].Seq)
	return results, entries, nil
}

func (s *Sequencer) applyCorrection(ctx context.Context, c Correction) ([]Result, []chain.Entry, error) {
	orig, err := s.ledger.FindByEventID(ctx, c.Corrects)
	if err != nil {
		return nil, nil, notFound("event "+c.Corrects, err)
	}
	if orig.Seq > s.Head().Seq {
		return nil, nil, fmt.Errorf("event %s: %w", c.Corrects, ErrNotFound)
	}
	if orig.IsCorrection() {
		return nil, nil, invalid("corrects", "cannot correct a correction entry")
	}

	deviceTime := c.DeviceTime
	if deviceTime.IsZero() {
		deviceTime = orig.Tap.DeviceTime
	}
	tap := chain.RawTap{
		DeviceID:   orig.Tap.DeviceID,
		LocalSeq:   0,
		EmployeeID: orig.Tap.EmployeeID,
		Kind:       c.Kind,
		DeviceTime: deviceTime.UTC(),
		ArrivedAt:  s.clock.Now(),
	}

	entries := s.link([]chain.RawTap{tap}, orig.EventID)
	if err := s.commit(ctx, entries); err != nil {
		return nil, nil, err
	}
	s.logger.InfoContext(ctx, "correction committed",
		"seq", entries[0].Seq, "corrects", orig.EventID, "kind", string(c.Kind))
	return []Result{{Entry: entries[0]}}, entries, nil
}

// link assigns sequences and event ids after the current head and chains
// the entries together.  Nothing is visible until commit succeeds.
func (s *Sequencer) link(taps []chain.RawTap, corrects string) []chain.Entry {
	h := s.Head()
	now := s.clock.Now()

	out := make([]chain.Entry, len(taps))
	prev := h.Hash
	for i, t := range taps {
		out[i] = chain.Link(prev, chain.Entry{
			Seq:         h.Seq + uint64(i) + 1,
			EventID:     s.ids.New(),
			Tap:         t,
			CommittedAt: now,
			Corrects:    corrects,
		})
		prev = out[i].Hash
	}
	return out
}

// commit persists entries and, only on success, publishes the new head.
func (s *Sequencer) commit(ctx context.Context, entries []chain.Entry) error {
	if err := s.ledger.Append(ctx, entries); err != nil {
		s.logger.ErrorContext(ctx, "ledger append failed",
			"first_seq", entries[0].Seq, "count", len(entries), "error", err)
		return fmt.Errorf("ledger append: %w", err)
	}
	last := entries[len(entries)-1]
	s.head.Store(&Head{Seq: last.Seq, Hash: last.Hash})
	s.metrics.SetHead(last.Seq)
	return nil
}

func (s *Sequencer) lookup(ctx context.Context, key chain.DeviceSeq) (chain.Entry, bool, error) {
	e, err := s.ledger.FindByDeviceSeq(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return chain.Entry{}, false, nil
	}
	if err != nil {
		return chain.Entry{}, false, fmt.Errorf("lookup %s: %w", key, err)
	}
	return e, true, nil
}

func (s *Sequencer) lastDeviceSeq(ctx context.Context, deviceID string) (uint64, error) {
	if last, ok := s.lastLocal[deviceID]; ok {
		return last, nil
	}
	last, err := s.ledger.LastDeviceSeq(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	s.lastLocal[deviceID] = last
	return last, nil
}

func (s *Sequencer) advanceDevice(deviceID string, localSeq uint64) {
	if localSeq > s.lastLocal[deviceID] {
		s.lastLocal[deviceID] = localSeq
	}
}

func (s *Sequencer) publish(entries []chain.Entry) {
	s.mu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(entries)
	}
}

// OnCommit registers fn to be called from the commit loop with every
// newly committed run of entries.  fn must not block.
func (s *Sequencer) OnCommit(fn func([]chain.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Committed returns a channel that is closed at the next commit.  Take
// the channel before reading so no commit is missed.
func (s *Sequencer) Committed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *Sequencer) Head() Head { return *s.head.Load() }

// QueueDepth is the number of submissions waiting for the commit loop.
func (s *Sequencer) QueueDepth() int { return len(s.queue) }

// ReadRange returns committed entries with from <= seq <= to, clamped to
// the published head.
func (s *Sequencer) ReadRange(ctx context.Context, from, to uint64) ([]chain.Entry, error) {
	if h := s.Head(); to > h.Seq {
		to = h.Seq
	}
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	return s.ledger.ReadRange(ctx, from, to)
}

// After returns up to limit entries following seq, for downstream
// polling.
func (s *Sequencer) After(ctx context.Context, seq uint64, limit int) ([]chain.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	to := seq + uint64(limit)
	if to < seq {
		to = ^uint64(0)
	}
	return s.ReadRange(ctx, seq+1, to)
}

// Lookup finds the committed entry for a device-local sequence.
func (s *Sequencer) Lookup(ctx context.Context, key chain.DeviceSeq) (chain.Entry, bool, error) {
	e, found, err := s.lookup(ctx, key)
	if err != nil || !found || e.Seq > s.Head().Seq {
		return chain.Entry{}, false, err
	}
	return e, true, nil
}

func (s *Sequencer) CountCommittedSince(ctx context.Context, t time.Time) (int64, error) {
	return s.ledger.CountCommittedSince(ctx, t)
}
