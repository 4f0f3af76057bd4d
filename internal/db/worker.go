package db

import (
	"context"
	"database/sql"
	"sync/atomic"
)

type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Worker runs every write transaction on one goroutine, in submission order.
type Worker struct {
	db      *sql.DB
	jobs    chan job
	done    chan struct{}
	pending atomic.Int64
}

func NewWorker(db *sql.DB) *Worker {
	w := &Worker{
		db:   db,
		jobs: make(chan job, 256),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) Close() {
	close(w.jobs)
	<-w.done
}

// Pending returns the number of transactions queued or running.
func (w *Worker) Pending() int64 { return w.pending.Load() }

func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)
	j := job{ctx: ctx, fn: fn, ch: ch}

	w.pending.Add(1)
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	}

	// If the caller gives up while the job is queued or running, the
	// transaction still completes; its result lands in the buffered ch
	// and is discarded.
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoDetached runs fn even if ctx is cancelled while the job waits.  Used for
// writes that must not be abandoned half way, such as ledger appends.
func (w *Worker) DoDetached(ctx context.Context, fn TxFn) error {
	return w.Do(context.WithoutCancel(ctx), fn)
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		err := w.run(j)
		w.pending.Add(-1)
		j.ch <- err
	}
}

func (w *Worker) run(j job) error {
	tx, err := w.db.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}
	if err := j.fn(j.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
