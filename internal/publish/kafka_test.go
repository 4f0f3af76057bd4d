package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
	"github.com/BrandonDHaskell/Tapledger/server/internal/publish"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	fail    error
	flushed bool
	closed  bool
}

func (f *fakeProducer) TryProduce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	err := f.fail
	f.mu.Unlock()
	promise(r, err)
}

func (f *fakeProducer) Flush(context.Context) error {
	f.flushed = true
	return nil
}

func (f *fakeProducer) Close() { f.closed = true }

func linked(devices ...string) []chain.Entry {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	prev := chain.GenesisHash
	out := make([]chain.Entry, len(devices))
	for i, d := range devices {
		out[i] = chain.Link(prev, chain.Entry{
			Seq:     uint64(i + 1),
			EventID: d + "-evt",
			Tap: chain.RawTap{
				DeviceID: d, LocalSeq: 1, EmployeeID: "CARD-0001",
				Kind: chain.KindTimeIn, DeviceTime: at, ArrivedAt: at,
			},
			CommittedAt: at,
		})
		prev = out[i].Hash
	}
	return out
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPublisher_KeysByDevice(t *testing.T) {
	fp := &fakeProducer{}
	p := publish.NewWithProducer(fp, "ledger.entries", quietLogger())

	entries := linked("GATE-01", "GATE-02")
	p.Publish(entries)

	require.Len(t, fp.records, 2)
	for i, r := range fp.records {
		assert.Equal(t, "ledger.entries", r.Topic)
		assert.Equal(t, entries[i].Tap.DeviceID, string(r.Key))

		var v types.EntryView
		require.NoError(t, json.Unmarshal(r.Value, &v))
		assert.Equal(t, entries[i].Seq, v.Seq)
		assert.Equal(t, entries[i].Hash.String(), v.Hash)
	}
	assert.Equal(t, "seq", fp.records[1].Headers[0].Key)
	assert.Equal(t, "2", string(fp.records[1].Headers[0].Value))

	produced, failed := p.Stats()
	assert.Equal(t, int64(2), produced)
	assert.Zero(t, failed)

	require.NoError(t, p.Close(context.Background()))
	assert.True(t, fp.flushed)
	assert.True(t, fp.closed)
}

func TestPublisher_CountsFailures(t *testing.T) {
	fp := &fakeProducer{fail: errors.New("buffer full")}
	p := publish.NewWithProducer(fp, "ledger.entries", quietLogger())

	p.Publish(linked("GATE-01"))

	produced, failed := p.Stats()
	assert.Zero(t, produced)
	assert.Equal(t, int64(1), failed)
}

func TestNew_RequiresBrokersAndTopic(t *testing.T) {
	_, err := publish.New(publish.Config{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = publish.New(publish.Config{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)
}
