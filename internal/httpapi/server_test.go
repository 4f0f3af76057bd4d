package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/BrandonDHaskell/Tapledger/server/internal/httpapi"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store/memory"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

type fixture struct {
	ts  *httptest.Server
	seq *service.Sequencer
}

// newTestServer wires up the full dependency graph using in-memory stores
// and returns an httptest.Server whose URL can be hit with a plain http.Client.
// GATE-01 and GATE-02 are registered; CARD-0001 and CARD-0002 are enrolled.
func newTestServer(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := service.RealClock{}
	alerts := service.NewAlertLog(service.AlertConfig{}, clock, m, logger)
	deps := service.Deps{Clock: clock, Alerts: alerts, Metrics: m, Logger: logger}

	registry := service.NewDeviceRegistry(memory.NewDeviceStore(), deps)
	roster := service.NewRoster(memory.NewRosterStore([]string{"CARD-0001", "CARD-0002"}), false, deps)
	seq, err := service.NewSequencer(ctx, memory.NewLedgerStore(), service.SequencerConfig{}, deps)
	if err != nil {
		t.Fatalf("sequencer: %v", err)
	}
	t.Cleanup(seq.Close)

	verifier := service.NewVerifier(seq, 0, deps)
	health := service.NewHealthMonitor(seq, registry, verifier, service.HealthConfig{}, deps)
	ingestor := service.NewIngestor(seq, registry, roster, health, deps)
	reconciler := service.NewReconciler(ingestor, registry, memory.NewOfflineQueueStore(), health,
		service.ReconcilerConfig{}, deps)
	t.Cleanup(reconciler.Close)

	for _, id := range []string{"GATE-01", "GATE-02"} {
		if _, err := registry.Register(ctx, id, "", "Lobby"); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:     logger,
		Addr:       ":0",
		Registry:   registry,
		Heartbeats: service.NewHeartbeatService(memory.NewHeartbeatStore(), registry, reconciler, deps),
		Ingestor:   ingestor,
		Reconciler: reconciler,
		Sequencer:  seq,
		Roster:     roster,
		Verifier:   verifier,
		Replayer:   service.NewReplayer(seq, service.ReplayConfig{PageSize: 2}, deps),
		Health:     health,
		Gatherer:   reg,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, seq: seq}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, b)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	Field       string `json:"field"`
}

var morning = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func tapJSON(device string, local uint64, card, kind string, at time.Time) string {
	return fmt.Sprintf(`{"device_id":%q,"local_seq":%d,"card_id":%q,"kind":%q,"device_time":%q}`,
		device, local, card, kind, at.Format(time.RFC3339))
}

// ── Heartbeat ────────────────────────────────────────────────────────────────

func TestHeartbeat_KnownDevice_GoesOnline(t *testing.T) {
	f := newTestServer(t)

	resp := f.do(t, http.MethodPost, "/v1/heartbeat", `{"device_id":"GATE-01","uptime_s":42}`)
	expectStatus(t, resp, http.StatusOK)

	hb := decode[types.HeartbeatResponse](t, resp)
	if !hb.OK || !hb.Known {
		t.Errorf("expected ok and known, got %+v", hb)
	}
	if hb.State != "online" {
		t.Errorf("expected state=online, got %q", hb.State)
	}
}

func TestHeartbeat_UnknownDevice_StillAnswered(t *testing.T) {
	f := newTestServer(t)

	resp := f.do(t, http.MethodPost, "/v1/heartbeat", `{"device_id":"GATE-99"}`)
	expectStatus(t, resp, http.StatusOK)

	hb := decode[types.HeartbeatResponse](t, resp)
	if hb.Known {
		t.Error("expected known=false for an unregistered device")
	}
	if hb.ServerTime == "" {
		t.Error("expected server_time to be set")
	}
}

func TestHeartbeat_MalformedJSON(t *testing.T) {
	f := newTestServer(t)

	resp := f.do(t, http.MethodPost, "/v1/heartbeat", `{not json`)
	expectStatus(t, resp, http.StatusBadRequest)
}

// ── Taps ─────────────────────────────────────────────────────────────────────

func TestTap_CommitThenDuplicate(t *testing.T) {
	f := newTestServer(t)
	body := tapJSON("GATE-01", 1, "CARD-0001", "time_in", morning)

	resp := f.do(t, http.MethodPost, "/v1/taps", body)
	expectStatus(t, resp, http.StatusCreated)
	first := decode[types.TapResponse](t, resp)
	if first.Seq != 1 || first.EventID == "" || len(first.Hash) != 64 {
		t.Fatalf("unexpected first response %+v", first)
	}

	resp = f.do(t, http.MethodPost, "/v1/taps", body)
	expectStatus(t, resp, http.StatusOK)
	dup := decode[types.TapResponse](t, resp)
	if !dup.Duplicate || dup.Seq != first.Seq || dup.EventID != first.EventID {
		t.Errorf("expected duplicate of seq %d, got %+v", first.Seq, dup)
	}
	if head := f.seq.Head().Seq; head != 1 {
		t.Errorf("expected head=1, got %d", head)
	}
}

func TestTap_Rejections(t *testing.T) {
	f := newTestServer(t)

	cases := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"unknown card", tapJSON("GATE-01", 1, "CARD-9999", "time_in", morning), http.StatusUnprocessableEntity, "card_id"},
		{"unknown device", tapJSON("GATE-77", 1, "CARD-0001", "time_in", morning), http.StatusUnprocessableEntity, "device_id"},
		{"bad kind", tapJSON("GATE-01", 1, "CARD-0001", "lunch", morning), http.StatusUnprocessableEntity, "kind"},
		{"zero local seq", tapJSON("GATE-01", 0, "CARD-0001", "time_in", morning), http.StatusUnprocessableEntity, "local_seq"},
		{"bad time", `{"device_id":"GATE-01","local_seq":1,"card_id":"CARD-0001","kind":"time_in","device_time":"yesterday"}`, http.StatusUnprocessableEntity, "device_time"},
		{"malformed", `{"device_id":`, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/v1/taps", tc.body)
			expectStatus(t, resp, tc.status)
			eb := decode[errorBody](t, resp)
			if eb.Field != tc.field {
				t.Errorf("expected field %q, got %q (%s)", tc.field, eb.Field, eb.Description)
			}
		})
	}
	if head := f.seq.Head().Seq; head != 0 {
		t.Errorf("rejected taps must not reach the ledger, head=%d", head)
	}
}

func TestTap_Protobuf(t *testing.T) {
	f := newTestServer(t)

	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.BytesType)
	msg = protowire.AppendString(msg, "GATE-02")
	msg = protowire.AppendTag(msg, 2, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 7)
	msg = protowire.AppendTag(msg, 3, protowire.BytesType)
	msg = protowire.AppendString(msg, "CARD-0002")
	msg = protowire.AppendTag(msg, 4, protowire.BytesType)
	msg = protowire.AppendString(msg, "break_start")
	msg = protowire.AppendTag(msg, 5, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(morning.UnixMilli()))
	// Unknown field from newer firmware.
	msg = protowire.AppendTag(msg, 15, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 1)

	resp, err := http.Post(f.ts.URL+"/v1/taps", "application/x-protobuf", bytes.NewReader(msg))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusCreated)
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("expected protobuf response, got %q", ct)
	}

	raw, _ := io.ReadAll(resp.Body)
	var (
		ok  bool
		seq uint64
	)
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			t.Fatalf("bad tag: %v", protowire.ParseError(n))
		}
		raw = raw[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(raw)
			ok, n = protowire.DecodeBool(v), m
		case num == 2 && typ == protowire.VarintType:
			seq, n = protowire.ConsumeVarint(raw)
		default:
			n = protowire.ConsumeFieldValue(num, typ, raw)
		}
		if n < 0 {
			t.Fatalf("bad field %d: %v", num, protowire.ParseError(n))
		}
		raw = raw[n:]
	}
	if !ok || seq != 1 {
		t.Errorf("expected ok seq=1, got ok=%v seq=%d", ok, seq)
	}

	entries, err := f.seq.ReadRange(context.Background(), 1, 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("read: %v (%d entries)", err, len(entries))
	}
	if e := entries[0]; !e.Tap.DeviceTime.Equal(morning) || e.Tap.Kind != chain.KindBreakStart {
		t.Errorf("unexpected entry %+v", e.Tap)
	}
}

// ── Devices ──────────────────────────────────────────────────────────────────

func TestDevices_RegisterGetList(t *testing.T) {
	f := newTestServer(t)

	resp := f.do(t, http.MethodPost, "/v1/devices", `{"device_id":"GATE-03","name":"Dock","location":"Warehouse"}`)
	expectStatus(t, resp, http.StatusCreated)
	dv := decode[types.DeviceView](t, resp)
	if dv.State != "offline" || !dv.Active {
		t.Errorf("new device should be active and offline, got %+v", dv)
	}

	resp = f.do(t, http.MethodPost, "/v1/devices", `{"device_id":"GATE-03"}`)
	expectStatus(t, resp, http.StatusConflict)
	if eb := decode[errorBody](t, resp); eb.Error != "duplicate_device" {
		t.Errorf("expected duplicate_device, got %q", eb.Error)
	}

	resp = f.do(t, http.MethodGet, "/v1/devices/GATE-03", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[types.DeviceView](t, resp); got.Location != "Warehouse" {
		t.Errorf("expected location Warehouse, got %q", got.Location)
	}

	resp = f.do(t, http.MethodGet, "/v1/devices/GATE-404", "")
	expectStatus(t, resp, http.StatusNotFound)

	resp = f.do(t, http.MethodGet, "/v1/devices", "")
	expectStatus(t, resp, http.StatusOK)
	if list := decode[[]types.DeviceView](t, resp); len(list) != 3 {
		t.Errorf("expected 3 devices, got %d", len(list))
	}
}

func TestDevices_MaintenanceAndDeactivate(t *testing.T) {
	f := newTestServer(t)

	resp := f.do(t, http.MethodPost, "/v1/devices/GATE-01/maintenance", `{"enabled":true}`)
	expectStatus(t, resp, http.StatusOK)
	if dv := decode[types.DeviceView](t, resp); dv.State != "maintenance" {
		t.Fatalf("expected maintenance, got %q", dv.State)
	}

	resp = f.do(t, http.MethodPost, "/v1/devices/GATE-01/maintenance", `{"enabled":false}`)
	expectStatus(t, resp, http.StatusOK)
	if dv := decode[types.DeviceView](t, resp); dv.State == "maintenance" {
		t.Fatal("expected maintenance to end")
	}

	resp = f.do(t, http.MethodPost, "/v1/devices/GATE-02/deactivate", "")
	expectStatus(t, resp, http.StatusOK)
	if dv := decode[types.DeviceView](t, resp); dv.Active {
		t.Fatal("expected device to be inactive")
	}

	resp = f.do(t, http.MethodPost, "/v1/taps", tapJSON("GATE-02", 1, "CARD-0001", "time_in", morning))
	expectStatus(t, resp, http.StatusUnprocessableEntity)
}

// ── Offline reconciliation ───────────────────────────────────────────────────

func TestQueue_UploadThenOperatorSync(t *testing.T) {
	f := newTestServer(t)

	taps := []chain.RawTap{
		{DeviceID: "GATE-02", LocalSeq: 1, EmployeeID: "CARD-0001", Kind: chain.KindTimeIn, DeviceTime: morning},
		{DeviceID: "GATE-02", LocalSeq: 2, EmployeeID: "CARD-0001", Kind: chain.KindTimeOut, DeviceTime: morning.Add(9 * time.Hour)},
	}
	body := fmt.Sprintf(`{"checksum":%q,"taps":[%s,%s]}`,
		chain.BatchChecksum("GATE-02", taps),
		tapJSON("", 1, "CARD-0001", "time_in", taps[0].DeviceTime),
		tapJSON("", 2, "CARD-0001", "time_out", taps[1].DeviceTime))

	resp := f.do(t, http.MethodPost, "/v1/devices/GATE-02/queue", body)
	expectStatus(t, resp, http.StatusAccepted)
	up := decode[types.QueueUploadResponse](t, resp)
	if up.Queued != 2 || up.SyncStarted {
		t.Fatalf("offline device should queue without syncing, got %+v", up)
	}

	resp = f.do(t, http.MethodPost, "/v1/devices/GATE-02/sync", "")
	expectStatus(t, resp, http.StatusOK)
	sr := decode[types.SyncResponse](t, resp)
	if sr.Committed != 2 || sr.FirstSeq != 1 || sr.LastSeq != 2 {
		t.Fatalf("unexpected sync result %+v", sr)
	}

	resp = f.do(t, http.MethodGet, "/v1/ledger/entries?after=0", "")
	expectStatus(t, resp, http.StatusOK)
	er := decode[types.EntriesResponse](t, resp)
	if len(er.Entries) != 2 || er.Head != 2 {
		t.Fatalf("expected 2 entries at head 2, got %d at %d", len(er.Entries), er.Head)
	}
	if er.Entries[1].DeviceTime != "2026-03-02T17:00:00Z" {
		t.Errorf("device time must be kept as captured, got %s", er.Entries[1].DeviceTime)
	}
}

func TestQueue_BadChecksumRejected(t *testing.T) {
	f := newTestServer(t)

	body := fmt.Sprintf(`{"checksum":"deadbeef","taps":[%s]}`,
		tapJSON("", 1, "CARD-0001", "time_in", morning))
	resp := f.do(t, http.MethodPost, "/v1/devices/GATE-02/queue", body)
	expectStatus(t, resp, http.StatusConflict)
	if eb := decode[errorBody](t, resp); eb.Error != "batch_rejected" {
		t.Errorf("expected batch_rejected, got %q", eb.Error)
	}
}

func TestQueue_ForeignTapRefused(t *testing.T) {
	f := newTestServer(t)

	body := fmt.Sprintf(`{"checksum":"x","taps":[%s]}`,
		tapJSON("GATE-01", 1, "CARD-0001", "time_in", morning))
	resp := f.do(t, http.MethodPost, "/v1/devices/GATE-02/queue", body)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
}

// ── Ledger ───────────────────────────────────────────────────────────────────

// seedTaps commits n taps from GATE-01, one hour apart.
func seedTaps(t *testing.T, f *fixture, n int) {
	t.Helper()
	kinds := []string{"time_in", "break_start", "break_end", "time_out"}
	for i := 1; i <= n; i++ {
		resp := f.do(t, http.MethodPost, "/v1/taps",
			tapJSON("GATE-01", uint64(i), "CARD-0001", kinds[(i-1)%len(kinds)], morning.Add(time.Duration(i)*time.Hour)))
		expectStatus(t, resp, http.StatusCreated)
	}
}

func TestLedger_VerifyIntact(t *testing.T) {
	f := newTestServer(t)
	seedTaps(t, f, 5)

	resp := f.do(t, http.MethodGet, "/v1/ledger/verify", "")
	expectStatus(t, resp, http.StatusOK)
	vr := decode[types.VerifyResponse](t, resp)
	if !vr.OK || vr.Checked != 5 || vr.From != 1 || vr.To != 5 {
		t.Errorf("unexpected verify result %+v", vr)
	}
}

func TestLedger_RangeAndBadQuery(t *testing.T) {
	f := newTestServer(t)
	seedTaps(t, f, 4)

	resp := f.do(t, http.MethodGet, "/v1/ledger/range?from=2&to=3", "")
	expectStatus(t, resp, http.StatusOK)
	er := decode[types.EntriesResponse](t, resp)
	if len(er.Entries) != 2 || er.Entries[0].Seq != 2 {
		t.Errorf("expected seqs 2..3, got %+v", er.Entries)
	}
	if er.Entries[1].PrevHash != er.Entries[0].Hash {
		t.Error("entries must link to their predecessor")
	}

	resp = f.do(t, http.MethodGet, "/v1/ledger/entries?after=-1", "")
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestLedger_ReplayStreamsNDJSON(t *testing.T) {
	f := newTestServer(t)
	seedTaps(t, f, 5)

	resp := f.do(t, http.MethodGet, "/v1/ledger/replay?from=2", "")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("expected ndjson, got %q", ct)
	}

	var seqs []uint64
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var v types.EntryView
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		seqs = append(seqs, v.Seq)
	}
	if fmt.Sprint(seqs) != "[2 3 4 5]" {
		t.Errorf("expected [2 3 4 5], got %v", seqs)
	}
}

func TestLedger_ReplayRejectsNegativeSpeed(t *testing.T) {
	f := newTestServer(t)
	seedTaps(t, f, 1)

	resp := f.do(t, http.MethodGet, "/v1/ledger/replay?speed=-2", "")
	expectStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestLedger_ExportCSV(t *testing.T) {
	f := newTestServer(t)
	seedTaps(t, f, 3)

	resp := f.do(t, http.MethodGet, "/v1/ledger/export?format=csv", "")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("expected text/csv, got %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "ledger-1-3.csv") {
		t.Errorf("unexpected disposition %q", cd)
	}

	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "seq,event_id,device_id") {
		t.Errorf("unexpected header %q", lines[0])
	}
}

func TestLedger_ExportUnknownFormat(t *testing.T) {
	f := newTestServer(t)

	resp := f.do(t, http.MethodGet, "/v1/ledger/export?format=xlsx", "")
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestLedger_CorrectionAppends(t *testing.T) {
	f := newTestServer(t)
	seedTaps(t, f, 2)

	resp := f.do(t, http.MethodGet, "/v1/ledger/range?from=2&to=2", "")
	expectStatus(t, resp, http.StatusOK)
	original := decode[types.EntriesResponse](t, resp).Entries[0]

	resp = f.do(t, http.MethodPost, "/v1/ledger/corrections",
		fmt.Sprintf(`{"corrects":%q,"kind":"void"}`, original.EventID))
	expectStatus(t, resp, http.StatusCreated)
	c := decode[types.EntryView](t, resp)
	if c.Seq != 3 || c.Corrects != original.EventID || c.Kind != "void" {
		t.Errorf("unexpected correction %+v", c)
	}

	resp = f.do(t, http.MethodPost, "/v1/ledger/corrections", `{"corrects":"no-such-event","kind":"void"}`)
	expectStatus(t, resp, http.StatusNotFound)
}

// ── Roster ───────────────────────────────────────────────────────────────────

func TestEmployees_EnrollAndRemove(t *testing.T) {
	f := newTestServer(t)

	resp := f.do(t, http.MethodPut, "/v1/employees/CARD-0042", `{"display_name":"R. Santos"}`)
	expectStatus(t, resp, http.StatusNoContent)

	resp = f.do(t, http.MethodPost, "/v1/taps", tapJSON("GATE-01", 1, "CARD-0042", "time_in", morning))
	expectStatus(t, resp, http.StatusCreated)

	resp = f.do(t, http.MethodDelete, "/v1/employees/CARD-0042", "")
	expectStatus(t, resp, http.StatusNoContent)

	resp = f.do(t, http.MethodPost, "/v1/taps", tapJSON("GATE-01", 2, "CARD-0042", "time_out", morning.Add(time.Hour)))
	expectStatus(t, resp, http.StatusUnprocessableEntity)

	resp = f.do(t, http.MethodDelete, "/v1/employees/CARD-7777", "")
	expectStatus(t, resp, http.StatusNotFound)
}

// ── Health / metrics ─────────────────────────────────────────────────────────

func TestHealth_ReportsSnapshot(t *testing.T) {
	f := newTestServer(t)
	f.do(t, http.MethodPost, "/v1/heartbeat", `{"device_id":"GATE-01"}`)
	f.do(t, http.MethodPost, "/v1/heartbeat", `{"device_id":"GATE-02"}`)
	seedTaps(t, f, 2)

	resp := f.do(t, http.MethodGet, "/v1/health", "")
	expectStatus(t, resp, http.StatusOK)
	snap := decode[service.Snapshot](t, resp)
	if snap.LastSeq != 2 || snap.DevicesOnline != 2 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.Status != service.StatusHealthy {
		t.Errorf("expected healthy, got %s", snap.Status)
	}
}

func TestMetrics_Exposed(t *testing.T) {
	f := newTestServer(t)
	seedTaps(t, f, 1)

	resp := f.do(t, http.MethodGet, "/metrics", "")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `tapledger_taps_total{outcome="committed"} 1`) {
		t.Errorf("expected committed tap counter in:\n%s", body)
	}
}
