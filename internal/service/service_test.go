package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/internal/snapshot"
)

var scenario = []string{
	`[{"e":"markPriceUpdate","s":"BTCUSDT","p":"45000.50","r":"0.0005","T":1640995200000}]`,
	`[{"e":"markPriceUpdate","s":"BTCETH","p":"15.5","r":"0.0002","T":1640995200000}]`,
	`[{"e":"markPriceUpdate","s":"TESTUSDT","p":"1.00","r":"0.005","T":1640995200000}]`,
}

func feedServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func refusingServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(feedURL, snapshotPath string) *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Fundingflow = appconfig.FundingflowConfig{Name: "fundingflow-test", Version: "test"}
	cfg.Source.Binance.MarkPrice.URL = feedURL
	cfg.Source.Binance.MarkPrice.HandshakeTimeout = time.Second
	cfg.Source.Binance.Rest.Warmup = false
	cfg.Reconnect.MaxAttempts = 1
	cfg.Reconnect.BaseDelay = time.Millisecond
	cfg.Reconnect.MaxDelay = time.Millisecond
	cfg.Snapshot.Path = snapshotPath
	cfg.Snapshot.Interval = time.Hour
	cfg.Snapshot.Timeout = time.Second
	return &cfg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func writeSnapshot(t *testing.T, path string, records []models.FundingRateRecord) {
	t.Helper()
	if err := snapshot.NewFileStore(path).Save(context.Background(), models.NewSnapshot(records, time.Now())); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
}

func TestServiceScenarioAndRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funding_rates.json")
	srv := feedServer(t, scenario)

	svc, err := New(context.Background(), testConfig(wsURL(srv), path))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool { return svc.SymbolCount() == 2 })

	btc, ok := svc.Get("btcusdt")
	if !ok || btc.FundingRate != 0.0005 || btc.MarkPrice != 45000.50 {
		t.Fatalf("unexpected BTCUSDT: %+v (found=%v)", btc, ok)
	}
	if _, ok := svc.Get("BTCETH"); ok {
		t.Fatalf("BTCETH must be rejected")
	}
	high := svc.GetAboveThreshold(0.001)
	if len(high) != 1 || high[0].Symbol != "TESTUSDT" {
		t.Fatalf("unexpected high-rate list %+v", high)
	}

	waitFor(t, func() bool { return svc.IngestStats().Rejected == 1 })
	status := svc.ConnectionStatus()
	if !status.Connected || status.State != "CONNECTED" || status.MonitoredSymbolCount != 2 || status.ReconnectAttempts != 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	svc.Stop()
	svc.Stop()
	if st := svc.ConnectionStatus(); st.Connected || st.State != "CLOSED" {
		t.Fatalf("unexpected status after stop %+v", st)
	}

	// restart against a dead feed: state comes back from the final snapshot.
	var hits int32
	dead := refusingServer(t, &hits)
	restarted, err := New(context.Background(), testConfig(wsURL(dead), path))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer restarted.Stop()

	got, ok := restarted.Get("BTCUSDT")
	if !ok || got != btc {
		t.Fatalf("restore mismatch: %+v vs %+v", got, btc)
	}
	if restarted.SymbolCount() != 2 {
		t.Fatalf("expected 2 restored symbols, got %v", restarted.Symbols())
	}

	waitFor(t, func() bool { return restarted.ConnectionStatus().State == "FAILED" })
	if restarted.GetAll()[0].Symbol != "BTCUSDT" {
		t.Fatalf("queries must keep working after feed failure")
	}
}

func TestRestoreRevalidatesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funding_rates.json")
	writeSnapshot(t, path, []models.FundingRateRecord{
		{Symbol: "BTCUSDT", FundingRate: 0.0001, MarkPrice: 45000, Timestamp: 1640995200000},
		{Symbol: "BTCETH", FundingRate: 0.0001, MarkPrice: 15, Timestamp: 1640995200000},
		{Symbol: "BADUSDT", FundingRate: 0.5, MarkPrice: 1, Timestamp: 1640995200000},
	})

	var hits int32
	svc, err := New(context.Background(), testConfig(wsURL(refusingServer(t, &hits)), path))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	if syms := svc.Symbols(); len(syms) != 1 || syms[0] != "BTCUSDT" {
		t.Fatalf("unexpected restored symbols %v", syms)
	}
}

func TestMalformedSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funding_rates.json")
	if err := os.WriteFile(path, []byte(`{"snapshotTimestamp": 1, "records": [{"symbol": "BTCUSDT"`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var hits int32
	svc, err := New(context.Background(), testConfig(wsURL(refusingServer(t, &hits)), path))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	if svc.SymbolCount() != 0 {
		t.Fatalf("malformed snapshot must restore nothing, got %v", svc.Symbols())
	}
	if st := svc.Statistics(); st.Count != 0 || st.AverageRate != 0 {
		t.Fatalf("unexpected statistics %+v", st)
	}
}

type stubWarmer struct {
	calls int32
	raws  []models.RawMarkPrice
	err   error
}

func (w *stubWarmer) Fetch(context.Context) ([]models.RawMarkPrice, error) {
	atomic.AddInt32(&w.calls, 1)
	return w.raws, w.err
}

func TestWarmupOnlyOnColdStart(t *testing.T) {
	warm := &stubWarmer{raws: []models.RawMarkPrice{
		{Symbol: "SOLUSDT", MarkPrice: "101.5", FundingRate: "0.0002", Time: "1640995200000"},
		{Symbol: "SOLBTC", MarkPrice: "0.002", FundingRate: "0.0002", Time: "1640995200000"},
	}}

	var hits int32
	feed := wsURL(refusingServer(t, &hits))

	cold := filepath.Join(t.TempDir(), "funding_rates.json")
	svc, err := New(context.Background(), testConfig(feed, cold), WithWarmer(warm))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if syms := svc.Symbols(); len(syms) != 1 || syms[0] != "SOLUSDT" {
		t.Fatalf("unexpected warmed symbols %v", syms)
	}
	if stats := svc.IngestStats(); stats.Accepted != 1 || stats.Rejected != 1 {
		t.Fatalf("unexpected ingest stats %+v", stats)
	}
	svc.Stop()

	warm2 := &stubWarmer{err: errors.New("should not be called")}
	again, err := New(context.Background(), testConfig(feed, cold), WithWarmer(warm2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := again.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer again.Stop()
	if atomic.LoadInt32(&warm2.calls) != 0 {
		t.Fatalf("warm-up must be skipped when a snapshot was restored")
	}
	if again.SymbolCount() != 1 {
		t.Fatalf("expected restored symbol, got %v", again.Symbols())
	}
}

func TestWarmupFailureIsNotFatal(t *testing.T) {
	var hits int32
	svc, err := New(context.Background(),
		testConfig(wsURL(refusingServer(t, &hits)), filepath.Join(t.TempDir(), "s.json")),
		WithWarmer(&stubWarmer{err: errors.New("timeout")}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()
	if svc.SymbolCount() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestPeriodicSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funding_rates.json")
	srv := feedServer(t, scenario[:1])

	cfg := testConfig(wsURL(srv), path)
	cfg.Snapshot.Interval = 20 * time.Millisecond

	svc, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	waitFor(t, func() bool {
		snap, err := snapshot.NewFileStore(path).Load(context.Background())
		return err == nil && snap != nil && snap.TotalSymbols == 1
	})
}

func TestStartTwiceAndAfterStop(t *testing.T) {
	var hits int32
	svc, err := New(context.Background(), testConfig(wsURL(refusingServer(t, &hits)), filepath.Join(t.TempDir(), "s.json")))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
	svc.Stop()
	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("start after stop should fail")
	}
}

func TestReportFields(t *testing.T) {
	var hits int32
	svc, err := New(context.Background(), testConfig(wsURL(refusingServer(t, &hits)), filepath.Join(t.TempDir(), "s.json")))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	fields := svc.ReportFields()
	for _, key := range []string{"symbols", "connected", "stream_state", "records_accepted", "raw_dropped"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing %s in %v", key, fields)
		}
	}
	if fields["stream_state"] != "DISCONNECTED" {
		t.Errorf("unexpected state %v", fields["stream_state"])
	}
}

func TestMixedCaseSymbolIsQueryable(t *testing.T) {
	srv := feedServer(t, []string{
		`[{"e":"markPriceUpdate","s":"1000pepeUSDT","p":"0.0123","r":"0.0003","T":1640995200000}]`,
	})
	svc, err := New(context.Background(), testConfig(wsURL(srv), filepath.Join(t.TempDir(), "s.json")))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	waitFor(t, func() bool { return svc.SymbolCount() == 1 })

	for _, key := range []string{"1000pepeUSDT", "1000PEPEUSDT"} {
		rec, ok := svc.Get(key)
		if !ok || rec.Symbol != "1000PEPEUSDT" || rec.FundingRate != 0.0003 {
			t.Fatalf("Get(%q) = %+v, %v", key, rec, ok)
		}
	}
	if syms := svc.Symbols(); syms[0] != "1000PEPEUSDT" {
		t.Fatalf("unexpected symbols %v", syms)
	}
}

func TestReportFieldsFollowBufferGauge(t *testing.T) {
	var hits int32
	svc, err := New(context.Background(), testConfig(wsURL(refusingServer(t, &hits)), filepath.Join(t.TempDir(), "s.json")))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	metrics.EmitMetric(nil, "channel_buffers", "funding_raw_buffer_length", 5, metrics.Gauge, nil)
	metrics.EmitMetric(nil, "channel_buffers", "other_buffer_length", 9, metrics.Gauge, nil)
	if got := svc.ReportFields()["raw_buffered"]; got != int64(5) {
		t.Fatalf("expected raw_buffered=5, got %v", got)
	}

	svc.Stop()
	metrics.EmitMetric(nil, "channel_buffers", "funding_raw_buffer_length", 7, metrics.Gauge, nil)
	if got := svc.ReportFields()["raw_buffered"]; got != int64(5) {
		t.Fatalf("stopped service must not observe events, got %v", got)
	}
}
