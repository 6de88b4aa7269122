package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fundingflow/logger"
)

func TestCountersMove(t *testing.T) {
	before := testutil.ToFloat64(recordsAccepted)
	RecordAccepted(3)
	RecordAccepted(0)
	if got := testutil.ToFloat64(recordsAccepted) - before; got != 3 {
		t.Fatalf("expected 3 accepted, got %v", got)
	}

	beforeSuffix := testutil.ToFloat64(recordsRejected.WithLabelValues("symbol_suffix"))
	RecordRejected("symbol_suffix")
	if got := testutil.ToFloat64(recordsRejected.WithLabelValues("symbol_suffix")) - beforeSuffix; got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	SetConnected(true)
	if v := testutil.ToFloat64(streamConnected); v != 1 {
		t.Fatalf("expected connected gauge 1, got %v", v)
	}
	SetConnected(false)
	if v := testutil.ToFloat64(streamConnected); v != 0 {
		t.Fatalf("expected connected gauge 0, got %v", v)
	}

	SetStoreSymbols(42)
	if v := testutil.ToFloat64(storeSymbols); v != 42 {
		t.Fatalf("expected 42 symbols, got %v", v)
	}
}

func TestRecordSnapshotSave(t *testing.T) {
	ok := testutil.ToFloat64(snapshotSaves.WithLabelValues("success"))
	failed := testutil.ToFloat64(snapshotSaves.WithLabelValues("error"))

	RecordSnapshotSave(nil)
	RecordSnapshotSave(errors.New("disk full"))

	if got := testutil.ToFloat64(snapshotSaves.WithLabelValues("success")) - ok; got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(snapshotSaves.WithLabelValues("error")) - failed; got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
}

func TestEmitDropMetric(t *testing.T) {
	events := make(chan Event, 1)
	t.Cleanup(Subscribe(func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	}))

	before := testutil.ToFloat64(channelDrops.WithLabelValues("funding_raw"))
	EmitDropMetric(logger.GetLogger(), DropMetricRaw, "funding_raw", "reader")

	if got := testutil.ToFloat64(channelDrops.WithLabelValues("funding_raw")) - before; got != 1 {
		t.Fatalf("expected 1 drop, got %v", got)
	}
	select {
	case m := <-events:
		if m.Name != string(DropMetricRaw) || m.Labels["channel"] != "funding_raw" {
			t.Fatalf("unexpected metric: %+v", m)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("drop metric not dispatched")
	}
}

type fixedBuffer struct{ n, c int }

func (b fixedBuffer) Len() int { return b.n }
func (b fixedBuffer) Cap() int { return b.c }

func TestStartChannelSizeMetrics(t *testing.T) {
	events := make(chan Event, 4)
	t.Cleanup(Subscribe(func(ev Event) {
		if ev.Name != "funding_raw_buffer_length" {
			return
		}
		select {
		case events <- ev:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartChannelSizeMetrics(ctx, "funding_raw", fixedBuffer{n: 7, c: 16}, 5*time.Millisecond)

	select {
	case m := <-events:
		if m.Name != "funding_raw_buffer_length" || m.Value != 7 {
			t.Fatalf("unexpected metric: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no channel size metric emitted")
	}
}

func TestReportWriter(t *testing.T) {
	ReportWriter(logger.GetLogger(), "snapshot_writer", WriterStats{Saves: 2, Failures: 1, Records: 10, LastDuration: 3 * time.Millisecond})
}

func TestInitWithoutAddressServesNothing(t *testing.T) {
	if srv := Init(""); srv != nil {
		t.Fatalf("expected no server, got %v", srv.Addr)
	}
}
