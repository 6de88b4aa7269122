// Registers:
//
//	#fundingflow_records_accepted_total
//	#fundingflow_records_rejected_total{reason}
//	#fundingflow_batches_discarded_total
//	#fundingflow_channel_drops_total{channel}
//	#fundingflow_stream_reconnects_total
//	#fundingflow_stream_connected
//	#fundingflow_store_symbols
//	#fundingflow_snapshot_saves_total{result}
//	#go_* and process_* system metrics
//
// Exposes them on the configured address under /metrics.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundingflow/logger"
)

var (
	once sync.Once

	recordsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fundingflow_records_accepted_total",
		Help: "Funding-rate records that passed validation and were stored",
	})
	recordsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingflow_records_rejected_total",
		Help: "Funding-rate records rejected by validation",
	}, []string{"reason"})
	batchesDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fundingflow_batches_discarded_total",
		Help: "Feed messages that could not be decoded at all",
	})
	channelDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingflow_channel_drops_total",
		Help: "Messages dropped because an internal buffer was full",
	}, []string{"channel"})
	streamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fundingflow_stream_reconnects_total",
		Help: "Reconnect attempts scheduled by the stream manager",
	})
	streamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fundingflow_stream_connected",
		Help: "1 while the feed connection is open",
	})
	storeSymbols = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fundingflow_store_symbols",
		Help: "Distinct symbols held in the store",
	})
	snapshotSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingflow_snapshot_saves_total",
		Help: "Snapshot save attempts by result",
	}, []string{"result"})
)

// Init registers the collectors and, when addr is not empty, serves them.
// The returned server is nil when nothing is served.
func Init(addr string) *http.Server {
	var srv *http.Server
	once.Do(func() {
		register(
			recordsAccepted, recordsRejected, batchesDiscarded, channelDrops,
			streamReconnects, streamConnected, storeSymbols, snapshotSaves,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if addr == "" {
			return
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			log := logger.GetLogger().WithComponent("metrics")
			log.WithFields(logger.Fields{"addr": addr}).Info("serving prometheus metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	})
	return srv
}

func register(cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				logger.GetLogger().WithComponent("metrics").WithError(err).Warn("failed to register collector")
			}
		}
	}
}

func RecordAccepted(n int) {
	if n > 0 {
		recordsAccepted.Add(float64(n))
	}
}

func RecordRejected(reason string) {
	recordsRejected.WithLabelValues(reason).Inc()
}

func RecordBatchDiscarded() {
	batchesDiscarded.Inc()
}

func RecordReconnect() {
	streamReconnects.Inc()
}

// SetConnected flips the connection gauge.
func SetConnected(connected bool) {
	if connected {
		streamConnected.Set(1)
		return
	}
	streamConnected.Set(0)
}

func SetStoreSymbols(n int) {
	storeSymbols.Set(float64(n))
}

// RecordSnapshotSave counts a save attempt; err == nil counts as success.
func RecordSnapshotSave(err error) {
	if err != nil {
		snapshotSaves.WithLabelValues("error").Inc()
		return
	}
	snapshotSaves.WithLabelValues("success").Inc()
}
