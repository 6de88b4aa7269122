// Package service wires the funding-rate pipeline together and runs its lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/channel"
	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/internal/processor"
	"fundingflow/internal/reader/binance"
	"fundingflow/internal/snapshot"
	"fundingflow/internal/store"
	"fundingflow/internal/stream"
	"fundingflow/internal/validator"
	"fundingflow/logger"
)

const (
	bufferReportInterval = 10 * time.Second
	rawChannelName       = "funding_raw"
)

// Warmer supplies an initial set of raw records for a cold start.
type Warmer interface {
	Fetch(ctx context.Context) ([]models.RawMarkPrice, error)
}

type Option func(*Service)

// WithSnapshotStore replaces the configured snapshot location.
func WithSnapshotStore(st snapshot.Store) Option {
	return func(s *Service) { s.snapshots = st }
}

// WithWarmer replaces the REST warm-up source; nil disables warm-up.
func WithWarmer(w Warmer) Option {
	return func(s *Service) { s.warmer = w }
}

// Service owns the store and every component that touches it. Start
// restores, warms up and connects; Stop disconnects, drains and saves.
type Service struct {
	cfg *appconfig.Config
	log *logger.Log

	validator *validator.Validator
	store     *store.Store
	channels  *channel.Channels
	processor *processor.FundingProcessor
	stream    *stream.Manager
	snapshots snapshot.Store
	warmer    Warmer

	// latest raw buffer occupancy seen on the metric event stream
	rawBuffered atomic.Int64

	mu          sync.Mutex
	running     bool
	stopped     bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New builds the service from cfg. S3 mirroring is set up here when enabled.
func New(ctx context.Context, cfg *appconfig.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg: cfg,
		log: logger.GetLogger(),
		validator: validator.New(validator.Rules{
			QuoteSuffix:       cfg.Validation.QuoteSuffix,
			MaxAbsFundingRate: cfg.Validation.MaxAbsFundingRate,
		}),
		store:    store.New(cfg.Stats.HighRateThreshold),
		channels: channel.NewChannels(cfg.Channels.RawBuffer),
	}
	s.processor = processor.NewFundingProcessor(s.channels, s.validator, s.store)

	mp := cfg.Source.Binance.MarkPrice
	s.stream = stream.NewManager(stream.Config{
		URL:              mp.URL,
		HandshakeTimeout: mp.HandshakeTimeout,
		ReadTimeout:      mp.ReadTimeout,
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		BaseDelay:        cfg.Reconnect.BaseDelay,
		MaxDelay:         cfg.Reconnect.MaxDelay,
		Factor:           cfg.Reconnect.Factor,
		Jitter:           cfg.Reconnect.Jitter,
	}, s.channels)

	if cfg.Source.Binance.Rest.Warmup {
		s.warmer = binance.NewWarmer(cfg.Source.Binance.Rest)
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.snapshots == nil {
		var secondaries []snapshot.Store
		if cfg.Storage.S3.Enabled {
			remote, err := snapshot.NewS3Store(ctx, cfg.Storage.S3, cfg.Fundingflow.Version)
			if err != nil {
				return nil, fmt.Errorf("create s3 snapshot store: %w", err)
			}
			secondaries = append(secondaries, remote)
		}
		s.snapshots = snapshot.NewMirror(snapshot.NewFileStore(cfg.Snapshot.Path), secondaries...)
	}

	return s, nil
}

// Start restores the last snapshot, warms up an empty store, then starts
// ingestion, the feed connection and the periodic checkpoint.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("funding service stopped")
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("funding service already running")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	log := s.log.WithComponent("service")

	s.restore(runCtx)
	if s.store.SymbolCount() == 0 {
		s.warmup(runCtx)
	}
	metrics.SetStoreSymbols(s.store.SymbolCount())

	if err := s.processor.Start(runCtx); err != nil {
		s.abortStart(cancel)
		return fmt.Errorf("start processor: %w", err)
	}
	if err := s.stream.Start(runCtx); err != nil {
		s.processor.Stop()
		s.abortStart(cancel)
		return fmt.Errorf("start stream: %w", err)
	}

	unsubscribe := metrics.Subscribe(s.observe)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	metrics.StartChannelSizeMetrics(runCtx, rawChannelName, s.channels, bufferReportInterval)

	s.wg.Add(1)
	go s.snapshotLoop(runCtx)

	log.WithFields(logger.Fields{
		"symbols":           s.store.SymbolCount(),
		"snapshot_interval": s.cfg.Snapshot.Interval.String(),
		"snapshot_store":    s.snapshots.Name(),
	}).Info("funding service started")
	return nil
}

func (s *Service) abortStart(cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Stop closes the feed, drains ingestion and writes a final snapshot.
// Repeated calls are no-ops.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	cancel, unsubscribe := s.cancel, s.unsubscribe
	s.mu.Unlock()

	log := s.log.WithComponent("service")
	log.Info("stopping funding service")
	if unsubscribe != nil {
		defer unsubscribe()
	}

	s.stream.Stop()
	if !wasRunning {
		return
	}
	s.processor.Stop()
	cancel()
	s.wg.Wait()

	if err := s.SaveSnapshot(context.Background()); err != nil {
		log.WithError(err).Error("final snapshot failed")
	}
	s.channels.Close()

	log.WithFields(logger.Fields{"symbols": s.store.SymbolCount()}).Info("funding service stopped")
}

// SaveSnapshot copies the store and writes the copy. The copy is taken
// before any I/O starts.
func (s *Service) SaveSnapshot(ctx context.Context) error {
	snap := s.store.Snapshot(time.Now())

	saveCtx, cancel := s.withTimeout(ctx, s.cfg.Snapshot.Timeout)
	defer cancel()

	if err := s.snapshots.Save(saveCtx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.log.WithComponent("service").WithFields(logger.Fields{
		"symbols": snap.TotalSymbols,
		"store":   s.snapshots.Name(),
	}).Debug("snapshot saved")
	return nil
}

func (s *Service) observe(ev metrics.Event) {
	if ev.Kind == metrics.Gauge && ev.Name == rawChannelName+"_buffer_length" {
		s.rawBuffered.Store(int64(ev.Value))
	}
}

func (s *Service) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.Snapshot.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveSnapshot(ctx); err != nil {
				s.log.WithComponent("service").WithError(err).Warn("periodic snapshot failed")
			}
			if r, ok := s.snapshots.(interface{ Stats() metrics.WriterStats }); ok {
				metrics.ReportWriter(s.log, "snapshot_writer", r.Stats())
			}
		}
	}
}

// restore loads the last snapshot and re-validates every record against the
// current rules. Any load failure leaves the store empty.
func (s *Service) restore(ctx context.Context) {
	log := s.log.WithComponent("service")

	loadCtx, cancel := s.withTimeout(ctx, s.cfg.Snapshot.Timeout)
	defer cancel()

	snap, err := s.snapshots.Load(loadCtx)
	switch {
	case errors.Is(err, snapshot.ErrMalformed):
		log.WithError(err).Warn("snapshot is malformed; starting empty")
		return
	case err != nil:
		log.WithError(err).Warn("snapshot could not be read; starting empty")
		return
	case snap == nil:
		log.WithFields(logger.Fields{"store": s.snapshots.Name()}).Info("no snapshot found; cold start")
		return
	}

	valid := make([]models.FundingRateRecord, 0, len(snap.Records))
	dropped := 0
	for _, rec := range snap.Records {
		canonical, err := s.validator.Check(rec)
		if err != nil {
			dropped++
			continue
		}
		valid = append(valid, canonical)
	}
	s.store.Replace(valid)

	entry := log.WithFields(logger.Fields{
		"restored":           len(valid),
		"dropped":            dropped,
		"snapshot_timestamp": snap.SnapshotTimestamp,
	})
	if dropped > 0 {
		entry.Warn("snapshot restored with invalid records dropped")
		return
	}
	entry.Info("snapshot restored")
}

func (s *Service) warmup(ctx context.Context) {
	if s.warmer == nil {
		return
	}
	log := s.log.WithComponent("service")

	fetchCtx, cancel := s.withTimeout(ctx, s.cfg.Source.Binance.Rest.Timeout)
	defer cancel()

	raws, err := s.warmer.Fetch(fetchCtx)
	if err != nil {
		log.WithError(err).Warn("warm-up failed; waiting for the feed")
		return
	}
	accepted, rejected := s.processor.Ingest(raws)
	log.WithFields(logger.Fields{
		"accepted": accepted,
		"rejected": rejected,
	}).Info("store warmed up")
}

func (s *Service) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
