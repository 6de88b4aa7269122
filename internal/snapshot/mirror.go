package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

// Mirror saves to a primary store and any number of secondaries, and loads
// from the first store that has a snapshot.
type Mirror struct {
	primary     Store
	secondaries []Store
	log         *logger.Log

	mu    sync.Mutex
	stats metrics.WriterStats
}

func NewMirror(primary Store, secondaries ...Store) *Mirror {
	return &Mirror{
		primary:     primary,
		secondaries: secondaries,
		log:         logger.GetLogger(),
	}
}

func (m *Mirror) Name() string { return m.primary.Name() }

// Save writes snap everywhere. Every store is attempted; the returned error
// joins all failures.
func (m *Mirror) Save(ctx context.Context, snap models.Snapshot) error {
	start := time.Now()
	log := m.log.WithComponent("snapshot")

	var errs []error
	for _, st := range m.stores() {
		if err := st.Save(ctx, snap); err != nil {
			log.WithError(err).WithFields(logger.Fields{"store": st.Name()}).Warn("snapshot save failed")
			errs = append(errs, fmt.Errorf("%s: %w", st.Name(), err))
		}
	}
	err := errors.Join(errs...)
	elapsed := time.Since(start)

	m.mu.Lock()
	if err != nil {
		m.stats.Failures++
	} else {
		m.stats.Saves++
	}
	m.stats.Records = len(snap.Records)
	m.stats.LastDuration = elapsed
	m.mu.Unlock()

	metrics.RecordSnapshotSave(err)
	logger.LogPerformanceEntry(log, "snapshot", "save", elapsed, logger.Fields{
		"records": len(snap.Records),
		"stores":  len(m.secondaries) + 1,
		"ok":      err == nil,
	})
	return err
}

// Load returns the primary snapshot or, when the primary has none, the first
// one found among the secondaries. A primary error is returned as is.
func (m *Mirror) Load(ctx context.Context) (*models.Snapshot, error) {
	snap, err := m.primary.Load(ctx)
	if err != nil || snap != nil {
		return snap, err
	}

	log := m.log.WithComponent("snapshot")
	for _, st := range m.secondaries {
		snap, err := st.Load(ctx)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"store": st.Name()}).Warn("secondary snapshot unavailable")
			continue
		}
		if snap != nil {
			log.WithFields(logger.Fields{"store": st.Name(), "records": len(snap.Records)}).Info("snapshot loaded from secondary store")
			return snap, nil
		}
	}
	return nil, nil
}

func (m *Mirror) Stats() metrics.WriterStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Mirror) stores() []Store {
	return append([]Store{m.primary}, m.secondaries...)
}
