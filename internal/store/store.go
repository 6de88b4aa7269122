// Package store keeps the latest validated funding-rate record per symbol.
package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"fundingflow/internal/models"
)

// Store holds one record per symbol. Records are stored by value so a reader
// always copies a whole record. It performs no validation.
type Store struct {
	mu               sync.RWMutex
	records          map[string]models.FundingRateRecord
	defaultThreshold float64
}

// New returns an empty store whose Statistics count records at or above
// defaultThreshold.
func New(defaultThreshold float64) *Store {
	return &Store{
		records:          make(map[string]models.FundingRateRecord),
		defaultThreshold: math.Abs(defaultThreshold),
	}
}

// Upsert replaces or inserts the record for rec.Symbol.
func (s *Store) Upsert(rec models.FundingRateRecord) {
	s.mu.Lock()
	s.records[rec.Symbol] = rec
	s.mu.Unlock()
}

// Replace swaps the whole content for recs. Used on restore.
func (s *Store) Replace(recs []models.FundingRateRecord) {
	next := make(map[string]models.FundingRateRecord, len(recs))
	for _, rec := range recs {
		next[rec.Symbol] = rec
	}
	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
}

func (s *Store) Get(symbol string) (models.FundingRateRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[symbol]
	return rec, ok
}

// GetAll returns every record ordered by symbol.
func (s *Store) GetAll() []models.FundingRateRecord {
	out := s.copyRecords()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GetAboveThreshold returns the records with |fundingRate| >= minAbsRate,
// largest magnitude first and ties by symbol.
func (s *Store) GetAboveThreshold(minAbsRate float64) []models.FundingRateRecord {
	minAbsRate = math.Abs(minAbsRate)

	s.mu.RLock()
	out := make([]models.FundingRateRecord, 0)
	for _, rec := range s.records {
		if math.Abs(rec.FundingRate) >= minAbsRate {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].FundingRate), math.Abs(out[j].FundingRate)
		if ai != aj {
			return ai > aj
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (s *Store) SymbolCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Symbols lists the monitored symbols in ascending order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.records))
	for sym := range s.records {
		out = append(out, sym)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Statistics aggregates the signed and absolute rates of every record.
func (s *Store) Statistics() models.Statistics {
	stats := models.Statistics{DefaultThreshold: s.defaultThreshold}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return stats
	}

	var sum float64
	first := true
	for _, rec := range s.records {
		sum += rec.FundingRate
		abs := math.Abs(rec.FundingRate)
		if abs > stats.MaxAbsRate {
			stats.MaxAbsRate = abs
		}
		if first || rec.FundingRate < stats.MinRate {
			stats.MinRate = rec.FundingRate
		}
		if first || rec.FundingRate > stats.MaxRate {
			stats.MaxRate = rec.FundingRate
		}
		if abs >= s.defaultThreshold {
			stats.CountAboveDefaultThreshold++
		}
		first = false
	}
	stats.Count = len(s.records)
	stats.AverageRate = sum / float64(stats.Count)
	return stats
}

// Snapshot copies the store at time at. The copy is complete before the
// lock is released, so later upserts never reach it.
func (s *Store) Snapshot(at time.Time) models.Snapshot {
	return models.NewSnapshot(s.GetAll(), at)
}

func (s *Store) copyRecords() []models.FundingRateRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FundingRateRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}
