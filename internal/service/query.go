package service

import (
	"strings"

	"fundingflow/internal/models"
	"fundingflow/logger"
)

// Querier is the read-only view of the service offered to other components.
// None of its methods fail; a missing symbol is reported through the bool.
type Querier interface {
	Get(symbol string) (models.FundingRateRecord, bool)
	GetAll() []models.FundingRateRecord
	GetAboveThreshold(minAbsRate float64) []models.FundingRateRecord
	Statistics() models.Statistics
	Symbols() []string
	SymbolCount() int
	ConnectionStatus() models.ConnectionStatus
}

var _ Querier = (*Service)(nil)

func (s *Service) Get(symbol string) (models.FundingRateRecord, bool) {
	return s.store.Get(strings.ToUpper(strings.TrimSpace(symbol)))
}

func (s *Service) GetAll() []models.FundingRateRecord {
	return s.store.GetAll()
}

// GetAboveThreshold lists records with |fundingRate| >= minAbsRate, largest first.
func (s *Service) GetAboveThreshold(minAbsRate float64) []models.FundingRateRecord {
	return s.store.GetAboveThreshold(minAbsRate)
}

func (s *Service) Statistics() models.Statistics {
	return s.store.Statistics()
}

func (s *Service) Symbols() []string {
	return s.store.Symbols()
}

func (s *Service) SymbolCount() int {
	return s.store.SymbolCount()
}

func (s *Service) ConnectionStatus() models.ConnectionStatus {
	st := s.stream.Status()
	return models.ConnectionStatus{
		Connected:            st.Connected,
		State:                st.State.String(),
		LastUpdate:           st.LastUpdate,
		MonitoredSymbolCount: s.store.SymbolCount(),
		ReconnectAttempts:    st.ReconnectAttempts,
	}
}

// IngestStats reports how many records the processor accepted and rejected.
func (s *Service) IngestStats() models.IngestStats {
	return s.processor.Stats()
}

// ReportFields feeds the periodic runtime report.
func (s *Service) ReportFields() logger.Fields {
	status := s.ConnectionStatus()
	ingest := s.IngestStats()
	ch := s.channels.GetStats()

	connected := 0
	if status.Connected {
		connected = 1
	}
	return logger.Fields{
		"symbols":            status.MonitoredSymbolCount,
		"connected":          connected,
		"stream_state":       status.State,
		"reconnect_attempts": status.ReconnectAttempts,
		"records_accepted":   ingest.Accepted,
		"records_rejected":   ingest.Rejected,
		"batches_discarded":  ingest.BatchesDiscarded,
		"raw_dropped":        ch.RawDropped,
		"raw_buffered":       s.rawBuffered.Load(),
	}
}
