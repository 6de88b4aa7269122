package models

import (
	"encoding/json"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// WIRE ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// RawBatch is one transport message as received, before decoding.
type RawBatch struct {
	Payload    []byte
	ReceivedAt time.Time
}

// RawMarkPrice is a single mark-price element of a feed message.
// Numeric fields accept both quoted and bare JSON numbers; an absent field
// decodes to its zero value and is rejected by validation.
type RawMarkPrice struct {
	Event       string      `json:"e,omitempty"`
	EventTime   json.Number `json:"E,omitempty"`
	Symbol      string      `json:"s"`
	MarkPrice   json.Number `json:"p"`
	IndexPrice  json.Number `json:"i,omitempty"`
	FundingRate json.Number `json:"r"`
	Time        json.Number `json:"T"` // next funding time, used as the record timestamp
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// STORED ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// FundingRateRecord is the validated, normalised state of one symbol.
type FundingRateRecord struct {
	Symbol      string  `json:"symbol"`
	FundingRate float64 `json:"fundingRate"`
	MarkPrice   float64 `json:"markPrice"`
	Timestamp   int64   `json:"timestamp"` // epoch ms
}

// Snapshot is the durable, point-in-time copy of the store.
type Snapshot struct {
	SnapshotTimestamp int64               `json:"snapshotTimestamp"` // epoch ms
	TotalSymbols      int                 `json:"totalSymbols"`
	Records           []FundingRateRecord `json:"records"`
}

// NewSnapshot stamps records with the capture time.
func NewSnapshot(records []FundingRateRecord, at time.Time) Snapshot {
	if records == nil {
		records = []FundingRateRecord{}
	}
	return Snapshot{
		SnapshotTimestamp: at.UnixMilli(),
		TotalSymbols:      len(records),
		Records:           records,
	}
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// QUERIES //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Statistics aggregates the stored records.
type Statistics struct {
	Count                      int     `json:"count"`
	AverageRate                float64 `json:"averageRate"`
	MaxAbsRate                 float64 `json:"maxAbsRate"`
	MinRate                    float64 `json:"minRate"`
	MaxRate                    float64 `json:"maxRate"`
	CountAboveDefaultThreshold int     `json:"countAboveDefaultThreshold"`
	DefaultThreshold           float64 `json:"defaultThreshold"`
}

// ConnectionStatus is the health view of the feed connection.
type ConnectionStatus struct {
	Connected            bool      `json:"connected"`
	State                string    `json:"state"`
	LastUpdate           time.Time `json:"lastUpdate"`
	MonitoredSymbolCount int       `json:"monitoredSymbolCount"`
	ReconnectAttempts    int       `json:"reconnectAttempts"`
}

// IngestStats counts the outcome of every record seen by the processor.
type IngestStats struct {
	Batches          int64            `json:"batches"`
	BatchesDiscarded int64            `json:"batchesDiscarded"`
	Accepted         int64            `json:"accepted"`
	Rejected         int64            `json:"rejected"`
	RejectedByReason map[string]int64 `json:"rejectedByReason"`
}
