// Package snapshot persists point-in-time copies of the store.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fundingflow/internal/models"
)

// ErrMalformed is returned by Load when a snapshot exists but cannot be used.
var ErrMalformed = errors.New("malformed snapshot")

// Store is one durable location for snapshots. Load returns (nil, nil) when
// no snapshot has been written yet.
type Store interface {
	Name() string
	Save(ctx context.Context, snap models.Snapshot) error
	Load(ctx context.Context) (*models.Snapshot, error)
}

// wireSnapshot tells absent keys apart from zero values.
type wireSnapshot struct {
	SnapshotTimestamp *int64                      `json:"snapshotTimestamp"`
	TotalSymbols      *int                        `json:"totalSymbols"`
	Records           *[]models.FundingRateRecord `json:"records"`
}

// Encode renders snap in the on-disk layout.
func Encode(snap models.Snapshot) ([]byte, error) {
	if snap.Records == nil {
		snap.Records = []models.FundingRateRecord{}
	}
	snap.TotalSymbols = len(snap.Records)
	return json.MarshalIndent(snap, "", "  ")
}

// Decode parses data and rejects anything that is not a complete snapshot.
func Decode(data []byte) (*models.Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	if w.SnapshotTimestamp == nil || w.TotalSymbols == nil || w.Records == nil {
		return nil, fmt.Errorf("missing snapshotTimestamp, totalSymbols or records: %w", ErrMalformed)
	}
	if *w.TotalSymbols != len(*w.Records) {
		return nil, fmt.Errorf("totalSymbols %d but %d records: %w", *w.TotalSymbols, len(*w.Records), ErrMalformed)
	}
	return &models.Snapshot{
		SnapshotTimestamp: *w.SnapshotTimestamp,
		TotalSymbols:      *w.TotalSymbols,
		Records:           *w.Records,
	}, nil
}
