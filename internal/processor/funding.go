package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fundingflow/internal/channel"
	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/internal/store"
	"fundingflow/internal/validator"
	"fundingflow/logger"
)

// ErrMalformedBatch marks a feed message that is not JSON at all.
var ErrMalformedBatch = errors.New("malformed batch")

// FundingProcessor is the only writer of the store: it decodes raw batches,
// validates each element and upserts the accepted ones.
type FundingProcessor struct {
	channels  *channel.Channels
	validator *validator.Validator
	store     *store.Store
	log       *logger.Log
	limiter   *rate.Limiter

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   models.IngestStats
}

// NewFundingProcessor binds a processor to its input channel and output store.
func NewFundingProcessor(ch *channel.Channels, v *validator.Validator, s *store.Store) *FundingProcessor {
	return &FundingProcessor{
		channels:  ch,
		validator: v,
		store:     s,
		log:       logger.GetLogger(),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
		stats:     models.IngestStats{RejectedByReason: map[string]int64{}},
	}
}

// Start begins consuming the raw channel.
func (p *FundingProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("funding processor already running")
	}
	p.running = true
	p.quit = make(chan struct{})
	p.mu.Unlock()

	p.log.WithComponent("funding_processor").WithFields(logger.Fields{"operation": "start"}).Info("starting funding processor")

	p.wg.Add(1)
	go p.worker(ctx, p.quit)
	return nil
}

// Stop drains what is already buffered and halts the worker.
func (p *FundingProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.quit)
	p.mu.Unlock()

	p.log.WithComponent("funding_processor").Info("stopping funding processor")
	p.wg.Wait()
	p.log.WithComponent("funding_processor").WithFields(logger.Fields{"symbols": p.store.SymbolCount()}).Info("funding processor stopped")
}

func (p *FundingProcessor) worker(ctx context.Context, quit <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-quit:
			p.drain()
			return
		case msg, ok := <-p.channels.Raw:
			if !ok {
				return
			}
			p.HandleBatch(msg.Payload)
		}
	}
}

func (p *FundingProcessor) drain() {
	for {
		select {
		case msg, ok := <-p.channels.Raw:
			if !ok {
				return
			}
			p.HandleBatch(msg.Payload)
		default:
			return
		}
	}
}

// HandleBatch ingests one feed message. The payload may be an array of
// elements, a single element, or a combined-stream envelope wrapping either.
// An element that fails to decode is a rejection; a payload that cannot be
// split into elements is discarded and reported with ErrMalformedBatch.
func (p *FundingProcessor) HandleBatch(payload []byte) (accepted, rejected int, err error) {
	elems, err := splitBatch(payload)

	p.statsMu.Lock()
	p.stats.Batches++
	if err != nil {
		p.stats.BatchesDiscarded++
	}
	p.statsMu.Unlock()

	if err != nil {
		metrics.RecordBatchDiscarded()
		if p.limiter.Allow() {
			p.log.WithComponent("funding_processor").WithError(err).WithFields(logger.Fields{"bytes": len(payload)}).Warn("discarding feed message")
		}
		return 0, 0, err
	}

	raws := make([]models.RawMarkPrice, 0, len(elems))
	for _, elem := range elems {
		var raw models.RawMarkPrice
		if derr := json.Unmarshal(elem, &raw); derr != nil {
			p.reject(raw, fmt.Errorf("decode element: %v: %w", derr, validator.ErrUnparseable))
			rejected++
			continue
		}
		raws = append(raws, raw)
	}

	a, r := p.Ingest(raws)
	return a, rejected + r, nil
}

// Ingest validates raws in order and upserts every accepted record.
func (p *FundingProcessor) Ingest(raws []models.RawMarkPrice) (accepted, rejected int) {
	for _, raw := range raws {
		rec, err := p.validator.Normalize(raw)
		if err != nil {
			p.reject(raw, err)
			rejected++
			continue
		}
		p.store.Upsert(rec)
		accepted++
	}

	if accepted > 0 {
		p.statsMu.Lock()
		p.stats.Accepted += int64(accepted)
		p.statsMu.Unlock()
		metrics.RecordAccepted(accepted)
		metrics.SetStoreSymbols(p.store.SymbolCount())
	}
	return accepted, rejected
}

func (p *FundingProcessor) reject(raw models.RawMarkPrice, err error) {
	reason := validator.Reason(err)

	p.statsMu.Lock()
	p.stats.Rejected++
	p.stats.RejectedByReason[reason]++
	p.statsMu.Unlock()

	metrics.RecordRejected(reason)
	if p.limiter.Allow() {
		p.log.WithComponent("funding_processor").WithError(err).WithFields(logger.Fields{
			"symbol": raw.Symbol,
			"reason": reason,
		}).Debug("record rejected")
	}
}

// Stats returns a copy of the ingestion counters.
func (p *FundingProcessor) Stats() models.IngestStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	out := p.stats
	out.RejectedByReason = make(map[string]int64, len(p.stats.RejectedByReason))
	for k, v := range p.stats.RejectedByReason {
		out.RejectedByReason[k] = v
	}
	return out
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func splitBatch(payload []byte) ([]json.RawMessage, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload: %w", ErrMalformedBatch)
	}

	switch payload[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(payload, &elems); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrMalformedBatch)
		}
		return elems, nil
	case '{':
		if !json.Valid(payload) {
			return nil, fmt.Errorf("invalid json object: %w", ErrMalformedBatch)
		}
		var env envelope
		if err := json.Unmarshal(payload, &env); err == nil && env.Stream != "" && len(env.Data) > 0 {
			inner := bytes.TrimSpace(env.Data)
			if len(inner) > 0 && inner[0] == '[' {
				var elems []json.RawMessage
				if err := json.Unmarshal(inner, &elems); err != nil {
					return nil, fmt.Errorf("%v: %w", err, ErrMalformedBatch)
				}
				return elems, nil
			}
			return []json.RawMessage{inner}, nil
		}
		return []json.RawMessage{payload}, nil
	default:
		return nil, fmt.Errorf("unexpected leading byte %q: %w", payload[0], ErrMalformedBatch)
	}
}
