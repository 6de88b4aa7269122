// Package validator turns raw feed elements into FundingRateRecords or rejects them.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"fundingflow/internal/models"
)

var (
	ErrMissingField     = errors.New("missing field")
	ErrUnparseable      = errors.New("unparseable field")
	ErrSymbolSuffix     = errors.New("symbol does not end with quote suffix")
	ErrNonPositivePrice = errors.New("mark price not positive")
	ErrRateCeiling      = errors.New("funding rate exceeds ceiling")
	ErrInvalidTimestamp = errors.New("timestamp not a positive integer")
)

// Reason is a short, metric-friendly label for a rejection error.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrUnparseable):
		return "unparseable"
	case errors.Is(err, ErrSymbolSuffix):
		return "symbol_suffix"
	case errors.Is(err, ErrNonPositivePrice):
		return "non_positive_price"
	case errors.Is(err, ErrRateCeiling):
		return "rate_ceiling"
	case errors.Is(err, ErrInvalidTimestamp):
		return "invalid_timestamp"
	default:
		return "other"
	}
}

// Rules are the deployment-specific acceptance bounds.
type Rules struct {
	QuoteSuffix       string
	MaxAbsFundingRate float64
}

// Validator is stateless; the zero value rejects everything without a suffix.
type Validator struct {
	suffix  string
	ceiling decimal.Decimal
}

func New(rules Rules) *Validator {
	return &Validator{
		suffix:  strings.ToUpper(strings.TrimSpace(rules.QuoteSuffix)),
		ceiling: decimal.NewFromFloat(rules.MaxAbsFundingRate).Abs(),
	}
}

// Validate reports whether raw may enter the store.
func (v *Validator) Validate(raw models.RawMarkPrice) bool {
	_, err := v.Normalize(raw)
	return err == nil
}

// Normalize checks raw against the rules and returns the record it describes.
// Symbols are stored upper-cased.
func (v *Validator) Normalize(raw models.RawMarkPrice) (models.FundingRateRecord, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return models.FundingRateRecord{}, fmt.Errorf("symbol: %w", ErrMissingField)
	}
	if v.suffix == "" || !strings.HasSuffix(symbol, v.suffix) || symbol == v.suffix {
		return models.FundingRateRecord{}, fmt.Errorf("%s: %w", symbol, ErrSymbolSuffix)
	}

	price, err := parseDecimal("markPrice", raw.MarkPrice.String())
	if err != nil {
		return models.FundingRateRecord{}, err
	}
	if !price.IsPositive() {
		return models.FundingRateRecord{}, fmt.Errorf("%s: %w", price, ErrNonPositivePrice)
	}

	rate, err := parseDecimal("fundingRate", raw.FundingRate.String())
	if err != nil {
		return models.FundingRateRecord{}, err
	}
	if rate.Abs().GreaterThan(v.ceiling) {
		return models.FundingRateRecord{}, fmt.Errorf("%s: %w", rate, ErrRateCeiling)
	}

	ts, err := parseTimestamp(raw.Time.String())
	if err != nil {
		return models.FundingRateRecord{}, err
	}

	return models.FundingRateRecord{
		Symbol:      symbol,
		FundingRate: rate.InexactFloat64(),
		MarkPrice:   price.InexactFloat64(),
		Timestamp:   ts,
	}, nil
}

// Check re-validates a record that was already normalised, e.g. one restored
// from a snapshot written under different rules, and returns it with its
// symbol in canonical form.
func (v *Validator) Check(rec models.FundingRateRecord) (models.FundingRateRecord, error) {
	norm, err := v.Normalize(models.RawMarkPrice{
		Symbol:      rec.Symbol,
		MarkPrice:   numberFromFloat(rec.MarkPrice),
		FundingRate: numberFromFloat(rec.FundingRate),
		Time:        numberFromInt(rec.Timestamp),
	})
	if err != nil {
		return models.FundingRateRecord{}, err
	}
	rec.Symbol = norm.Symbol
	return rec, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", field, ErrMissingField)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s %q: %w", field, s, ErrUnparseable)
	}
	return d, nil
}

func parseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("timestamp: %w", ErrMissingField)
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return 0, fmt.Errorf("timestamp %q: %w", s, ErrInvalidTimestamp)
	}
	return ts, nil
}

func numberFromFloat(f float64) json.Number {
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}

func numberFromInt(i int64) json.Number {
	return json.Number(strconv.FormatInt(i, 10))
}
