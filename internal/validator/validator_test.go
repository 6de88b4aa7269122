package validator

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"fundingflow/internal/models"
)

func newTestValidator() *Validator {
	return New(Rules{QuoteSuffix: "USDT", MaxAbsFundingRate: 0.1})
}

func validRaw() models.RawMarkPrice {
	return models.RawMarkPrice{
		Symbol:      "BTCUSDT",
		MarkPrice:   "45000.50",
		FundingRate: "0.0005",
		Time:        "1640995200000",
	}
}

func TestNormalizeValidRecord(t *testing.T) {
	rec, err := newTestValidator().Normalize(validRaw())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Symbol != "BTCUSDT" || rec.FundingRate != 0.0005 || rec.MarkPrice != 45000.50 || rec.Timestamp != 1640995200000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestValidateSingleFieldViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.RawMarkPrice)
		want   error
	}{
		{"missing symbol", func(r *models.RawMarkPrice) { r.Symbol = "" }, ErrMissingField},
		{"wrong suffix", func(r *models.RawMarkPrice) { r.Symbol = "BTCETH" }, ErrSymbolSuffix},
		{"bare suffix", func(r *models.RawMarkPrice) { r.Symbol = "USDT" }, ErrSymbolSuffix},
		{"lower case wrong suffix", func(r *models.RawMarkPrice) { r.Symbol = "btceth" }, ErrSymbolSuffix},
		{"bare lower case suffix", func(r *models.RawMarkPrice) { r.Symbol = " usdt " }, ErrSymbolSuffix},
		{"missing price", func(r *models.RawMarkPrice) { r.MarkPrice = "" }, ErrMissingField},
		{"garbage price", func(r *models.RawMarkPrice) { r.MarkPrice = "abc" }, ErrUnparseable},
		{"NaN price", func(r *models.RawMarkPrice) { r.MarkPrice = "NaN" }, ErrUnparseable},
		{"zero price", func(r *models.RawMarkPrice) { r.MarkPrice = "0" }, ErrNonPositivePrice},
		{"negative price", func(r *models.RawMarkPrice) { r.MarkPrice = "-1.5" }, ErrNonPositivePrice},
		{"missing rate", func(r *models.RawMarkPrice) { r.FundingRate = "" }, ErrMissingField},
		{"rate above ceiling", func(r *models.RawMarkPrice) { r.FundingRate = "0.1000001" }, ErrRateCeiling},
		{"negative rate above ceiling", func(r *models.RawMarkPrice) { r.FundingRate = "-0.5" }, ErrRateCeiling},
		{"missing time", func(r *models.RawMarkPrice) { r.Time = "" }, ErrMissingField},
		{"zero time", func(r *models.RawMarkPrice) { r.Time = "0" }, ErrInvalidTimestamp},
		{"negative time", func(r *models.RawMarkPrice) { r.Time = "-1640995200000" }, ErrInvalidTimestamp},
		{"fractional time", func(r *models.RawMarkPrice) { r.Time = "1640995200000.5" }, ErrInvalidTimestamp},
	}

	v := newTestValidator()
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw := validRaw()
			c.mutate(&raw)
			if v.Validate(raw) {
				t.Fatalf("expected rejection for %+v", raw)
			}
			if _, err := v.Normalize(raw); !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}
}

func TestValidateBoundaryValues(t *testing.T) {
	v := newTestValidator()
	for _, rate := range []json.Number{"0.1", "-0.1", "0", "-0.0003", "1e-4"} {
		raw := validRaw()
		raw.FundingRate = rate
		if !v.Validate(raw) {
			t.Errorf("rate %s should be accepted", rate)
		}
	}
}

func TestDecodedWireRecordValidates(t *testing.T) {
	payload := `{"e":"markPriceUpdate","E":1640995199000,"s":"ETHUSDT","p":"3700.1","i":"3699.9","r":"-0.0001","T":1640995200000}`
	var raw models.RawMarkPrice
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec, err := newTestValidator().Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.FundingRate != -0.0001 || rec.MarkPrice != 3700.1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestCheckRevalidatesStoredRecord(t *testing.T) {
	v := newTestValidator()
	good := models.FundingRateRecord{Symbol: "SOLUSDT", FundingRate: 0.0002, MarkPrice: 101.25, Timestamp: 1640995200000}
	got, err := v.Check(good)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != good {
		t.Fatalf("record changed: %+v", got)
	}

	lower := good
	lower.Symbol = "solusdt"
	if got, err := v.Check(lower); err != nil || got.Symbol != "SOLUSDT" || got.MarkPrice != good.MarkPrice {
		t.Fatalf("expected canonical symbol, got %+v (%v)", got, err)
	}

	strict := New(Rules{QuoteSuffix: "USDC", MaxAbsFundingRate: 0.1})
	if _, err := strict.Check(good); !errors.Is(err, ErrSymbolSuffix) {
		t.Fatalf("expected suffix rejection, got %v", err)
	}
}

func TestReason(t *testing.T) {
	if got := Reason(nil); got != "" {
		t.Errorf("nil error should have empty reason, got %q", got)
	}
	_, err := newTestValidator().Normalize(models.RawMarkPrice{Symbol: "BTCETH"})
	if got := Reason(err); got != "symbol_suffix" {
		t.Errorf("unexpected reason %q", got)
	}
	if got := Reason(errors.New("boom")); got != "other" {
		t.Errorf("unexpected reason %q", got)
	}
}

func TestNormalizeCanonicalisesSymbolCase(t *testing.T) {
	v := newTestValidator()
	for _, sym := range []string{"1000pepeUSDT", "btcusdt", " EthUsdt "} {
		raw := validRaw()
		raw.Symbol = sym
		rec, err := v.Normalize(raw)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", sym, err)
		}
		if want := strings.ToUpper(strings.TrimSpace(sym)); rec.Symbol != want {
			t.Fatalf("%q: expected %s, got %s", sym, want, rec.Symbol)
		}
	}
}
