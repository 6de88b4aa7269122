package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

const warmupComponent = "binance_warmup"

// Warmer seeds the store from the REST premium-index endpoint, which returns
// the same mark-price and funding-rate fields as the push feed.
type Warmer struct {
	client *futures.Client
	log    *logger.Log
}

// NewWarmer builds a futures REST client against cfg.URL.
func NewWarmer(cfg appconfig.RestConfig) *Warmer {
	log := logger.GetLogger()

	httpClient := &http.Client{
		Transport: &weightTransport{base: http.DefaultTransport, log: log},
		Timeout:   cfg.Timeout,
	}

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if parsed, err := url.Parse(cfg.URL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	return &Warmer{client: client, log: log}
}

// Fetch returns one raw element per listed symbol. Elements are not validated.
func (w *Warmer) Fetch(ctx context.Context) ([]models.RawMarkPrice, error) {
	start := time.Now()
	res, err := w.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		ReportLimitFromMessage(w.log, err.Error())
		return nil, fmt.Errorf("fetch premium index: %w", err)
	}

	out := make([]models.RawMarkPrice, 0, len(res))
	for _, p := range res {
		if p == nil {
			continue
		}
		out = append(out, fromPremiumIndex(p))
	}

	logger.LogPerformanceEntry(w.log.WithComponent(warmupComponent), warmupComponent, "premium_index", time.Since(start), logger.Fields{
		"symbols": len(out),
	})
	return out, nil
}

func fromPremiumIndex(p *futures.PremiumIndex) models.RawMarkPrice {
	return models.RawMarkPrice{
		Event:       "premiumIndex",
		EventTime:   numberFromInt(p.Time),
		Symbol:      strings.TrimSpace(p.Symbol),
		MarkPrice:   json.Number(strings.TrimSpace(p.MarkPrice)),
		FundingRate: json.Number(strings.TrimSpace(p.LastFundingRate)),
		Time:        numberFromInt(p.NextFundingTime),
	}
}

func numberFromInt(v int64) json.Number {
	if v == 0 {
		return ""
	}
	return json.Number(strconv.FormatInt(v, 10))
}
