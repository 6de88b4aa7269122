package binance

import (
	"net/http"
	"strconv"
	"strings"

	"fundingflow/logger"
)

// weightTransport reports Binance request-weight headers and limit responses
// for every REST call.
type weightTransport struct {
	base http.RoundTripper
	log  *logger.Log
}

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	ReportUsedWeight(t.log, resp, warmupComponent)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		ReportRateLimitExceeded(t.log, req.URL.Path)
	case http.StatusTeapot:
		ReportIPBan(t.log, req.URL.Path)
	}
	return resp, nil
}

// ReportUsedWeight emits the first used-weight header found on resp and
// returns its value.
func ReportUsedWeight(log *logger.Log, resp *http.Response, component string) (float64, bool) {
	if log == nil || resp == nil {
		return 0, false
	}

	headers := []struct {
		key    string
		window string
	}{
		{"X-MBX-USED-WEIGHT-1M", "1m"},
		{"X-MBX-USED-WEIGHT", "1m"},
	}

	for _, h := range headers {
		value := resp.Header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent(component).WithFields(logger.Fields{
				"header": h.key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}

		log.LogMetric(component, "used_weight", used, "gauge", logger.Fields{
			"exchange": "binance",
			"window":   h.window,
		})
		return used, true
	}
	return 0, false
}

func ReportRateLimitExceeded(log *logger.Log, endpoint string) {
	fields := logger.Fields{"exchange": "binance", "endpoint": endpoint}
	l := log.WithComponent(warmupComponent)
	l.LogMetric(warmupComponent, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

func ReportIPBan(log *logger.Log, endpoint string) {
	fields := logger.Fields{"exchange": "binance", "endpoint": endpoint}
	l := log.WithComponent(warmupComponent)
	l.LogMetric(warmupComponent, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// detectLimit classifies a Binance error message.
func detectLimit(msg string) (rateLimit bool, ipBan bool) {
	lower := strings.ToLower(msg)
	rateLimit = strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "code=-1003")
	ipBan = strings.Contains(lower, "ip") && strings.Contains(lower, "ban")
	return
}

// ReportLimitFromMessage records a limit event when msg describes one.
func ReportLimitFromMessage(log *logger.Log, msg string) {
	rateLimit, ipBan := detectLimit(msg)
	if ipBan {
		ReportIPBan(log, "")
		return
	}
	if rateLimit {
		ReportRateLimitExceeded(log, "")
	}
}
