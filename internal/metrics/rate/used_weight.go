package rate

import (
	"net/http"
	"strconv"

	"tradegate/internal/metrics"
	"tradegate/logger"
)

// ReportUsedWeight parses venue usage headers and emits a used_weight gauge.
// It returns the parsed value and whether any header was present.
func ReportUsedWeight(log *logger.Log, venue string, header http.Header, accountID string) (float64, bool) {
	if header == nil {
		return 0, false
	}
	if log == nil {
		log = logger.GetLogger()
	}

	var (
		used   float64
		window string
		found  bool
	)
	switch venue {
	case "binance":
		used, window, found = binanceUsedWeight(header)
	case "bybit":
		used, window, found = bybitUsedWeight(header)
	}
	if !found {
		return 0, false
	}

	metrics.EmitMetric(log, "exchange_client", "used_weight", used, "gauge", logger.Fields{
		"venue":   venue,
		"account": accountID,
		"window":  window,
	})
	return used, true
}

func binanceUsedWeight(header http.Header) (float64, string, bool) {
	candidates := []struct{ key, window string }{
		{"X-MBX-USED-WEIGHT-1M", "1m"},
		{"X-MBX-USED-WEIGHT", "1m"},
		{"X-MBX-USED-WEIGHT-1S", "1s"},
	}
	for _, c := range candidates {
		raw := header.Get(c.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		return v, c.window, true
	}
	return 0, "", false
}

// bybitUsedWeight derives usage from limit minus remaining. Older responses use
// X-Bapi-* names, newer ones X-RateLimit-*.
func bybitUsedWeight(header http.Header) (float64, string, bool) {
	limitStr := header.Get("X-Bapi-Limit")
	if limitStr == "" {
		limitStr = header.Get("X-RateLimit-Limit")
	}
	remainingStr := header.Get("X-Bapi-Limit-Status")
	if remainingStr == "" {
		remainingStr = header.Get("X-RateLimit-Remaining")
	}
	if limitStr == "" || remainingStr == "" {
		return 0, "", false
	}
	limit, err1 := strconv.ParseFloat(limitStr, 64)
	remaining, err2 := strconv.ParseFloat(remainingStr, 64)
	if err1 != nil || err2 != nil {
		return 0, "", false
	}
	used := limit - remaining
	if used < 0 {
		used = 0
	}
	return used, "1s", true
}
