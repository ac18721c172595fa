package rate

import (
	"strings"

	"tradegate/internal/metrics"
	"tradegate/logger"
)

// Limit classifies a venue rejection message.
type Limit int

const (
	LimitNone Limit = iota
	LimitRate
	LimitIPBan
)

func (l Limit) String() string {
	switch l {
	case LimitRate:
		return "rate_limit"
	case LimitIPBan:
		return "ip_ban"
	default:
		return "none"
	}
}

// DetectLimit inspects a venue error message for rate limit or IP ban wording.
// Each venue phrases these differently.
func DetectLimit(venue, msg string) Limit {
	lower := strings.ToLower(msg)
	var rateLimit, ipBan bool
	switch strings.ToLower(venue) {
	case "binance":
		rateLimit = strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too much request weight")
		ipBan = strings.Contains(lower, "ip") && strings.Contains(lower, "ban")
	case "bybit":
		ipBan = strings.Contains(lower, "ip rate limit") || (strings.Contains(lower, "ip") && strings.Contains(lower, "ban"))
		rateLimit = strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") || strings.Contains(lower, "too many visits")
	default:
		rateLimit = strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests")
		ipBan = strings.Contains(lower, "ip") && strings.Contains(lower, "ban")
	}
	switch {
	case ipBan:
		return LimitIPBan
	case rateLimit:
		return LimitRate
	default:
		return LimitNone
	}
}

// ReportLimit records a metric and a log line when msg signals a limit. It
// returns the detected classification.
func ReportLimit(log *logger.Log, venue, accountID, endpoint, msg string) Limit {
	limit := DetectLimit(venue, msg)
	if limit == LimitNone {
		return limit
	}
	if log == nil {
		log = logger.GetLogger()
	}
	fields := logger.Fields{
		"venue":    strings.ToLower(venue),
		"account":  accountID,
		"endpoint": endpoint,
	}
	metrics.EmitMetric(log, "exchange_client", limit.String(), 1, "counter", fields)

	entry := log.WithComponent("exchange_client").WithFields(fields)
	if limit == LimitIPBan {
		entry.Error("ip banned by venue")
	} else {
		entry.Warn("rate limit exceeded")
	}
	return limit
}
