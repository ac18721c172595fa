package monitor

import "time"

// Status is the outcome of one venue probe.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusTimeout      Status = "timeout"
	StatusUnauthorized Status = "unauthorized"
)

// Health is the aggregate over all probed venues.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

type ConnectionStatus struct {
	Venue     string    `json:"venue"`
	Status    Status    `json:"status"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type Counts struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Errors       int `json:"errors"`
	Timeouts     int `json:"timeouts"`
	Unauthorized int `json:"unauthorized"`
}

// MonitoringReport is an immutable snapshot of one probing round.
type MonitoringReport struct {
	Timestamp   time.Time          `json:"timestamp"`
	Status      Health             `json:"status"`
	Source      string             `json:"source"`
	Connections []ConnectionStatus `json:"connections"`
	Counts      Counts             `json:"counts"`
}

// HealthCheck is the liveness projection of the latest report.
type HealthCheck struct {
	Status    Health            `json:"status"`
	Venues    map[string]Status `json:"venues"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
}

// Aggregate derives the overall health: healthy when every venue is
// connected, critical when none is (or nothing was probed), degraded otherwise.
func Aggregate(statuses []ConnectionStatus) (Health, Counts) {
	counts := Counts{Total: len(statuses)}
	for _, s := range statuses {
		switch s.Status {
		case StatusConnected:
			counts.Connected++
		case StatusTimeout:
			counts.Timeouts++
		case StatusUnauthorized:
			counts.Unauthorized++
		default:
			counts.Errors++
		}
	}
	switch {
	case counts.Total == 0 || counts.Connected == 0:
		return HealthCritical, counts
	case counts.Connected == counts.Total:
		return HealthHealthy, counts
	default:
		return HealthDegraded, counts
	}
}

func (r MonitoringReport) clone() MonitoringReport {
	out := r
	out.Connections = append([]ConnectionStatus(nil), r.Connections...)
	return out
}

func (r MonitoringReport) healthCheck() HealthCheck {
	venues := make(map[string]Status, len(r.Connections))
	for _, c := range r.Connections {
		venues[c.Venue] = c.Status
	}
	return HealthCheck{
		Status:    r.Status,
		Venues:    venues,
		Source:    r.Source,
		Timestamp: r.Timestamp,
	}
}
