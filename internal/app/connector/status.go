package connector

import (
	"github.com/coachpo/voltlink/internal/app/supervisor"
)

// ServiceStatus is the health view across markets.
type ServiceStatus struct {
	PerMarket []supervisor.Snapshot `json:"perMarket"`
	Aggregate Aggregate             `json:"aggregate"`
}

// Aggregate summarizes every market.
type Aggregate struct {
	Total       int                     `json:"total"`
	Connected   int                     `json:"connected"`
	Errored     int                     `json:"errored"`
	Maintenance int                     `json:"maintenance"`
	Abandoned   int                     `json:"abandoned"`
	Requests    supervisor.RequestStats `json:"requests"`
	// UptimeRatio is the mean of per-market uptime ratios.
	UptimeRatio float64 `json:"uptimeRatio"`
}

// Healthy reports whether every market is connected or deliberately held in maintenance.
func (s ServiceStatus) Healthy() bool {
	return s.Aggregate.Total > 0 && s.Aggregate.Connected+s.Aggregate.Maintenance == s.Aggregate.Total
}

func summarize(snaps []supervisor.Snapshot) ServiceStatus {
	agg := Aggregate{Total: len(snaps)}
	var uptime float64
	for _, snap := range snaps {
		switch {
		case snap.Connected():
			agg.Connected++
		case snap.State == supervisor.StateError:
			agg.Errored++
		case snap.State == supervisor.StateMaintenance:
			agg.Maintenance++
		}
		if snap.Abandoned {
			agg.Abandoned++
		}
		agg.Requests.Total += snap.Requests.Total
		agg.Requests.Succeeded += snap.Requests.Succeeded
		agg.Requests.Failed += snap.Requests.Failed
		uptime += snap.UptimeRatio
	}
	if len(snaps) > 0 {
		agg.UptimeRatio = uptime / float64(len(snaps))
	}
	return ServiceStatus{PerMarket: snaps, Aggregate: agg}
}
