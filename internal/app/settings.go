package app

import (
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/autoscaler"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/indexes"
)

// SettingsFromConfig converts the scaling and alert sections into controller
// settings. Zero values fall back to the controller defaults.
func SettingsFromConfig(cfg *config.Config) autoscaler.Settings {
	s := autoscaler.DefaultSettings()

	sc := cfg.Scaling
	if sc.ScaleUpThreshold > 0 {
		s.ScaleUpThreshold = sc.ScaleUpThreshold
	}
	if sc.ScaleDownThreshold > 0 {
		s.ScaleDownThreshold = sc.ScaleDownThreshold
	}
	if sc.ScaleUpIncrement > 0 {
		s.ScaleUpIncrement = sc.ScaleUpIncrement
	}
	if sc.ScaleDownDecrement > 0 {
		s.ScaleDownDecrement = sc.ScaleDownDecrement
	}
	if sc.Cooldown > 0 {
		s.Cooldown = sc.Cooldown
	}
	if sc.PeakHours != nil {
		s.PeakHours = append([]int(nil), sc.PeakHours...)
	}
	if sc.OffPeakHours != nil {
		s.OffPeakHours = append([]int(nil), sc.OffPeakHours...)
	}

	al := cfg.Alerts
	if al.Utilization > 0 {
		s.Alerts.Utilization = al.Utilization
	}
	if al.ErrorRate > 0 {
		s.Alerts.ErrorRate = al.ErrorRate
	}
	if al.AvgQueryTime > 0 {
		s.Alerts.AvgQueryTimeMs = float64(al.AvgQueryTime.Milliseconds())
	}
	if al.EmergencyWaiting > 0 {
		s.Alerts.EmergencyWaiting = al.EmergencyWaiting
	}

	return s
}

// IndexConfigFromConfig converts the indexes section for the inspector
func IndexConfigFromConfig(cfg config.IndexConfig) indexes.Config {
	out := indexes.Config{
		Schema:              cfg.Schema,
		UnusedScanThreshold: cfg.UnusedScanThreshold,
		SelectivityBaseline: cfg.SelectivityBaseline,
		LargeIndexBytes:     cfg.LargeIndexBytes,
		DDLTimeout:          cfg.DDLTimeout,
	}
	for _, r := range cfg.Required {
		impact := r.Impact
		if impact == "" {
			impact = indexes.ImpactMedium
		}
		out.Required = append(out.Required, indexes.RequiredIndex{
			Name:    r.Name,
			Table:   r.Table,
			Method:  r.Method,
			Columns: append([]string(nil), r.Columns...),
			Impact:  impact,
			Reason:  r.Reason,
		})
	}
	return out
}
