package autoscaler

import (
	"fmt"
	"time"
)

// ValidateSettings checks settings before they are applied. The first
// problem found is returned.
func ValidateSettings(s Settings) error {
	if err := validateRatio("scale_up_threshold", s.ScaleUpThreshold); err != nil {
		return err
	}
	if err := validateRatio("scale_down_threshold", s.ScaleDownThreshold); err != nil {
		return err
	}
	if s.ScaleDownThreshold >= s.ScaleUpThreshold {
		return NewValidationError("scale_down_threshold", s.ScaleDownThreshold,
			fmt.Sprintf("must be below scale_up_threshold (%.2f)", s.ScaleUpThreshold))
	}

	if s.ScaleUpIncrement < 1 {
		return NewValidationError("scale_up_increment", s.ScaleUpIncrement, "must be at least 1")
	}
	if s.ScaleDownDecrement < 1 {
		return NewValidationError("scale_down_decrement", s.ScaleDownDecrement, "must be at least 1")
	}
	if s.Cooldown < 0 {
		return NewValidationError("cooldown", s.Cooldown, "cannot be negative")
	}
	if s.Cooldown > 24*time.Hour {
		return NewValidationError("cooldown", s.Cooldown, "cannot exceed 24h")
	}

	peak, err := validateHours("peak_hours", s.PeakHours)
	if err != nil {
		return err
	}
	offPeak, err := validateHours("off_peak_hours", s.OffPeakHours)
	if err != nil {
		return err
	}
	for h := range offPeak {
		if peak[h] {
			return NewValidationError("off_peak_hours", h, "hour is listed as both peak and off-peak")
		}
	}

	return validateAlertThresholds(s.Alerts)
}

func validateAlertThresholds(a AlertThresholds) error {
	if err := validateRatio("alerts.utilization", a.Utilization); err != nil {
		return err
	}
	if err := validateRatio("alerts.error_rate", a.ErrorRate); err != nil {
		return err
	}
	if a.AvgQueryTimeMs <= 0 {
		return NewValidationError("alerts.avg_query_time_ms", a.AvgQueryTimeMs, "must be positive")
	}
	if a.EmergencyWaiting < 0 {
		return NewValidationError("alerts.emergency_waiting", a.EmergencyWaiting, "cannot be negative")
	}
	return nil
}

func validateRatio(field string, v float64) error {
	if v <= 0 || v > 1 {
		return NewValidationError(field, v, "must be in (0, 1]")
	}
	return nil
}

func validateHours(field string, hours []int) (map[int]bool, error) {
	set := make(map[int]bool, len(hours))
	for _, h := range hours {
		if h < 0 || h > 23 {
			return nil, NewValidationError(field, h, "hour must be between 0 and 23")
		}
		set[h] = true
	}
	return set, nil
}
