package autoscaler

// Policy is the scaling decision policy. It holds no state, so the same
// sample and thresholds always yield the same decision.
type Policy struct {
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
}

// Decide applies the rules in priority order; the first match wins.
func (p Policy) Decide(s Sample) Decision {
	util := s.Utilization

	switch {
	case s.PeakHour && util > p.ScaleUpThreshold:
		return Decision{Action: ActionScaleUp, Reason: ReasonPeakUtilization}
	case s.WaitingRequests > 0 && util > WaitingUtilizationThreshold:
		return Decision{Action: ActionScaleUp, Reason: ReasonWaitingRequests}
	case s.AvgQueryTimeMs > SlowQueryAverageMs && util > SlowQueryUtilizationThreshold:
		return Decision{Action: ActionScaleUp, Reason: ReasonSlowQueries}
	case !s.PeakHour && util < p.ScaleDownThreshold:
		return Decision{Action: ActionScaleDown, Reason: ReasonOffPeakLow}
	case s.OffPeakHour && util < OffPeakFloorUtilization:
		return Decision{Action: ActionScaleDown, Reason: ReasonOffPeakVeryLow}
	}

	return Decision{Action: ActionNone, Reason: ReasonNoAction}
}

// Target returns the new maximum for action, clamped to [minConns, maxConns].
func Target(action Action, current, minConns, maxConns, increment, decrement int) int {
	switch action {
	case ActionScaleUp:
		return min(current+increment, maxConns)
	case ActionScaleDown:
		return max(current-decrement, minConns)
	default:
		return current
	}
}

func containsHour(hours []int, hour int) bool {
	for _, h := range hours {
		if h == hour {
			return true
		}
	}
	return false
}
