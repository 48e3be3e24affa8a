package health

import "github.com/me/gpusched/pkg/model"

// Classify maps a temperature and memory percentage to a health state.
// Rules are checked in order: pause, throttle, caution, healthy.
func Classify(tempC, memPct float64, t model.Thresholds) model.HealthState {
	switch {
	case tempC >= t.PauseTempC || memPct >= t.PauseMemPct:
		return model.HealthPause
	case tempC >= t.ThrottleTempC:
		return model.HealthThrottle
	case memPct >= t.CautionMemPct:
		return model.HealthCaution
	default:
		return model.HealthHealthy
	}
}

// CanAcceptTask reports whether a device in state s may receive new work.
func CanAcceptTask(s model.HealthState) bool {
	return s == model.HealthHealthy || s == model.HealthCaution
}

// MemoryPercent returns used/total as a percentage, 0 when total is unknown.
func MemoryPercent(usedMB, totalMB int64) float64 {
	if totalMB <= 0 {
		return 0
	}
	return float64(usedMB) / float64(totalMB) * 100
}
