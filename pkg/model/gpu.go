package model

import "time"

// HealthState is the admission classification of a device.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthCaution  HealthState = "caution"
	HealthThrottle HealthState = "throttle"
	HealthPause    HealthState = "pause"
)

// GPUHealthStatus is one telemetry reading for one device.
type GPUHealthStatus struct {
	GPUID          int         `json:"gpu_id"`
	TemperatureC   float64     `json:"temperature_c"`
	MemoryUsedMB   int64       `json:"memory_used_mb"`
	MemoryTotalMB  int64       `json:"memory_total_mb"`
	MemoryPercent  float64     `json:"memory_percent"`
	UtilizationPct float64     `json:"utilization_pct"`
	HealthState    HealthState `json:"health_state"`
	ObservedAt     time.Time   `json:"observed_at"`
}

// GPUReport is the last-known-good reading of a device annotated with its
// age and the most recent poll error.
type GPUReport struct {
	GPUHealthStatus
	AgeSeconds    float64  `json:"age_seconds"`
	Stale         bool     `json:"stale"`
	LastError     string   `json:"last_error,omitempty"`
	ActiveTasks   int      `json:"active_tasks"`
	ReservedMB    int64    `json:"reserved_mb"`
	LoadedModels  []string `json:"loaded_models,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// HostStatus reports host-level CPU and memory usage.
type HostStatus struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryTotalMB uint64    `json:"memory_total_mb"`
	Load1         float64   `json:"load1,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
	Error         string    `json:"error,omitempty"`
}

// Thresholds are the temperature and memory limits used to classify a device.
type Thresholds struct {
	PauseTempC    float64 `json:"pause_temp_c" yaml:"pause_temp_c"`
	ThrottleTempC float64 `json:"throttle_temp_c" yaml:"throttle_temp_c"`
	CautionMemPct float64 `json:"caution_mem_pct" yaml:"caution_mem_pct"`
	PauseMemPct   float64 `json:"pause_mem_pct" yaml:"pause_mem_pct"`
}

// DefaultThresholds returns the stock classification limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PauseTempC:    90,
		ThrottleTempC: 85,
		CautionMemPct: 80,
		PauseMemPct:   90,
	}
}
