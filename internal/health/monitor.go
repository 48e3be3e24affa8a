package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/pkg/model"
)

// DefaultPollTimeout bounds a single telemetry query.
const DefaultPollTimeout = 10 * time.Second

// Observer is notified after every poll. Used for metrics.
type Observer func(current map[int]model.GPUHealthStatus, err error)

// Monitor polls GPU telemetry and classifies each device.
type Monitor struct {
	source     TelemetrySource
	thresholds model.Thresholds
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
	observer   Observer

	mu       sync.RWMutex
	current  map[int]model.GPUHealthStatus
	lastGood map[int]model.GPUHealthStatus
	lastErr  error
	polledAt time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout overrides the per-poll timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithObserver registers a callback run after each poll.
func WithObserver(o Observer) Option {
	return func(m *Monitor) { m.observer = o }
}

// NewMonitor creates a Monitor reading from source.
func NewMonitor(source TelemetrySource, thresholds model.Thresholds, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		source:     source,
		thresholds: thresholds,
		timeout:    DefaultPollTimeout,
		logger:     logging.Component(logger, "health"),
		now:        time.Now,
		current:    make(map[int]model.GPUHealthStatus),
		lastGood:   make(map[int]model.GPUHealthStatus),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Poll queries telemetry once and returns the classified devices. A device
// whose row cannot be read is absent; a failed query returns an empty map.
func (m *Monitor) Poll(ctx context.Context) map[int]model.GPUHealthStatus {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	now := m.now()
	out, err := m.source.Query(ctx)
	current := make(map[int]model.GPUHealthStatus)
	var pollErr error
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("telemetry timed out after %s: %w", m.timeout, err)
		}
		pollErr = err
		m.logger.Warn("telemetry query failed", "error", err)
	} else {
		readings, rowErrs := ParseCSV(out, now)
		for _, r := range readings {
			current[r.Index] = m.status(r)
		}
		if len(rowErrs) > 0 {
			pollErr = errors.Join(rowErrs...)
			m.logger.Warn("telemetry rows skipped", "count", len(rowErrs), "error", pollErr)
		}
	}

	m.mu.Lock()
	m.current = current
	for id, s := range current {
		m.lastGood[id] = s
	}
	m.lastErr = pollErr
	m.polledAt = now
	m.mu.Unlock()

	if m.observer != nil {
		m.observer(copyStatuses(current), pollErr)
	}
	m.logger.Debug("poll", "devices", len(current))
	return copyStatuses(current)
}

func (m *Monitor) status(r Reading) model.GPUHealthStatus {
	memPct := MemoryPercent(r.MemoryUsedMB, r.MemoryTotalMB)
	return model.GPUHealthStatus{
		GPUID:          r.Index,
		TemperatureC:   r.TemperatureC,
		MemoryUsedMB:   r.MemoryUsedMB,
		MemoryTotalMB:  r.MemoryTotalMB,
		MemoryPercent:  memPct,
		UtilizationPct: r.UtilizationPct,
		HealthState:    Classify(r.TemperatureC, memPct, m.thresholds),
		ObservedAt:     r.ObservedAt,
	}
}

// Latest returns the devices seen by the most recent poll. Admission uses
// only this view.
func (m *Monitor) Latest() map[int]model.GPUHealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyStatuses(m.current)
}

// Snapshot returns the last-known-good reading of every device ever seen,
// sorted by index. A device missing from the latest poll is marked stale.
func (m *Monitor) Snapshot() []model.GPUReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	errMsg := ""
	if m.lastErr != nil {
		errMsg = m.lastErr.Error()
	}
	reports := make([]model.GPUReport, 0, len(m.lastGood))
	for id, s := range m.lastGood {
		_, fresh := m.current[id]
		r := model.GPUReport{
			GPUHealthStatus: s,
			AgeSeconds:      now.Sub(s.ObservedAt).Seconds(),
			Stale:           !fresh,
		}
		if !fresh || m.lastErr != nil {
			r.LastError = errMsg
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].GPUID < reports[j].GPUID })
	return reports
}

// LastError returns the error of the most recent poll, if any.
func (m *Monitor) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Run polls on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Poll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

func copyStatuses(in map[int]model.GPUHealthStatus) map[int]model.GPUHealthStatus {
	out := make(map[int]model.GPUHealthStatus, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
