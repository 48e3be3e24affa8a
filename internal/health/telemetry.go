package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// TelemetrySource returns raw GPU query output in the five-column CSV
// format: index, temperature, memory used, memory total, utilization.
type TelemetrySource interface {
	Query(ctx context.Context) ([]byte, error)
}

// CommandSource runs a GPU query tool such as nvidia-smi.
type CommandSource struct {
	Command string
	Args    []string
}

// Query runs the command and returns its stdout.
func (s CommandSource) Query(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", s.Command, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", s.Command, err)
	}
	return stdout.Bytes(), nil
}

// StaticSource returns fixed output. Useful for tests and for hosts
// without a GPU query tool.
type StaticSource struct {
	Output []byte
	Err    error
}

// Query returns the configured output or error.
func (s StaticSource) Query(context.Context) ([]byte, error) {
	return s.Output, s.Err
}

// Reading is one parsed telemetry row.
type Reading struct {
	Index          int
	TemperatureC   float64
	MemoryUsedMB   int64
	MemoryTotalMB  int64
	UtilizationPct float64
	ObservedAt     time.Time
}

// ParseCSV parses telemetry output. Rows that do not match the
// five-column contract are skipped and reported in errs.
func ParseCSV(out []byte, now time.Time) (readings []Reading, errs []error) {
	for n, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r, err := parseRow(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", n+1, err))
			continue
		}
		r.ObservedAt = now
		readings = append(readings, r)
	}
	return readings, errs
}

func parseRow(line string) (Reading, error) {
	cols := strings.Split(line, ",")
	if len(cols) != 5 {
		return Reading{}, fmt.Errorf("expected 5 columns, got %d", len(cols))
	}
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	idx, err := strconv.Atoi(cols[0])
	if err != nil {
		return Reading{}, fmt.Errorf("index %q: %w", cols[0], err)
	}
	temp, err := strconv.ParseFloat(cols[1], 64)
	if err != nil {
		return Reading{}, fmt.Errorf("gpu %d temperature %q: %w", idx, cols[1], err)
	}
	used, err := strconv.ParseInt(cols[2], 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("gpu %d memory.used %q: %w", idx, cols[2], err)
	}
	total, err := strconv.ParseInt(cols[3], 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("gpu %d memory.total %q: %w", idx, cols[3], err)
	}
	if total <= 0 {
		return Reading{}, fmt.Errorf("gpu %d memory.total must be positive", idx)
	}
	util, err := strconv.ParseFloat(cols[4], 64)
	if err != nil {
		return Reading{}, fmt.Errorf("gpu %d utilization %q: %w", idx, cols[4], err)
	}
	return Reading{
		Index:          idx,
		TemperatureC:   temp,
		MemoryUsedMB:   used,
		MemoryTotalMB:  total,
		UtilizationPct: util,
	}, nil
}
