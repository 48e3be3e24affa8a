package scheduler

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/me/gpusched/pkg/model"
)

// AdmissionRule is an operator-supplied JavaScript expression evaluated
// against each healthy device before it may take a task, e.g.
//
//	gpu.utilization_pct < 95 && gpu.memory_percent < 70
//
// The expression sees one variable, gpu.
type AdmissionRule struct {
	source string
	prog   *goja.Program
	vm     *goja.Runtime
}

// CompileAdmissionRule compiles src. An empty src yields a nil rule,
// which admits every device.
func CompileAdmissionRule(src string) (*AdmissionRule, error) {
	if src == "" {
		return nil, nil
	}
	prog, err := goja.Compile("admission_rule", src, true)
	if err != nil {
		return nil, fmt.Errorf("compile admission rule: %w", err)
	}
	return &AdmissionRule{source: src, prog: prog, vm: goja.New()}, nil
}

// Allow evaluates the rule for one device. The runtime is not safe for
// concurrent use; the scheduler loop is its only caller.
func (r *AdmissionRule) Allow(h model.GPUHealthStatus, active int) (bool, error) {
	if r == nil {
		return true, nil
	}
	gpu := map[string]any{
		"id":              h.GPUID,
		"temperature_c":   h.TemperatureC,
		"memory_used_mb":  h.MemoryUsedMB,
		"memory_total_mb": h.MemoryTotalMB,
		"memory_percent":  h.MemoryPercent,
		"utilization_pct": h.UtilizationPct,
		"health_state":    string(h.HealthState),
		"active_tasks":    active,
	}
	if err := r.vm.Set("gpu", gpu); err != nil {
		return false, fmt.Errorf("set gpu: %w", err)
	}
	v, err := r.vm.RunProgram(r.prog)
	if err != nil {
		return false, fmt.Errorf("admission rule: %w", err)
	}
	return v.ToBoolean(), nil
}

// String returns the rule source.
func (r *AdmissionRule) String() string {
	if r == nil {
		return ""
	}
	return r.source
}
