package scheduler

import (
	"slices"
	"sort"

	"github.com/me/gpusched/pkg/model"
)

// device is the scheduler's bookkeeping for one GPU. Health comes from
// the monitor; slots and reservations are owned by the loop.
type device struct {
	health     model.GPUHealthStatus
	active     int
	reservedMB int64
	// refcount of running tasks per model, and the memory reserved when
	// the first of them was admitted
	models  map[string]int
	modelMB map[string]int64
}

func newDevice(h model.GPUHealthStatus) *device {
	return &device{health: h, models: make(map[string]int), modelMB: make(map[string]int64)}
}

func (d *device) id() int { return d.health.GPUID }

func (d *device) freeMB() int64 {
	free := d.health.MemoryTotalMB - d.health.MemoryUsedMB - d.reservedMB
	if free < 0 {
		return 0
	}
	return free
}

// need is the memory a new task running modelName would add. A model
// already resident for another running task costs nothing.
func (d *device) need(modelName string, footprintMB int64) int64 {
	if d.models[modelName] > 0 {
		return 0
	}
	return footprintMB
}

func (d *device) fits(modelName string, footprintMB int64, maxConcurrent int) bool {
	if d.active >= maxConcurrent {
		return false
	}
	return d.need(modelName, footprintMB) <= d.freeMB()
}

func (d *device) reserve(modelName string, footprintMB int64) {
	if d.models[modelName] == 0 {
		d.reservedMB += footprintMB
		d.modelMB[modelName] = footprintMB
	}
	d.models[modelName]++
	d.active++
}

func (d *device) release(modelName string) {
	if d.active > 0 {
		d.active--
	}
	n, ok := d.models[modelName]
	if !ok {
		return
	}
	if n > 1 {
		d.models[modelName] = n - 1
		return
	}
	d.reservedMB -= d.modelMB[modelName]
	if d.reservedMB < 0 {
		d.reservedMB = 0
	}
	delete(d.models, modelName)
	delete(d.modelMB, modelName)
}

func (d *device) loadedModels() []string {
	out := make([]string, 0, len(d.models))
	for m := range d.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// pickDevice chooses a device for a task among eligible candidates.
// Devices that cannot hold the model or have no free slot are skipped.
// If any preferred device fits, the choice is restricted to those.
// Ties go to the most free memory, then the lowest index.
func pickDevice(candidates []*device, preferred []int, modelName string, footprintMB int64, maxConcurrent int) *device {
	var fitting []*device
	for _, d := range candidates {
		if d.fits(modelName, footprintMB, maxConcurrent) {
			fitting = append(fitting, d)
		}
	}
	if len(fitting) == 0 {
		return nil
	}

	if len(preferred) > 0 {
		var pref []*device
		for _, d := range fitting {
			if slices.Contains(preferred, d.id()) {
				pref = append(pref, d)
			}
		}
		if len(pref) > 0 {
			fitting = pref
		}
	}

	best := fitting[0]
	for _, d := range fitting[1:] {
		bf, df := best.freeMB(), d.freeMB()
		if df > bf || (df == bf && d.id() < best.id()) {
			best = d
		}
	}
	return best
}
