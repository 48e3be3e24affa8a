package scheduler

import "github.com/me/gpusched/pkg/model"

// AreDependenciesSatisfied checks whether all upstream dependencies of the
// given task have completed successfully.
//
// Returns:
//   - satisfied=true,  blocked=false  when every dep is completed (or there are none).
//   - satisfied=false, blocked=true   when a dep is missing, failed or cancelled.
//   - satisfied=false, blocked=false  when deps exist but are not finished.
func AreDependenciesSatisfied(task *model.Task, tasksByID map[string]*model.Task) (satisfied bool, blocked bool) {
	if len(task.Dependencies) == 0 {
		return true, false
	}

	waiting := false
	for _, depID := range task.Dependencies {
		dep, ok := tasksByID[depID]
		if !ok {
			return false, true
		}

		switch dep.Status {
		case model.TaskStatusFailed, model.TaskStatusCancelled:
			return false, true
		case model.TaskStatusCompleted:
			continue
		default:
			waiting = true
		}
	}

	return !waiting, false
}

// blockingDependency returns the first dependency that prevents the task
// from ever running, or "" if none does.
func blockingDependency(task *model.Task, tasksByID map[string]*model.Task) string {
	for _, depID := range task.Dependencies {
		dep, ok := tasksByID[depID]
		if !ok || dep.Status == model.TaskStatusFailed || dep.Status == model.TaskStatusCancelled {
			return depID
		}
	}
	return ""
}
