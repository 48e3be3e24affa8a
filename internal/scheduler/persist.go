package scheduler

import (
	"context"
	"fmt"

	"github.com/me/gpusched/pkg/model"
)

// restore loads the last snapshot. Tasks that were queued or running
// when it was taken go back to pending; their assignment is cleared and
// their attempt history kept.
func (l *Loop) restore(ctx context.Context) error {
	snap, err := l.deps.Store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	requeued := 0
	for i := range snap.Tasks {
		t := snap.Tasks[i].Clone()
		switch t.Status {
		case model.TaskStatusRunning, model.TaskStatusQueued:
			t.ClearAssignment()
			t.Status = model.TaskStatusPending
			requeued++
		}
		l.tasks[t.ID] = &t
		if t.Seq >= l.nextSeq {
			l.nextSeq = t.Seq + 1
		}
	}
	if snap.NextSeq > l.nextSeq {
		l.nextSeq = snap.NextSeq
	}
	l.dirty = requeued > 0

	if len(snap.Tasks) > 0 {
		l.logger.Info("restored snapshot", "tasks", len(snap.Tasks), "requeued", requeued, "saved_at", snap.SavedAt)
	}
	return nil
}

// snapshot captures every non-terminal task, the most recent terminal
// ones, and any terminal task a live task depends on.
func (l *Loop) snapshot() model.Snapshot {
	include := make(map[string]bool)
	for id, t := range l.tasks {
		if t.Status.IsTerminal() {
			continue
		}
		include[id] = true
		for _, d := range t.Dependencies {
			if _, ok := l.tasks[d]; ok {
				include[d] = true
			}
		}
	}
	for _, t := range l.recentTerminal(l.cfg.RecentLimit) {
		include[t.ID] = true
	}

	snap := model.Snapshot{
		Tasks:   make([]model.Task, 0, len(include)),
		NextSeq: l.nextSeq,
		SavedAt: l.now(),
	}
	for id := range include {
		snap.Tasks = append(snap.Tasks, l.tasks[id].Clone())
	}
	return snap
}

// checkpoint hands the current snapshot to the persister when state has
// changed. Only the latest pending snapshot is kept.
func (l *Loop) checkpoint() {
	if !l.dirty {
		return
	}
	l.dirty = false
	snap := l.snapshot()
	select {
	case <-l.saves:
	default:
	}
	l.saves <- snap
}

// persist writes snapshots until the saves channel is closed.
func (l *Loop) persist() {
	defer close(l.persistDone)
	for snap := range l.saves {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.SaveTimeout)
		err := l.deps.Store.SaveSnapshot(ctx, snap)
		cancel()
		if err != nil {
			l.logger.Error("save snapshot failed", "tasks", len(snap.Tasks), "error", err)
			continue
		}
		l.logger.Debug("snapshot saved", "tasks", len(snap.Tasks))
	}
}
