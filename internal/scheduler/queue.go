package scheduler

import (
	"container/heap"

	"github.com/me/gpusched/pkg/model"
)

// taskQueue is a min-heap of queued tasks ordered by priority, then
// submission time, then sequence number.
type taskQueue struct {
	items []*model.Task
	index map[string]int
}

func newTaskQueue() *taskQueue {
	return &taskQueue{index: make(map[string]int)}
}

func less(a, b *model.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (q *taskQueue) Len() int           { return len(q.items) }
func (q *taskQueue) Less(i, j int) bool { return less(q.items[i], q.items[j]) }

func (q *taskQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].ID] = i
	q.index[q.items[j].ID] = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*model.Task)
	q.index[t.ID] = len(q.items)
	q.items = append(q.items, t)
}

func (q *taskQueue) Pop() any {
	n := len(q.items)
	t := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	delete(q.index, t.ID)
	return t
}

func (q *taskQueue) push(t *model.Task) {
	if _, ok := q.index[t.ID]; ok {
		return
	}
	heap.Push(q, t)
}

func (q *taskQueue) pop() *model.Task {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*model.Task)
}

// remove drops a task from the queue. It reports whether it was present.
func (q *taskQueue) remove(id string) bool {
	i, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(q, i)
	return true
}
