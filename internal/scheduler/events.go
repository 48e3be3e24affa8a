package scheduler

import (
	"sync"

	"github.com/me/gpusched/pkg/model"
)

// eventBuffer is the per-subscriber channel capacity. Slow subscribers
// lose events rather than stall the loop.
const eventBuffer = 64

// hub fans task events out to subscribers.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan model.TaskEvent
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan model.TaskEvent)}
}

func (h *hub) subscribe() (<-chan model.TaskEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan model.TaskEvent, eventBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(ev model.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
