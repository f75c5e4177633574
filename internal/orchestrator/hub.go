package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber queue length. A slow subscriber
// misses intermediate events but always receives the terminal one.
const subscriberBuffer = 32

// hub fans task events out to subscribers
type hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[int]chan Event
	nextID int
}

func newHub() *hub {
	return &hub{subs: make(map[uuid.UUID]map[int]chan Event)}
}

// subscribe registers a channel for one task. The returned func removes it.
func (h *hub) subscribe(id uuid.UUID) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	h.nextID++
	key := h.nextID
	if h.subs[id] == nil {
		h.subs[id] = make(map[int]chan Event)
	}
	h.subs[id][key] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[id]; ok {
				if c, ok := set[key]; ok {
					delete(set, key)
					close(c)
				}
				if len(set) == 0 {
					delete(h.subs, id)
				}
			}
		})
	}
}

// publish delivers ev without blocking. A terminal event closes every
// subscriber of the task.
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[ev.TaskID]
	for key, ch := range set {
		if ev.Status.Terminal() {
			// 终态事件必须送达: 队列满时丢弃最旧的一条
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				ch <- ev
			}
			close(ch)
			delete(set, key)
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.Status.Terminal() {
		delete(h.subs, ev.TaskID)
	}
}

// count returns the number of live subscribers
func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
