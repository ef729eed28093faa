package taskpoll

import "sync"

// hub fans task state changes out to local subscribers keyed by task id.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription receives state changes of one task. Only the latest undelivered state
// is kept. A nil state means the task may be gone and must be re-read.
type Subscription struct {
	ch   chan *TaskState
	h    *hub
	id   string
	once sync.Once
}

// C returns the delivery channel. It is never closed.
func (s *Subscription) C() <-chan *TaskState { return s.ch }

// Close removes the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.h.remove(s) })
}

func (h *hub) subscribe(id string) *Subscription {
	s := &Subscription{ch: make(chan *TaskState, 1), h: h, id: id}
	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[id] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.id]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.id)
	}
}

// publish never blocks. Subscribers share st and must not modify it.
func (h *hub) publish(id string, st *TaskState) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[id] {
		select {
		case s.ch <- st:
		default:
			// replace the stale value
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- st:
			default:
			}
		}
	}
}

func (h *hub) count(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}
