package jobqueue

import (
	"context"
	"sync"
)

// HandlerFunc is the function signature for processing a job payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// Mux routes jobs to their handlers by queue name.
// Handlers may be added while a Server is running.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	middlewares []Middleware
}

// NewMux creates a new job Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers the handler for a queue. A later call for the same queue replaces it.
func (m *Mux) Handle(queue string, fn HandlerFunc) {
	m.mu.Lock()
	m.handlers[queue] = fn
	m.mu.Unlock()
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	m.middlewares = append(m.middlewares, mw)
	m.mu.Unlock()
}

func (m *Mux) lookup(queue string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[queue]
	if !ok {
		return nil, false
	}
	return m.wrapLocked(h), true
}

func (m *Mux) wrapLocked(h HandlerFunc) HandlerFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}
