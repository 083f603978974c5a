package jobs

import (
	"fmt"
	"sync"
)

// Handler executes one kind of task. The returned value is stored as the task result.
type Handler interface {
	Kind() string
	Run(tc *Context) (interface{}, error)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	kind := h.Kind()
	if kind == "" {
		return fmt.Errorf("handler kind is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for task kind %s", kind)
	}
	r.handlers[kind] = h
	return nil
}

func (r *Registry) MustRegister(handlers ...Handler) {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}
