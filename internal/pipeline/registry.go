package pipeline

import "sync"

// handlerRegistry maps event types to handlers. Lookups fall back to the
// "default" entry when present. Mutation takes effect on the next flush;
// a flush snapshots each handler at dispatch time per type group.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string]Handler),
	}
}

func (r *handlerRegistry) register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

func (r *handlerRegistry) unregister(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[eventType]; !ok {
		return false
	}
	delete(r.handlers, eventType)
	return true
}

func (r *handlerRegistry) get(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[eventType]; ok {
		return h, true
	}
	if h, ok := r.handlers[DefaultHandlerType]; ok {
		return h, true
	}
	return nil, false
}
