package hearthsync

import "sync"

// DataError is published when a user-visible operation fails. Message is
// plain language; Err carries the underlying cause for logging.
type DataError struct {
	Message string
	Err     error
}

// DataSuccess is published when a user-visible operation completes.
type DataSuccess struct {
	Message string
}

// SignalHub fans out cross-component signals to registered observers.
// Registration is explicit so dependency direction stays visible in types;
// there are no string-named global events.
type SignalHub struct {
	mu        sync.RWMutex
	nextID    int
	reconnect map[int]func()
	errors    map[int]func(DataError)
	successes map[int]func(DataSuccess)
}

// NewSignalHub creates an empty signal hub.
func NewSignalHub() *SignalHub {
	return &SignalHub{
		reconnect: make(map[int]func()),
		errors:    make(map[int]func(DataError)),
		successes: make(map[int]func(DataSuccess)),
	}
}

// OnReconnect registers an observer for connectivity-restored signals and
// returns an unregister function.
func (h *SignalHub) OnReconnect(fn func()) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.reconnect[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.reconnect, id)
		h.mu.Unlock()
	}
}

// OnDataError registers an observer for user-visible failures.
func (h *SignalHub) OnDataError(fn func(DataError)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.errors[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.errors, id)
		h.mu.Unlock()
	}
}

// OnDataSuccess registers an observer for user-visible successes.
func (h *SignalHub) OnDataSuccess(fn func(DataSuccess)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.successes[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.successes, id)
		h.mu.Unlock()
	}
}

// EmitReconnect notifies reconnect observers synchronously. Observer order
// is not guaranteed.
func (h *SignalHub) EmitReconnect() {
	h.mu.RLock()
	fns := make([]func(), 0, len(h.reconnect))
	for _, fn := range h.reconnect {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// EmitDataError notifies error observers.
func (h *SignalHub) EmitDataError(sig DataError) {
	h.mu.RLock()
	fns := make([]func(DataError), 0, len(h.errors))
	for _, fn := range h.errors {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(sig)
	}
}

// EmitDataSuccess notifies success observers.
func (h *SignalHub) EmitDataSuccess(sig DataSuccess) {
	h.mu.RLock()
	fns := make([]func(DataSuccess), 0, len(h.successes))
	for _, fn := range h.successes {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(sig)
	}
}
