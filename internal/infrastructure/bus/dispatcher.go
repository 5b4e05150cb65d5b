package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handler receives the raw JSON payload of an event. Handlers run on the
// delivering goroutine and must not block.
type Handler func(payload []byte)

type HandlerID uint64

type registration struct {
	id      HandlerID
	handler Handler
}

// Dispatcher is the in-process tier: handlers registered per channel, invoked
// synchronously in registration order.
type Dispatcher struct {
	handlers map[string][]registration
	nextID   atomic.Uint64
	mu       sync.RWMutex
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]registration),
	}
}

func (d *Dispatcher) On(channel string, handler Handler) HandlerID {
	id := HandlerID(d.nextID.Add(1))

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[channel] = append(d.handlers[channel], registration{id: id, handler: handler})
	return id
}

// Off removes a handler. Unknown ids are ignored.
func (d *Dispatcher) Off(channel string, id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[channel]
	for i, reg := range regs {
		if reg.id == id {
			regs = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}

	if len(regs) == 0 {
		delete(d.handlers, channel)
		return
	}
	d.handlers[channel] = regs
}

// Emit delivers payload to every handler on channel and returns how many ran.
// A panicking handler is reported and does not stop the others.
func (d *Dispatcher) Emit(channel string, payload []byte) (int, []error) {
	d.mu.RLock()
	regs := d.handlers[channel]
	d.mu.RUnlock()

	var errs []error
	for _, reg := range regs {
		if err := invoke(reg.handler, payload); err != nil {
			errs = append(errs, err)
		}
	}

	return len(regs), errs
}

func (d *Dispatcher) HandlerCount(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[channel])
}

func invoke(h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h(payload)
	return nil
}
