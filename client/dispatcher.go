package client

import (
	"sync"

	"github.com/robertodauria/httpspeed/client/emitter"
	"go.uber.org/zap"
)

// dispatcher delivers notifications to an Emitter from a single goroutine,
// in the order they were queued. Queueing never blocks on the Emitter.
type dispatcher struct {
	emitter emitter.Emitter

	mu      sync.Mutex
	idle    *sync.Cond
	queue   []func(emitter.Emitter)
	running bool
}

func newDispatcher(e emitter.Emitter) *dispatcher {
	d := &dispatcher{emitter: e}
	d.idle = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) push(f func(emitter.Emitter)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, f)
	if !d.running {
		d.running = true
		go d.loop()
	}
}

func (d *dispatcher) loop() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		f := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(f)
	}
}

// deliver calls f, isolating the engine from a misbehaving Emitter.
func (d *dispatcher) deliver(f func(emitter.Emitter)) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Sugar().Errorw("Emitter panicked", "panic", r)
		}
	}()
	f(d.emitter)
}

// wait blocks until every queued notification has been delivered.
func (d *dispatcher) wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.running {
		d.idle.Wait()
	}
}
