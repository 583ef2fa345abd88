package session

import (
	"sync"

	"keyjawn/internal/remote"
)

// event is either a state change or an output chunk
type event struct {
	state  *remote.ConnectionState
	output []byte
}

// dispatcher is the session's single callback context. Events are delivered
// one at a time in post order by at most one goroutine, which exits when the
// queue is empty.
type dispatcher struct {
	onState  func(remote.ConnectionState)
	onOutput func([]byte)

	mu      sync.Mutex
	queue   []event
	running bool
	idle    *sync.Cond
}

func newDispatcher(onState func(remote.ConnectionState), onOutput func([]byte)) *dispatcher {
	d := &dispatcher{onState: onState, onOutput: onOutput}
	d.idle = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) postState(s remote.ConnectionState) {
	if d.onState == nil {
		return
	}
	d.post(event{state: &s})
}

func (d *dispatcher) postOutput(b []byte) {
	if d.onOutput == nil {
		return
	}
	d.post(event{output: b})
}

func (d *dispatcher) post(e event) {
	d.mu.Lock()
	d.queue = append(d.queue, e)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	go d.drain()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue[0] = event{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if e.state != nil {
			d.onState(*e.state)
		} else {
			d.onOutput(e.output)
		}
	}
}

// wait blocks until every posted event has been delivered
func (d *dispatcher) wait() {
	d.mu.Lock()
	for d.running {
		d.idle.Wait()
	}
	d.mu.Unlock()
}
