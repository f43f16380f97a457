package service

import (
	"fmt"
	"sync"

	"github.com/next-trace/scg-service-rpc/message"
)

// pendingCall is a single-fire future for one outstanding call. The caller
// owns it; the table only holds a reference for lookup.
type pendingCall struct {
	id   string
	done chan struct{}
	once sync.Once
	resp *message.Response
}

// resolve stores r and wakes the waiter. Only the first call has any effect;
// it reports whether this call was the one that fired.
func (p *pendingCall) resolve(r *message.Response) bool {
	fired := false

	p.once.Do(func() {
		p.resp = r
		fired = true
		close(p.done)
	})

	return fired
}

// pendingTable maps correlation ids to in-flight calls.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (t *pendingTable) add(id string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[id]; exists {
		return nil, fmt.Errorf("correlation id %q already in flight", id)
	}

	pc := &pendingCall{id: id, done: make(chan struct{})}
	t.calls[id] = pc

	return pc, nil
}

func (t *pendingTable) get(id string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.calls[id]

	return pc, ok
}

func (t *pendingTable) remove(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.calls, id)

	return len(t.calls)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.calls)
}
