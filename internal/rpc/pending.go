package rpc

import (
	"encoding/json"
	"sync"
)

// pending is the event-name correlation table: at most one waiter per
// name, completed exactly once. Late results for unregistered names are
// dropped by the caller when publish reports no waiter.
type pending struct {
	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

func newPending() *pending {
	return &pending{waiters: make(map[string]chan json.RawMessage)}
}

// register installs a one-shot waiter under name and returns its channel.
// The channel is buffered so a publish never blocks on a slow caller.
func (p *pending) register(name string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	p.mu.Lock()
	p.waiters[name] = ch
	p.mu.Unlock()
	return ch
}

// publish completes the waiter registered under name, removing it so a
// second result for the same name finds nobody. Returns whether a waiter
// was completed.
func (p *pending) publish(name string, data json.RawMessage) bool {
	p.mu.Lock()
	ch, ok := p.waiters[name]
	if ok {
		delete(p.waiters, name)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- data
	return true
}

// drop removes a waiter that timed out; a response arriving afterwards is
// silently discarded by publish.
func (p *pending) drop(name string) {
	p.mu.Lock()
	delete(p.waiters, name)
	p.mu.Unlock()
}

// size reports the number of outstanding waiters.
func (p *pending) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
