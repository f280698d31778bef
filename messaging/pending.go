package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	errDuplicateRequest = errors.New("request id already pending")
	errTableClosed      = errors.New("pending table closed")
)

// settlement is the single result handed to a waiting caller
type settlement struct {
	data    json.RawMessage
	err     error
	outcome string
}

// pendingRequest is a request that was sent and has not been settled yet
type pendingRequest struct {
	id      string
	timeout time.Duration
	sentAt  time.Time
	timer   *clock.Timer
	result  chan settlement
}

// settle hands the result to the caller. Only the goroutine that removed the
// entry from the table calls it, so the buffered send never blocks.
func (p *pendingRequest) settle(s settlement) {
	p.result <- s
}

// pendingTable tracks in-flight requests by request id. Removal happens only
// through take, so timer expiry, response arrival and caller cancellation race
// on one check-and-remove and exactly one of them wins.
type pendingTable struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]*pendingRequest
	closed  bool
}

func newPendingTable(clk clock.Clock) *pendingTable {
	if clk == nil {
		clk = clock.New()
	}
	return &pendingTable{
		clock:   clk,
		entries: make(map[string]*pendingRequest),
	}
}

// register adds an entry and arms its timer in one critical section.
// onExpire runs on the timer goroutine if the timer fires.
func (t *pendingTable) register(id string, timeout time.Duration, onExpire func(id string)) (*pendingRequest, error) {
	if id == "" {
		return nil, fmt.Errorf("request id is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", timeout)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errTableClosed
	}
	if _, exists := t.entries[id]; exists {
		return nil, fmt.Errorf("%w: %s", errDuplicateRequest, id)
	}

	entry := &pendingRequest{
		id:      id,
		timeout: timeout,
		sentAt:  t.clock.Now(),
		result:  make(chan settlement, 1),
	}
	entry.timer = t.clock.AfterFunc(timeout, func() { onExpire(id) })
	t.entries[id] = entry

	return entry, nil
}

// take removes the entry and stops its timer. The second caller for the same
// id gets false.
func (t *pendingTable) take(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	entry, exists := t.entries[id]
	if exists {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !exists {
		return nil, false
	}
	entry.timer.Stop()
	return entry, true
}

// drain closes the table and removes every entry
func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	t.closed = true
	entries := make([]*pendingRequest, 0, len(t.entries))
	for id, entry := range t.entries {
		entries = append(entries, entry)
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
	}
	return entries
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
