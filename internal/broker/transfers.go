package broker

import (
	"sync"
	"time"
)

// transfer tracks one in-flight file relay keyed by message id. The broker
// does not buffer the relayed bytes; it only advances the counter and
// detects completion.
type transfer struct {
	filename  string
	size      uint32
	received  uint32
	sender    string
	recipient string // DM topic or group name
	complete  bool
	lastChunk time.Time
}

// transferRegistry holds all active transfers. At most one per message id;
// opening an id that is already active replaces the stale entry (message
// ids are chosen client-side and can collide).
type transferRegistry struct {
	mu     sync.Mutex
	active map[uint32]*transfer
	now    func() time.Time
}

func newTransferRegistry() *transferRegistry {
	return &transferRegistry{
		active: make(map[uint32]*transfer),
		now:    time.Now,
	}
}

// open records a new transfer and reports whether it replaced a live one.
func (r *transferRegistry) open(id uint32, filename string, size uint32, sender, recipient string) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced = r.active[id]
	r.active[id] = &transfer{
		filename:  filename,
		size:      size,
		sender:    sender,
		recipient: recipient,
		lastChunk: r.now(),
	}
	return replaced
}

// append advances the byte counter by n. It returns ok=false when no
// transfer is open at id, and complete=true once received >= declared size.
func (r *transferRegistry) append(id uint32, n uint32) (complete, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[id]
	if !ok {
		return false, false
	}
	t.received += n
	t.lastChunk = r.now()
	if t.received >= t.size {
		t.complete = true
	}
	return t.complete, true
}

// lookup returns the sender and recipient bound at open time.
func (r *transferRegistry) lookup(id uint32) (sender, recipient string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[id]
	if !ok {
		return "", "", false
	}
	return t.sender, t.recipient, true
}

// progress returns completion in [0,1]; 0 for an unknown id or zero size.
func (r *transferRegistry) progress(id uint32) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[id]
	if !ok || t.size == 0 {
		return 0
	}
	p := float64(t.received) / float64(t.size)
	if p > 1 {
		p = 1
	}
	return p
}

func (r *transferRegistry) isComplete(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[id]
	return ok && t.complete
}

// drop removes the entry; dropping an unknown id is a no-op.
func (r *transferRegistry) drop(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// reapIdle removes transfers that have not seen a chunk since cutoff and
// returns their ids. Recipients that vanish mid-transfer would otherwise
// pin the entry forever.
func (r *transferRegistry) reapIdle(cutoff time.Time) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reaped []uint32
	for id, t := range r.active {
		if t.lastChunk.Before(cutoff) {
			delete(r.active, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

func (r *transferRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
