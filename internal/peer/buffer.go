package peer

import (
	"encoding/json"
	"sync"
	"time"
)

const maxBufferedPerPair = 256

type bufferedCandidate struct {
	at        time.Time
	candidate json.RawMessage
}

// candidateBuffer holds inbound candidates that arrived before their link
// existed. Entries older than ttl are discarded and never handed out.
type candidateBuffer struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[PairKey][]bufferedCandidate
}

func newCandidateBuffer(ttl time.Duration, now func() time.Time) *candidateBuffer {
	if now == nil {
		now = time.Now
	}
	return &candidateBuffer{
		ttl:     ttl,
		now:     now,
		entries: make(map[PairKey][]bufferedCandidate),
	}
}

// Add returns false if the oldest entry for key had to be dropped.
func (b *candidateBuffer) Add(key PairKey, c json.RawMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.sweepLocked(now)

	list := b.entries[key]
	ok := true
	if len(list) >= maxBufferedPerPair {
		list = list[1:]
		ok = false
	}
	b.entries[key] = append(list, bufferedCandidate{at: now, candidate: c})
	return ok
}

// Take removes and returns the unexpired candidates for key in arrival order.
func (b *candidateBuffer) Take(key PairKey) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(b.now())

	list := b.entries[key]
	delete(b.entries, key)
	out := make([]json.RawMessage, 0, len(list))
	for _, e := range list {
		out = append(out, e.candidate)
	}
	return out
}

func (b *candidateBuffer) Drop(key PairKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

func (b *candidateBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
}

// Len counts the candidates still held, expired ones included until the next
// sweep.
func (b *candidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, list := range b.entries {
		n += len(list)
	}
	return n
}

func (b *candidateBuffer) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(b.now())
}

func (b *candidateBuffer) sweepLocked(now time.Time) {
	for key, list := range b.entries {
		i := 0
		for i < len(list) && now.Sub(list[i].at) > b.ttl {
			i++
		}
		if i == len(list) {
			delete(b.entries, key)
		} else if i > 0 {
			b.entries[key] = list[i:]
		}
	}
}
