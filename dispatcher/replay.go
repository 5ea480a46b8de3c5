package dispatcher

import (
	"sync"

	"blitter.com/go/xrproxy/stream"
)

// ReplayWindow is the server's sole instance of stream.ReplayChecker
// (spec §3 "Replay window", §9 Design Notes: "owned solely by the
// server dispatcher"). It is a fixed-capacity set of recently-seen
// nonces, evicting the oldest inserted entry once full.
type ReplayWindow struct {
	mu       sync.Mutex
	capacity int
	seen     map[[stream.NonceSize]byte]struct{}
	order    [][stream.NonceSize]byte
}

// NewReplayWindow builds a window with the given capacity; capacity
// <= 0 falls back to spec §3's minimum of 1024.
func NewReplayWindow(capacity int) *ReplayWindow {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ReplayWindow{
		capacity: capacity,
		seen:     make(map[[stream.NonceSize]byte]struct{}, capacity),
	}
}

// SeenOrInsert implements stream.ReplayChecker.
func (w *ReplayWindow) SeenOrInsert(nonce [stream.NonceSize]byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[nonce]; ok {
		return true
	}
	w.seen[nonce] = struct{}{}
	w.order = append(w.order, nonce)
	if len(w.order) > w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	return false
}
