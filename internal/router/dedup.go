package router

import (
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// dedupTTL is the suppression window for repeated command lines. Handlers
// that re-read recent log tails would otherwise fire twice on the same
// line.
const dedupTTL = time.Minute

type dedupSet struct {
	mu   sync.Mutex
	seen map[[16]byte]time.Time
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[[16]byte]time.Time)}
}

// shouldFire records (speaker, target, line) and reports whether this is
// the first sighting inside the TTL window.
func (d *dedupSet) shouldFire(speaker, target, line string) bool {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(speaker))
	h.Write([]byte{0})
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write([]byte(line))
	var key [16]byte
	copy(key[:], h.Sum(nil))

	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < dedupTTL {
		return false
	}
	d.seen[key] = now
	// Opportunistic sweep; the set stays tiny.
	for k, at := range d.seen {
		if now.Sub(at) >= dedupTTL {
			delete(d.seen, k)
		}
	}
	return true
}
