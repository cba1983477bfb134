package event

import (
	"sync"
	"time"

	"github.com/l1jgo/warden/internal/rcon"
	"github.com/l1jgo/warden/internal/registry"
	"go.uber.org/zap"
)

// PlayersUpdated is published by the status loop after each presence tick:
// the raw player rows plus the enriched maps, all keyed as produced.
type PlayersUpdated struct {
	Server     string
	Players    []rcon.Player
	Levels     map[string]int               // char name → level
	Identities map[string]registry.Identity // platform id → binding/entitlement
	Playtimes  map[string]registry.PlaytimeRow
	At         time.Time
}

// Bus is a typed in-process publisher/subscriber with bounded buffering.
// A subscriber that stops draining loses events rather than stalling the
// status loop.
type Bus struct {
	mu     sync.Mutex
	subs   []chan PlayersUpdated
	buffer int
	closed bool
	log    *zap.Logger
}

func NewBus(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 8
	}
	return &Bus{buffer: buffer, log: log}
}

// Subscribe registers a new consumer. Must be called before Publish
// traffic starts; subscriptions live for the process lifetime.
func (b *Bus) Subscribe() <-chan PlayersUpdated {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan PlayersUpdated, b.buffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish fans the event out without blocking.
func (b *Bus) Publish(ev PlayersUpdated) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("event subscriber lagging, dropping players-updated",
				zap.String("server", ev.Server))
		}
	}
}

// Close ends delivery and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
}
