// Package status runs the per-minute presence fan-out: list players on
// every server, enrich, publish, render, snapshot. It also completes the
// registration handshake, because the live RCON row is the only place a
// character's platform id can be read.
package status

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/event"
	"github.com/l1jgo/warden/internal/lang"
	"github.com/l1jgo/warden/internal/rcon"
	"github.com/l1jgo/warden/internal/register"
	"github.com/l1jgo/warden/internal/registry"
	"go.uber.org/zap"
)

// GameDB is the reader slice the loop needs.
type GameDB interface {
	LevelsByNames(ctx context.Context, names []string) (map[string]int, error)
}

// Loop is the status/presence loop.
type Loop struct {
	cfgs           map[string]*config.ServerConfig
	pool           rcon.Executor
	store          *registry.Store
	dbs            map[string]GameDB
	bus            *event.Bus
	chat           chat.Transport
	msgs           *lang.Catalog
	pending        *register.Book
	registeredRole string
	clusterChannel string
	snapshotPath   string
	log            *zap.Logger

	mu          sync.Mutex
	levelCache  map[string]map[string]int // server → char name → last known level
	presenceIDs map[string]string         // channel → rolling message id
	lastTick    map[string][]SnapshotPlayer
}

func NewLoop(cfgs map[string]*config.ServerConfig, pool rcon.Executor, store *registry.Store,
	dbs map[string]GameDB, bus *event.Bus, transport chat.Transport, msgs *lang.Catalog,
	pending *register.Book, registeredRole, clusterChannel, snapshotPath string, log *zap.Logger) *Loop {
	return &Loop{
		cfgs:           cfgs,
		pool:           pool,
		store:          store,
		dbs:            dbs,
		bus:            bus,
		chat:           transport,
		msgs:           msgs,
		pending:        pending,
		registeredRole: registeredRole,
		clusterChannel: clusterChannel,
		snapshotPath:   snapshotPath,
		log:            log,
		levelCache:     make(map[string]map[string]int),
		presenceIDs:    make(map[string]string),
		lastTick:       make(map[string][]SnapshotPlayer),
	}
}

// Tick runs one presence pass over the fleet. Per-server failures are
// logged and skipped so one dead server never stalls the rest.
func (l *Loop) Tick(ctx context.Context) error {
	for name, cfg := range l.cfgs {
		if err := l.tickServer(ctx, name, cfg); err != nil {
			l.log.Warn("status tick failed", zap.String("server", name), zap.Error(err))
		}
	}
	l.pending.Sweep()
	l.renderCluster(ctx)
	go l.writeSnapshot() // off the I/O path of the loop itself
	return nil
}

func (l *Loop) tickServer(ctx context.Context, name string, cfg *config.ServerConfig) error {
	raw, err := l.pool.ListPlayers(ctx, name, false)
	if err != nil {
		return err
	}
	players := rcon.ParsePlayers(raw)

	names := make([]string, 0, len(players))
	platformIDs := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, p.CharName)
		platformIDs = append(platformIDs, p.PlatformID)
	}

	levels := l.enrichLevels(ctx, name, names)

	for _, id := range platformIDs {
		if err := l.store.EnsureIdentity(ctx, id); err != nil {
			l.log.Warn("ensure identity", zap.String("platform_id", id), zap.Error(err))
		}
	}
	idents, err := l.store.ResolveIdentities(ctx, platformIDs)
	if err != nil {
		return err
	}
	times, err := l.store.Playtimes(ctx, name, platformIDs)
	if err != nil {
		return err
	}

	l.completeRegistrations(ctx, name, players)

	l.bus.Publish(event.PlayersUpdated{
		Server:     name,
		Players:    players,
		Levels:     levels,
		Identities: idents,
		Playtimes:  times,
		At:         time.Now(),
	})

	snapshot := make([]SnapshotPlayer, 0, len(players))
	for _, p := range players {
		snapshot = append(snapshot, SnapshotPlayer{
			Name:       p.CharName,
			PlatformID: p.PlatformID,
			Level:      levels[p.CharName],
			Minutes:    times[p.PlatformID].OnlineMinutes,
			VIP:        idents[p.PlatformID].Level,
		})
	}
	l.mu.Lock()
	l.lastTick[name] = snapshot
	l.mu.Unlock()

	l.renderServer(ctx, cfg, snapshot)
	return nil
}

// enrichLevels queries character levels, falling back to the last good
// values while the game DB is mid-write.
func (l *Loop) enrichLevels(ctx context.Context, server string, names []string) map[string]int {
	db, ok := l.dbs[server]
	if !ok {
		return map[string]int{}
	}
	levels, err := db.LevelsByNames(ctx, names)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.log.Warn("level query failed, using cache",
			zap.String("server", server), zap.Error(err))
		cached := l.levelCache[server]
		out := make(map[string]int, len(names))
		for _, n := range names {
			out[n] = cached[n]
		}
		return out
	}
	cache := l.levelCache[server]
	if cache == nil {
		cache = make(map[string]int)
		l.levelCache[server] = cache
	}
	for n, lv := range levels {
		cache[n] = lv
	}
	return levels
}

// completeRegistrations finishes the handshake for any pending code whose
// character is now visibly online: the RCON row supplies the platform id.
func (l *Loop) completeRegistrations(ctx context.Context, server string, players []rcon.Player) {
	for _, p := range players {
		pend, ok := l.pending.ByCharName(p.CharName, server)
		if !ok {
			continue
		}
		if err := l.store.BindIdentity(ctx, p.PlatformID, pend.ChatID); err != nil {
			l.log.Error("bind identity",
				zap.String("platform_id", p.PlatformID), zap.Error(err))
			continue
		}
		l.pending.Remove(pend.Code)
		if l.registeredRole != "" {
			if err := l.chat.AddRole(ctx, pend.ChatID, l.registeredRole); err != nil {
				l.log.Warn("add registered role", zap.Int64("chat_id", pend.ChatID), zap.Error(err))
			}
		}
		if err := l.chat.SendDM(ctx, pend.ChatID,
			l.msgs.Get("register.done", p.CharName, server)); err != nil {
			l.log.Warn("registration dm failed", zap.Int64("chat_id", pend.ChatID), zap.Error(err))
		}
		l.log.Info("registration completed",
			zap.String("server", server), zap.String("char", p.CharName),
			zap.Int64("chat_id", pend.ChatID))
	}
}

func (l *Loop) renderServer(ctx context.Context, cfg *config.ServerConfig, players []SnapshotPlayer) {
	if cfg.ChatChannelID == "" {
		return
	}
	alias := cfg.Alias
	if alias == "" {
		alias = cfg.Name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** — %d online\n", alias, len(players))
	for _, p := range players {
		fmt.Fprintf(&b, "%s (lvl %d, %dh played)\n", p.Name, p.Level, p.Minutes/60)
	}
	l.postRolling(ctx, cfg.ChatChannelID, b.String())
}

func (l *Loop) renderCluster(ctx context.Context) {
	if l.clusterChannel == "" {
		return
	}
	l.mu.Lock()
	total := 0
	var b strings.Builder
	for name, players := range l.lastTick {
		total += len(players)
		fmt.Fprintf(&b, "%s: %d online\n", name, len(players))
	}
	l.mu.Unlock()
	l.postRolling(ctx, l.clusterChannel, fmt.Sprintf("**Cluster** — %d online\n%s", total, b.String()))
}

// postRolling edits the channel's presence message in place, creating it
// on the first tick.
func (l *Loop) postRolling(ctx context.Context, channelID, text string) {
	l.mu.Lock()
	msgID := l.presenceIDs[channelID]
	l.mu.Unlock()

	newID, err := l.chat.EditChannelMessage(ctx, channelID, msgID, text)
	if err != nil {
		l.log.Warn("presence message update failed",
			zap.String("channel", channelID), zap.Error(err))
		return
	}
	l.mu.Lock()
	l.presenceIDs[channelID] = newID
	l.mu.Unlock()
}
