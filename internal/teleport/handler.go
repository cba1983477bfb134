// Package teleport serves the !warp, !sethome and !home in-game commands.
package teleport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/gamedb"
	"github.com/l1jgo/warden/internal/lang"
	"github.com/l1jgo/warden/internal/rcon"
	"github.com/l1jgo/warden/internal/registry"
	"go.uber.org/zap"
)

// GameDB is the reader slice this handler needs.
type GameDB interface {
	CharactersByNames(ctx context.Context, names []string) (map[string]gamedb.Character, error)
	Position(ctx context.Context, actorID int64) (x, y, z float64, ok bool, err error)
}

// Handler owns per-user warp cooldowns and the home store access.
type Handler struct {
	cfgs  map[string]*config.ServerConfig
	store *registry.Store
	dbs   map[string]GameDB
	pool  rcon.Executor
	chat  chat.Transport
	msgs  *lang.Catalog
	log   *zap.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time // "server/char" → last warp
}

func NewHandler(cfgs map[string]*config.ServerConfig, store *registry.Store, dbs map[string]GameDB,
	pool rcon.Executor, transport chat.Transport, msgs *lang.Catalog, log *zap.Logger) *Handler {
	return &Handler{
		cfgs:      cfgs,
		store:     store,
		dbs:       dbs,
		pool:      pool,
		chat:      transport,
		msgs:      msgs,
		log:       log,
		cooldowns: make(map[string]time.Time),
	}
}

func cmdTeleport(x, y, z float64) rcon.CommandTemplate {
	return func(idx int) string {
		return rcon.Con(idx, fmt.Sprintf("TeleportPlayer %.2f %.2f %.2f", x, y, z))
	}
}

func (h *Handler) resolve(ctx context.Context, server, speaker string) (charID int64, platformID string, chatID int64, ok bool) {
	db, found := h.dbs[server]
	if !found {
		return 0, "", 0, false
	}
	chars, err := db.CharactersByNames(ctx, []string{speaker})
	if err != nil {
		h.log.Warn("teleport: resolve char", zap.String("char", speaker), zap.Error(err))
		return 0, "", 0, false
	}
	c, found := chars[speaker]
	if !found || c.PlatformID == "" {
		return 0, "", 0, false
	}
	id, bound, err := h.store.ChatIDFor(ctx, c.PlatformID)
	if err != nil || !bound {
		return 0, "", 0, false
	}
	return c.ID, c.PlatformID, id, true
}

// Warp teleports the speaker to a named configured location, rate-limited
// per user.
func (h *Handler) Warp(ctx context.Context, server, speaker, location string) {
	cfg, ok := h.cfgs[server]
	if !ok || !cfg.Warps.Enabled {
		return
	}
	_, _, chatID, ok := h.resolve(ctx, server, speaker)
	if !ok {
		return
	}

	loc, ok := cfg.Warps.Locations[strings.ToLower(location)]
	if !ok {
		h.dm(ctx, chatID, "warp.unknown", location)
		return
	}

	cooldown := time.Duration(cfg.Warps.CooldownMinutes) * time.Minute
	key := server + "/" + speaker
	h.mu.Lock()
	last, seen := h.cooldowns[key]
	if seen && time.Since(last) < cooldown {
		remaining := cooldown - time.Since(last)
		h.mu.Unlock()
		h.dm(ctx, chatID, "warp.cooldown", int(remaining.Minutes())+1)
		return
	}
	h.cooldowns[key] = time.Now()
	h.mu.Unlock()

	if _, err := h.pool.Safe(ctx, server, speaker, cmdTeleport(loc.X, loc.Y, loc.Z)); err != nil {
		h.log.Warn("warp failed", zap.String("char", speaker), zap.Error(err))
		// Release the cooldown; nothing moved.
		h.mu.Lock()
		delete(h.cooldowns, key)
		h.mu.Unlock()
		return
	}
	h.dm(ctx, chatID, "warp.done", location)
}

// SetHome stores the speaker's current position.
func (h *Handler) SetHome(ctx context.Context, server, speaker string) {
	charID, platformID, chatID, ok := h.resolve(ctx, server, speaker)
	if !ok {
		return
	}
	x, y, z, found, err := h.dbs[server].Position(ctx, charID)
	if err != nil || !found {
		h.dm(ctx, chatID, "market.must_be_online")
		return
	}
	if err := h.store.SetHome(ctx, server, platformID, x, y, z); err != nil {
		h.log.Error("set home", zap.String("char", speaker), zap.Error(err))
		return
	}
	h.dm(ctx, chatID, "home.set")
}

// Home teleports the speaker to their stored home.
func (h *Handler) Home(ctx context.Context, server, speaker string) {
	_, platformID, chatID, ok := h.resolve(ctx, server, speaker)
	if !ok {
		return
	}
	x, y, z, found, err := h.store.Home(ctx, server, platformID)
	if err != nil {
		h.log.Error("home lookup", zap.String("char", speaker), zap.Error(err))
		return
	}
	if !found {
		h.dm(ctx, chatID, "home.none")
		return
	}
	if _, err := h.pool.Safe(ctx, server, speaker, cmdTeleport(x, y, z)); err != nil {
		h.log.Warn("home warp failed", zap.String("char", speaker), zap.Error(err))
	}
}

func (h *Handler) dm(ctx context.Context, chatID int64, key string, args ...any) {
	if err := h.chat.SendDM(ctx, chatID, h.msgs.Get(key, args...)); err != nil {
		h.log.Warn("dm failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
