// Package reward consumes players-updated events: it advances playtime
// counters and hands out interval-based playtime rewards over RCON.
package reward

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/event"
	"github.com/l1jgo/warden/internal/rcon"
	"github.com/l1jgo/warden/internal/registry"
	"go.uber.org/zap"
)

type Consumer struct {
	cfgs  map[string]*config.ServerConfig
	store *registry.Store
	pool  rcon.Executor
	log   *zap.Logger
}

func NewConsumer(cfgs map[string]*config.ServerConfig, store *registry.Store,
	pool rcon.Executor, log *zap.Logger) *Consumer {
	return &Consumer{cfgs: cfgs, store: store, pool: pool, log: log}
}

// Run drains the subscription until the channel closes or ctx ends.
func (c *Consumer) Run(ctx context.Context, events <-chan event.PlayersUpdated) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.handle(ctx, ev); err != nil {
				c.log.Error("reward pass failed",
					zap.String("server", ev.Server), zap.Error(err))
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev event.PlayersUpdated) error {
	platformIDs := make([]string, 0, len(ev.Players))
	for _, p := range ev.Players {
		platformIDs = append(platformIDs, p.PlatformID)
	}
	// One minute of presence per status tick.
	if err := c.store.IncrementPlaytime(ctx, ev.Server, platformIDs); err != nil {
		return err
	}

	cfg, ok := c.cfgs[ev.Server]
	if !ok || !cfg.Rewards.Enabled {
		return nil
	}

	hour := time.Now().Unix() / 3600
	for _, p := range ev.Players {
		ident := ev.Identities[p.PlatformID]
		interval := c.intervalFor(cfg, ident)
		if interval <= 0 {
			continue
		}
		row := ev.Playtimes[p.PlatformID]
		online := row.OnlineMinutes + 1 // counter was advanced above
		if online-row.LastRewardPlaytime < int64(interval) {
			continue
		}
		if row.LastRewardedHour == hour && interval >= 60 {
			// Crash-loop guard for hourly-and-slower intervals.
			continue
		}

		_, err := c.pool.Safe(ctx, ev.Server, p.CharName, func(idx int) string {
			return rcon.Con(idx, fmt.Sprintf("SpawnItem %d %d", cfg.Rewards.ItemID, cfg.Rewards.Quantity))
		})
		if err != nil {
			// Not marked: the player gets another try next tick.
			c.log.Warn("reward grant failed",
				zap.String("server", ev.Server), zap.String("char", p.CharName), zap.Error(err))
			continue
		}
		if err := c.store.MarkRewarded(ctx, ev.Server, p.PlatformID, online, hour); err != nil {
			c.log.Error("mark rewarded",
				zap.String("platform_id", p.PlatformID), zap.Error(err))
			continue
		}
		c.log.Info("playtime reward granted",
			zap.String("server", ev.Server), zap.String("char", p.CharName),
			zap.Int64("online_minutes", online), zap.Int("interval", interval))
	}
	return nil
}

// intervalFor picks the reward interval for a player's entitlement level,
// treating an expired entitlement as level 0.
func (c *Consumer) intervalFor(cfg *config.ServerConfig, ident registry.Identity) int {
	level := ident.Level
	if ident.Expiry != nil && time.Now().After(*ident.Expiry) {
		level = 0
	}
	if v, ok := cfg.Rewards.IntervalsMinutes[strconv.Itoa(level)]; ok {
		return v
	}
	return cfg.Rewards.IntervalsMinutes["0"]
}
