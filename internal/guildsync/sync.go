// Package guildsync reconciles in-game guild membership with chat roles,
// and keeps the registered-role in step with identity bindings.
package guildsync

import (
	"context"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/registry"
	"go.uber.org/zap"
)

// GameDB is the reader slice the syncer needs.
type GameDB interface {
	GuildMembers(ctx context.Context, guildID int64) ([]string, error)
}

type Syncer struct {
	cfg   config.GuildSyncConfig
	store *registry.Store
	dbs   map[string]GameDB
	chat  chat.Transport
	log   *zap.Logger
}

func NewSyncer(cfg config.GuildSyncConfig, store *registry.Store, dbs map[string]GameDB,
	transport chat.Transport, log *zap.Logger) *Syncer {
	return &Syncer{cfg: cfg, store: store, dbs: dbs, chat: transport, log: log}
}

// Reconcile makes chat roles match game guild membership: every bound
// member of a mapped guild gets the role, everyone else loses it.
func (s *Syncer) Reconcile(ctx context.Context) error {
	for roleID, guildID := range s.cfg.Roles {
		if err := s.reconcileRole(ctx, roleID, guildID); err != nil {
			s.log.Warn("guild role reconcile failed",
				zap.String("role", roleID), zap.Int64("guild", guildID), zap.Error(err))
		}
	}
	return nil
}

func (s *Syncer) reconcileRole(ctx context.Context, roleID string, guildID int64) error {
	// Union of the guild's members across every server DB: guilds span
	// the cluster, platform ids do not repeat per server.
	memberSet := make(map[string]bool)
	for server, db := range s.dbs {
		ids, err := db.GuildMembers(ctx, guildID)
		if err != nil {
			s.log.Warn("guild members query failed",
				zap.String("server", server), zap.Int64("guild", guildID), zap.Error(err))
			continue
		}
		for _, id := range ids {
			memberSet[id] = true
		}
	}

	platformIDs := make([]string, 0, len(memberSet))
	for id := range memberSet {
		platformIDs = append(platformIDs, id)
	}
	idents, err := s.store.ResolveIdentities(ctx, platformIDs)
	if err != nil {
		return err
	}

	want := make(map[int64]bool)
	for _, ident := range idents {
		if ident.Bound {
			want[ident.ChatID] = true
		}
	}

	have, err := s.chat.MembersWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	haveSet := make(map[int64]bool, len(have))
	for _, id := range have {
		haveSet[id] = true
	}

	for chatID := range want {
		if !haveSet[chatID] {
			if err := s.chat.AddRole(ctx, chatID, roleID); err != nil {
				s.log.Warn("add role", zap.Int64("chat_id", chatID), zap.Error(err))
			}
		}
	}
	for _, chatID := range have {
		if !want[chatID] {
			if err := s.chat.RemoveRole(ctx, chatID, roleID); err != nil {
				s.log.Warn("remove role", zap.Int64("chat_id", chatID), zap.Error(err))
			}
		}
	}
	return nil
}
