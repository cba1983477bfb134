// Package watch holds the periodic auditors: building limits, inactivity
// reports, killfeed and scheduled announcements. Query-plus-render cogs;
// the heavy lifting lives in the gamedb reader.
package watch

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/gamedb"
	"github.com/l1jgo/warden/internal/registry"
	"go.uber.org/zap"
)

// OwnerDB is the reader slice the building watcher needs.
type OwnerDB interface {
	OwnerCounts(ctx context.Context, query string) (map[int64]int, error)
	ResolveOwners(ctx context.Context, ownerIDs []int64) (map[int64]gamedb.Owner, error)
}

// BuildingWatcher reports owners whose building-piece count exceeds their
// entitlement-scaled limit.
type BuildingWatcher struct {
	server string
	cfg    config.BuildingsConfig
	db     OwnerDB
	store  *registry.Store
	chat   chat.Transport
	query  string
	log    *zap.Logger
}

func NewBuildingWatcher(server string, cfg config.BuildingsConfig, db OwnerDB,
	store *registry.Store, transport chat.Transport, log *zap.Logger) (*BuildingWatcher, error) {
	query, err := os.ReadFile(cfg.QueryPath)
	if err != nil {
		return nil, fmt.Errorf("read building query %s: %w", cfg.QueryPath, err)
	}
	return &BuildingWatcher{
		server: server,
		cfg:    cfg,
		db:     db,
		store:  store,
		chat:   transport,
		query:  string(query),
		log:    log,
	}, nil
}

// Run executes one audit pass.
func (w *BuildingWatcher) Run(ctx context.Context) error {
	counts, err := w.db.OwnerCounts(ctx, w.query)
	if err != nil {
		return err
	}

	ownerIDs := make([]int64, 0, len(counts))
	for id := range counts {
		ownerIDs = append(ownerIDs, id)
	}
	owners, err := w.db.ResolveOwners(ctx, ownerIDs)
	if err != nil {
		return err
	}

	// One batched entitlement lookup for every platform id involved.
	var allPlatformIDs []string
	for _, o := range owners {
		allPlatformIDs = append(allPlatformIDs, o.PlatformIDs...)
	}
	idents, err := w.store.ResolveIdentities(ctx, allPlatformIDs)
	if err != nil {
		return err
	}

	type offender struct {
		name  string
		count int
		limit int
	}
	var offenders []offender
	for id, count := range counts {
		o, ok := owners[id]
		if !ok {
			continue
		}
		// Highest entitlement among members scales the base limit.
		level := 0
		for _, pid := range o.PlatformIDs {
			if l := idents[pid].Level; l > level {
				level = l
			}
		}
		limit := w.cfg.BuildLimit * (level + 1)
		if count > limit {
			name := o.Name
			if name == "" {
				name = fmt.Sprintf("owner %d", id)
			}
			offenders = append(offenders, offender{name: name, count: count, limit: limit})
		}
	}
	if len(offenders) == 0 {
		return nil
	}
	sort.Slice(offenders, func(i, j int) bool { return offenders[i].count > offenders[j].count })

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** building audit — %d over limit\n", w.server, len(offenders))
	for _, o := range offenders {
		fmt.Fprintf(&b, "%s: %d pieces (limit %d)\n", o.name, o.count, o.limit)
	}
	if err := w.chat.SendChannel(ctx, w.cfg.ChannelID, b.String()); err != nil {
		return err
	}
	w.log.Info("building audit posted",
		zap.String("server", w.server), zap.Int("offenders", len(offenders)))
	return nil
}
