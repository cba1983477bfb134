package watch

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/config"
	"go.uber.org/zap"
)

// InactivityDB is the reader slice the inactivity report needs.
type InactivityDB interface {
	NameDays(ctx context.Context, query string, days int) (map[string]float64, error)
}

// InactivityReport posts characters offline beyond the day threshold.
type InactivityReport struct {
	server string
	cfg    config.InactivityConfig
	db     InactivityDB
	chat   chat.Transport
	query  string
	log    *zap.Logger
}

func NewInactivityReport(server string, cfg config.InactivityConfig, db InactivityDB,
	transport chat.Transport, log *zap.Logger) (*InactivityReport, error) {
	query, err := os.ReadFile(cfg.QueryPath)
	if err != nil {
		return nil, fmt.Errorf("read inactivity query %s: %w", cfg.QueryPath, err)
	}
	return &InactivityReport{
		server: server,
		cfg:    cfg,
		db:     db,
		chat:   transport,
		query:  string(query),
		log:    log,
	}, nil
}

func (r *InactivityReport) Run(ctx context.Context) error {
	rows, err := r.db.NameDays(ctx, r.query, r.cfg.Days)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	type entry struct {
		name string
		days float64
	}
	entries := make([]entry, 0, len(rows))
	for name, days := range rows {
		entries = append(entries, entry{name, days})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].days > entries[j].days })

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** inactivity — %d characters over %d days\n",
		r.server, len(entries), r.cfg.Days)
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %.0f days\n", e.name, e.days)
	}
	return r.chat.SendChannel(ctx, r.cfg.ChannelID, b.String())
}
