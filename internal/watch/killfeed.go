package watch

import (
	"context"
	"fmt"
	"strings"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/gamedb"
	"go.uber.org/zap"
)

// KillfeedDB is the reader slice the killfeed needs.
type KillfeedDB interface {
	DeathsSince(ctx context.Context, sinceWorldTime float64) ([]gamedb.DeathEvent, error)
}

// Killfeed posts player deaths to a channel, keeping a worldTime
// watermark so each death is reported once.
type Killfeed struct {
	server string
	cfg    config.KillfeedConfig
	db     KillfeedDB
	chat   chat.Transport
	log    *zap.Logger

	watermark float64
	primed    bool
}

func NewKillfeed(server string, cfg config.KillfeedConfig, db KillfeedDB,
	transport chat.Transport, log *zap.Logger) *Killfeed {
	return &Killfeed{server: server, cfg: cfg, db: db, chat: transport, log: log}
}

// Run posts the deaths since the last pass. The first pass only primes
// the watermark so a restart never floods the channel with history.
func (k *Killfeed) Run(ctx context.Context) error {
	deaths, err := k.db.DeathsSince(ctx, k.watermark)
	if err != nil {
		return err
	}
	for _, d := range deaths {
		if d.WorldTime > k.watermark {
			k.watermark = d.WorldTime
		}
	}
	if !k.primed {
		k.primed = true
		return nil
	}
	if len(deaths) == 0 {
		return nil
	}

	var b strings.Builder
	for _, d := range deaths {
		if d.CauserName != "" && d.CauserName != d.VictimName {
			fmt.Fprintf(&b, "%s killed %s\n", d.CauserName, d.VictimName)
		} else {
			fmt.Fprintf(&b, "%s died\n", d.VictimName)
		}
	}
	if err := k.chat.SendChannel(ctx, k.cfg.ChannelID, b.String()); err != nil {
		return err
	}
	k.log.Debug("killfeed posted",
		zap.String("server", k.server), zap.Int("deaths", len(deaths)))
	return nil
}
