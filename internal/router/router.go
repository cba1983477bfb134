// Package router turns raw game-log lines into in-game command dispatch.
package router

import (
	"context"
	"regexp"
	"strconv"

	"github.com/l1jgo/warden/internal/register"
	"go.uber.org/zap"
)

// speakerRe extracts the speaking character. A command only fires when
// the same line carries this chat attribution, which keeps replayed or
// quoted text from triggering handlers.
var speakerRe = regexp.MustCompile(`ChatWindow: Character (.+?) \(uid`)

var (
	depositRe  = regexp.MustCompile(`!deposit (\d+)\b`)
	sellRe     = regexp.MustCompile(`!sell (\d+) (\d+)\b`)
	buyRe      = regexp.MustCompile(`!buy (\d+)\b`)
	withdrawRe = regexp.MustCompile(`!withdraw (\d+)\b`)
	balanceRe  = regexp.MustCompile(`!balance\b`)
	helpRe     = regexp.MustCompile(`!markethelp\b`)
	marketRe   = regexp.MustCompile(`!market\b`)
	warpRe     = regexp.MustCompile(`!warp (\w+)`)
	setHomeRe  = regexp.MustCompile(`!sethome\b`)
	homeRe     = regexp.MustCompile(`!home\b`)
	registerRe = regexp.MustCompile(`!register ([A-Za-z0-9]+)`)
)

// MarketHandler is what the marketplace engine exposes to the router.
// Handlers do their own user messaging; the router only dispatches.
type MarketHandler interface {
	Deposit(ctx context.Context, server, speaker string, slot int64)
	Sell(ctx context.Context, server, speaker string, slot, price int64)
	Buy(ctx context.Context, server, speaker string, listingID int64)
	Withdraw(ctx context.Context, server, speaker string, amount int64)
	Balance(ctx context.Context, server, speaker string)
	Help(ctx context.Context, server, speaker string)
	ListMarket(ctx context.Context, server, speaker string)
}

// TeleportHandler serves !warp and the home commands.
type TeleportHandler interface {
	Warp(ctx context.Context, server, speaker, location string)
	SetHome(ctx context.Context, server, speaker string)
	Home(ctx context.Context, server, speaker string)
}

// ScriptHandler is the optional lua hook for operator-defined commands.
// It reports whether it consumed the line.
type ScriptHandler interface {
	Dispatch(ctx context.Context, server, speaker, line string) bool
}

// Router tries a fixed set of command patterns against each log line and
// hands matches to their handlers. Handlers run as independent goroutines
// so a slow flow never blocks the tailer cadence.
type Router struct {
	market  MarketHandler
	tp      TeleportHandler
	pending *register.Book
	scripts ScriptHandler // may be nil
	dedup   *dedupSet
	log     *zap.Logger
}

func New(market MarketHandler, tp TeleportHandler, pending *register.Book, scripts ScriptHandler, log *zap.Logger) *Router {
	return &Router{
		market:  market,
		tp:      tp,
		pending: pending,
		scripts: scripts,
		dedup:   newDedupSet(),
		log:     log,
	}
}

// HandleLines processes one tailer batch for a server.
func (r *Router) HandleLines(ctx context.Context, server string, lines []string) {
	for _, line := range lines {
		r.handleLine(ctx, server, line)
	}
}

func (r *Router) handleLine(ctx context.Context, server, line string) {
	sp := speakerRe.FindStringSubmatch(line)
	if sp == nil {
		return
	}
	speaker := sp[1]

	switch {
	case matchInt(depositRe, line) != nil:
		slot := *matchInt(depositRe, line)
		go r.market.Deposit(ctx, server, speaker, slot)

	case sellRe.MatchString(line):
		m := sellRe.FindStringSubmatch(line)
		slot, _ := strconv.ParseInt(m[1], 10, 64)
		price, _ := strconv.ParseInt(m[2], 10, 64)
		go r.market.Sell(ctx, server, speaker, slot, price)

	case matchInt(buyRe, line) != nil:
		id := *matchInt(buyRe, line)
		go r.market.Buy(ctx, server, speaker, id)

	case matchInt(withdrawRe, line) != nil:
		amount := *matchInt(withdrawRe, line)
		go r.market.Withdraw(ctx, server, speaker, amount)

	case balanceRe.MatchString(line):
		go r.market.Balance(ctx, server, speaker)

	case helpRe.MatchString(line):
		go r.market.Help(ctx, server, speaker)

	case marketRe.MatchString(line):
		go r.market.ListMarket(ctx, server, speaker)

	case warpRe.MatchString(line):
		dest := warpRe.FindStringSubmatch(line)[1]
		// Warp re-reads recent log tails, so identical lines inside the
		// window are replays, not new requests.
		if !r.dedup.shouldFire(speaker, dest, line) {
			return
		}
		go r.tp.Warp(ctx, server, speaker, dest)

	case setHomeRe.MatchString(line):
		go r.tp.SetHome(ctx, server, speaker)

	case homeRe.MatchString(line):
		go r.tp.Home(ctx, server, speaker)

	case registerRe.MatchString(line):
		code := registerRe.FindStringSubmatch(line)[1]
		if r.pending.Absorb(code, speaker, server) {
			r.log.Info("registration code absorbed",
				zap.String("server", server), zap.String("char", speaker))
		}

	default:
		if r.scripts != nil && r.scripts.Dispatch(ctx, server, speaker, line) {
			return
		}
	}
}

func matchInt(re *regexp.Regexp, line string) *int64 {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
