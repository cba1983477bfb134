// Package market implements the two-phase virtual-currency marketplace.
// It composes three authorities that are deliberately never merged: the
// registry owns money, the game DB owns item state (read-only here), and
// RCON is the only way to mutate items in-game.
package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/gamedb"
	"github.com/l1jgo/warden/internal/item"
	"github.com/l1jgo/warden/internal/lang"
	"github.com/l1jgo/warden/internal/rcon"
	"github.com/l1jgo/warden/internal/registry"
	"go.uber.org/zap"
)

// Audit journal actions.
const (
	AuditDeposit      = "DEPOSIT"
	AuditWithdraw     = "WITHDRAW"
	AuditSell         = "SELL"
	AuditBuy          = "BUY"
	AuditAdminGrant   = "ADMIN_GRANT"
	AuditCompensation = "COMPENSATION_FAILED"
)

// GameDB is the slice of the game-DB reader the engine needs. Narrowed to
// an interface so the sell-verification flow can be driven by a test
// double.
type GameDB interface {
	ItemAt(ctx context.Context, ownerID, slotID int64, invType int) (*gamedb.InventoryItem, error)
	ItemsByTemplate(ctx context.Context, ownerID int64, templateID int32, invTypes ...int) ([]gamedb.InventoryItem, error)
	CharactersByNames(ctx context.Context, names []string) (map[string]gamedb.Character, error)
}

// Engine is the marketplace transaction engine.
type Engine struct {
	cfg   config.MarketplaceConfig
	store *registry.Store
	dbs   map[string]GameDB // keyed by server name
	pool  rcon.Executor
	chat  chat.Transport
	msgs  *lang.Catalog
	locks userLocks
	log   *zap.Logger

	// wait is ctx-aware sleep, replaceable in tests so sync delays don't
	// slow the suite.
	wait func(ctx context.Context, d time.Duration)
}

func NewEngine(cfg config.MarketplaceConfig, store *registry.Store, dbs map[string]GameDB,
	pool rcon.Executor, transport chat.Transport, msgs *lang.Catalog, log *zap.Logger) *Engine {
	return &Engine{
		cfg:   cfg,
		store: store,
		dbs:   dbs,
		pool:  pool,
		chat:  transport,
		msgs:  msgs,
		locks: userLocks{m: make(map[int64]*sync.Mutex)},
		log:   log,
		wait: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// userLocks serializes inventory-mutating flows per chat user so two
// concurrent command lines from the same speaker cannot race on a slot.
type userLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func (l *userLocks) lock(chatID int64) func() {
	l.mu.Lock()
	m, ok := l.m[chatID]
	if !ok {
		m = &sync.Mutex{}
		l.m[chatID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// speakerIdentity is the resolved in-game speaker of a command line.
type speakerIdentity struct {
	CharID     int64
	CharName   string
	PlatformID string
	ChatID     int64
}

// resolveSpeaker maps a character name to its chat binding. ok is false
// when the character is unknown or unregistered.
func (e *Engine) resolveSpeaker(ctx context.Context, server, speaker string) (speakerIdentity, bool, error) {
	db, ok := e.dbs[server]
	if !ok {
		return speakerIdentity{}, false, fmt.Errorf("unknown server %q", server)
	}
	chars, err := db.CharactersByNames(ctx, []string{speaker})
	if err != nil {
		return speakerIdentity{}, false, err
	}
	c, ok := chars[speaker]
	if !ok || c.PlatformID == "" {
		return speakerIdentity{}, false, nil
	}
	chatID, bound, err := e.store.ChatIDFor(ctx, c.PlatformID)
	if err != nil {
		return speakerIdentity{}, false, err
	}
	if !bound {
		return speakerIdentity{}, false, nil
	}
	return speakerIdentity{
		CharID:     c.ID,
		CharName:   speaker,
		PlatformID: c.PlatformID,
		ChatID:     chatID,
	}, true, nil
}

func (e *Engine) dm(ctx context.Context, chatID int64, key string, args ...any) {
	if err := e.chat.SendDM(ctx, chatID, e.msgs.Get(key, args...)); err != nil {
		e.log.Warn("dm failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// Command renderers. Every player-targeted command is prefixed with the
// resolved session index by the safe-command layer.

func cmdSetIntStat(slot int64, prop uint32, value uint32, invType int) rcon.CommandTemplate {
	return func(idx int) string {
		return rcon.Con(idx, fmt.Sprintf("SetInventoryItemIntStat %d %d %d %d", slot, prop, value, invType))
	}
}

func cmdSetFloatStat(slot int64, prop uint32, value float32, invType int) rcon.CommandTemplate {
	return func(idx int) string {
		return rcon.Con(idx, fmt.Sprintf("SetInventoryItemFloatStat %d %d %v %d", slot, prop, value, invType))
	}
}

func cmdSpawnItem(templateID int32, quantity int64) rcon.CommandTemplate {
	return func(idx int) string {
		return rcon.Con(idx, fmt.Sprintf("SpawnItem %d %d", templateID, quantity))
	}
}

// Deposit handles `!deposit <slot>`: destroy the currency stack in-game,
// then credit the wallet. The RCON zeroing must succeed before any money
// appears — a failed deposit creates nothing.
func (e *Engine) Deposit(ctx context.Context, server, speaker string, slot int64) {
	sp, ok, err := e.resolveSpeaker(ctx, server, speaker)
	if err != nil {
		e.log.Error("deposit: resolve speaker", zap.String("char", speaker), zap.Error(err))
		return
	}
	if !ok {
		return // unregistered players get no marketplace surface
	}
	unlock := e.locks.lock(sp.ChatID)
	defer unlock()

	e.dm(ctx, sp.ChatID, "market.deposit_ack", slot)
	// Let the game flush live session state to its DB.
	e.wait(ctx, e.cfg.SyncWait)

	row, err := e.dbs[server].ItemAt(ctx, sp.CharID, slot, gamedb.InvBackpack)
	if err != nil {
		e.log.Error("deposit: read slot", zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.must_be_online")
		return
	}
	if row == nil {
		e.dm(ctx, sp.ChatID, "market.deposit_empty", slot)
		return
	}
	if row.TemplateID != e.cfg.CurrencyItemID {
		e.dm(ctx, sp.ChatID, "market.deposit_wrong", slot, e.cfg.CurrencyName)
		return
	}

	_, dna, err := item.ParseBlob(row.Data)
	if err != nil {
		e.log.Error("deposit: parse blob", zap.String("char", speaker), zap.Error(err))
		return
	}
	quantity := int64(dna.StackQuantity())
	if quantity <= 0 {
		e.dm(ctx, sp.ChatID, "market.deposit_empty", slot)
		return
	}

	// Zero the stack first. Only a confirmed destruction backs new money.
	_, err = e.pool.Safe(ctx, server, speaker,
		cmdSetIntStat(slot, item.PropStackQuantity, 0, gamedb.InvBackpack))
	if err != nil {
		e.log.Warn("deposit: zero stack failed", zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.must_be_online")
		return
	}

	if err := e.store.AddBalance(ctx, sp.ChatID, quantity); err != nil {
		// Item destroyed but credit failed: journal it loudly for the
		// operator instead of silently eating the player's stack.
		e.log.Error("deposit: credit failed after destroy",
			zap.Int64("chat_id", sp.ChatID), zap.Int64("quantity", quantity), zap.Error(err))
		e.audit(ctx, sp.ChatID, AuditCompensation,
			fmt.Sprintf("deposit credit failed: %d of item %d", quantity, row.TemplateID))
		return
	}
	e.audit(ctx, sp.ChatID, AuditDeposit,
		fmt.Sprintf("%d of item %d", quantity, row.TemplateID))

	balance, _ := e.store.Balance(ctx, sp.ChatID)
	e.dm(ctx, sp.ChatID, "market.deposit_ok", quantity, e.cfg.CurrencyName, balance)
}

// Withdraw handles `!withdraw <amount>` with the strict two-phase
// protocol: debit-and-journal first, spawn second, and never an automatic
// refund — the item may have spawned even when the transport reported
// failure, and a naive refund would duplicate currency.
func (e *Engine) Withdraw(ctx context.Context, server, speaker string, amount int64) {
	sp, ok, err := e.resolveSpeaker(ctx, server, speaker)
	if err != nil {
		e.log.Error("withdraw: resolve speaker", zap.String("char", speaker), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if amount < 1 || amount > 65535 {
		e.dm(ctx, sp.ChatID, "market.bad_amount")
		return
	}
	unlock := e.locks.lock(sp.ChatID)
	defer unlock()

	txID, err := e.store.OpenWithdrawal(ctx, sp.ChatID, amount, speaker, server)
	if err == registry.ErrInsufficientFunds {
		balance, _ := e.store.Balance(ctx, sp.ChatID)
		e.dm(ctx, sp.ChatID, "market.no_funds", balance)
		return
	}
	if err != nil {
		e.log.Error("withdraw: open", zap.Int64("chat_id", sp.ChatID), zap.Error(err))
		return
	}

	_, err = e.pool.Safe(ctx, server, speaker, cmdSpawnItem(e.cfg.CurrencyItemID, amount))
	if err != nil {
		// Wallet stays debited; the journal row is the operator's
		// reconciliation task.
		if cerr := e.store.CloseWithdrawal(ctx, txID, registry.WithdrawErrorReview); cerr != nil {
			e.log.Error("withdraw: close review", zap.Int64("tx", txID), zap.Error(cerr))
		}
		e.log.Warn("withdraw: spawn failed, pending review",
			zap.Int64("tx", txID), zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.withdraw_review", txID)
		return
	}

	if err := e.store.CloseWithdrawal(ctx, txID, registry.WithdrawCompleted); err != nil {
		e.log.Error("withdraw: close completed", zap.Int64("tx", txID), zap.Error(err))
	}
	e.audit(ctx, sp.ChatID, AuditWithdraw,
		fmt.Sprintf("tx %d: %d %s to %s on %s", txID, amount, e.cfg.CurrencyName, speaker, server))

	balance, _ := e.store.Balance(ctx, sp.ChatID)
	e.dm(ctx, sp.ChatID, "market.withdraw_ok", amount, e.cfg.CurrencyName, balance)
}

// Balance handles `!balance`.
func (e *Engine) Balance(ctx context.Context, server, speaker string) {
	sp, ok, err := e.resolveSpeaker(ctx, server, speaker)
	if err != nil || !ok {
		return
	}
	balance, err := e.store.Balance(ctx, sp.ChatID)
	if err != nil {
		e.log.Error("balance", zap.Int64("chat_id", sp.ChatID), zap.Error(err))
		return
	}
	e.dm(ctx, sp.ChatID, "market.balance", balance, e.cfg.CurrencyName)
}

// Help handles `!markethelp`.
func (e *Engine) Help(ctx context.Context, server, speaker string) {
	sp, ok, err := e.resolveSpeaker(ctx, server, speaker)
	if err != nil || !ok {
		return
	}
	e.dm(ctx, sp.ChatID, "market.help")
}

// ListMarket handles `!market`: the first page of active listings.
func (e *Engine) ListMarket(ctx context.Context, server, speaker string) {
	sp, ok, err := e.resolveSpeaker(ctx, server, speaker)
	if err != nil || !ok {
		return
	}
	listings, err := e.store.ActiveListings(ctx, 15)
	if err != nil {
		e.log.Error("list market", zap.Error(err))
		return
	}
	if len(listings) == 0 {
		e.dm(ctx, sp.ChatID, "market.empty")
		return
	}
	text := ""
	for _, l := range listings {
		text += e.msgs.Get("market.listing_line", l.ID, l.TemplateID, l.Price, e.cfg.CurrencyName) + "\n"
	}
	if err := e.chat.SendDM(ctx, sp.ChatID, text); err != nil {
		e.log.Warn("dm failed", zap.Int64("chat_id", sp.ChatID), zap.Error(err))
	}
}

// Grant is the operator escape hatch: credit a wallet outside the deposit
// flow, always with an audit row.
func (e *Engine) Grant(ctx context.Context, chatID, amount int64, reason string) error {
	if err := e.store.AddBalance(ctx, chatID, amount); err != nil {
		return err
	}
	e.audit(ctx, chatID, AuditAdminGrant, fmt.Sprintf("%d: %s", amount, reason))
	return nil
}

func (e *Engine) audit(ctx context.Context, chatID int64, action, details string) {
	if err := e.store.AppendAudit(ctx, chatID, action, details); err != nil {
		e.log.Error("audit append failed",
			zap.Int64("chat_id", chatID), zap.String("action", action), zap.Error(err))
	}
}

// markNonce is the per-attempt verification value for the sell protocol.
func markNonce() uint32 {
	for {
		if v := rand.Uint32(); v != 0 {
			return v
		}
	}
}
