package market

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/gamedb"
	"github.com/l1jgo/warden/internal/item"
	"github.com/l1jgo/warden/internal/lang"
	"github.com/l1jgo/warden/internal/rcon"
	"github.com/l1jgo/warden/internal/registry"
)

// fakeDB is an in-memory stand-in for the read-only game DB.
type fakeDB struct {
	mu    sync.Mutex
	chars map[string]gamedb.Character
	items map[[2]int64]gamedb.InventoryItem // (slot, invType) → row
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		chars: make(map[string]gamedb.Character),
		items: make(map[[2]int64]gamedb.InventoryItem),
	}
}

func (f *fakeDB) setItem(slot int64, invType int, templateID int32, dna item.DNA) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[[2]int64{slot, int64(invType)}] = gamedb.InventoryItem{
		OwnerID: 1, SlotID: slot, InvType: invType,
		TemplateID: templateID, Data: item.EncodeBlob(templateID, dna),
	}
}

func (f *fakeDB) ItemAt(_ context.Context, _ int64, slotID int64, invType int) (*gamedb.InventoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.items[[2]int64{slotID, int64(invType)}]
	if !ok {
		return nil, nil
	}
	cp := row
	return &cp, nil
}

func (f *fakeDB) ItemsByTemplate(_ context.Context, _ int64, templateID int32, invTypes ...int) ([]gamedb.InventoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gamedb.InventoryItem
	for _, row := range f.items {
		if row.TemplateID != templateID {
			continue
		}
		for _, t := range invTypes {
			if row.InvType == t {
				out = append(out, row)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDB) CharactersByNames(_ context.Context, names []string) (map[string]gamedb.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]gamedb.Character)
	for _, n := range names {
		if c, ok := f.chars[n]; ok {
			out[n] = c
		}
	}
	return out, nil
}

// fakeExec renders safe commands at a fixed session index and, by
// default, mirrors their effect into the fake game DB the way the live
// server eventually would.
type fakeExec struct {
	mu       sync.Mutex
	cmds     []string
	failSafe func(cmd string) error // non-nil return fails the command
	db       *fakeDB
	mirror   bool // apply item mutations to db
}

func (f *fakeExec) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func (f *fakeExec) Raw(_ context.Context, _, cmd string) (string, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	return "", nil
}

func (f *fakeExec) ListPlayers(context.Context, string, bool) (string, error) {
	return "", nil
}

func (f *fakeExec) Safe(_ context.Context, _, _ string, tmpl rcon.CommandTemplate) (string, error) {
	cmd := tmpl(3)
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	fail := f.failSafe
	f.mu.Unlock()
	if fail != nil {
		if err := fail(cmd); err != nil {
			return "", err
		}
	}
	if f.mirror {
		f.apply(cmd)
	}
	return "ok", nil
}

func (f *fakeExec) SafeBatch(ctx context.Context, server, charName string, tmpls []rcon.CommandTemplate) error {
	for _, tmpl := range tmpls {
		if _, err := f.Safe(ctx, server, charName, tmpl); err != nil {
			return err
		}
	}
	return nil
}

// apply mimics the game applying a console command to inventory state.
func (f *fakeExec) apply(cmd string) {
	var idx, invType int
	var slot int64
	var prop, value uint32
	if n, _ := fmt.Sscanf(cmd, "con %d SetInventoryItemIntStat %d %d %d %d",
		&idx, &slot, &prop, &value, &invType); n == 5 {
		f.db.mu.Lock()
		defer f.db.mu.Unlock()
		key := [2]int64{slot, int64(invType)}
		row, ok := f.db.items[key]
		if !ok {
			return
		}
		tid, dna, err := item.ParseBlob(row.Data)
		if err != nil {
			return
		}
		dna.IntStats[prop] = value
		if prop == item.PropStackQuantity && value == 0 {
			delete(f.db.items, key)
			return
		}
		row.Data = item.EncodeBlob(tid, dna)
		f.db.items[key] = row
		return
	}

	var templateID int32
	var qty int64
	if n, _ := fmt.Sscanf(cmd, "con %d SpawnItem %d %d", &idx, &templateID, &qty); n == 3 {
		f.db.mu.Lock()
		defer f.db.mu.Unlock()
		// Fresh spawns land in the first free backpack slot.
		for slot := int64(0); ; slot++ {
			key := [2]int64{slot, int64(gamedb.InvBackpack)}
			if _, taken := f.db.items[key]; taken {
				continue
			}
			f.db.items[key] = gamedb.InventoryItem{
				OwnerID: 1, SlotID: slot, InvType: gamedb.InvBackpack,
				TemplateID: templateID,
				Data: item.EncodeBlob(templateID, item.DNA{
					IntStats:   map[uint32]uint32{item.PropStackQuantity: uint32(qty)},
					FloatStats: map[uint32]float32{},
				}),
			}
			return
		}
	}
}

// fakeChat records DMs.
type fakeChat struct {
	mu  sync.Mutex
	dms map[int64][]string
}

func newFakeChat() *fakeChat { return &fakeChat{dms: make(map[int64][]string)} }

func (f *fakeChat) SendDM(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms[chatID] = append(f.dms[chatID], text)
	return nil
}
func (f *fakeChat) SendChannel(context.Context, string, string) error { return nil }
func (f *fakeChat) EditChannelMessage(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (f *fakeChat) AddRole(context.Context, int64, string) error      { return nil }
func (f *fakeChat) RemoveRole(context.Context, int64, string) error   { return nil }
func (f *fakeChat) MembersWithRole(context.Context, string) ([]int64, error) {
	return nil, nil
}

func (f *fakeChat) last(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.dms[chatID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type testRig struct {
	engine *Engine
	store  *registry.Store
	db     *fakeDB
	exec   *fakeExec
	chat   *fakeChat
}

const (
	currencyID = int32(1108)
	sellerChat = int64(100)
	buyerChat  = int64(200)
)

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	ctx := context.Background()

	store, err := registry.Open(ctx, filepath.Join(t.TempDir(), "registry.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db := newFakeDB()
	db.chars["Seller"] = gamedb.Character{ID: 1, Name: "Seller", PlatformID: "steam-seller"}
	db.chars["Buyer"] = gamedb.Character{ID: 1, Name: "Buyer", PlatformID: "steam-buyer"}
	db.chars["Stranger"] = gamedb.Character{ID: 2, Name: "Stranger", PlatformID: "steam-stranger"}
	require.NoError(t, store.BindIdentity(ctx, "steam-seller", sellerChat))
	require.NoError(t, store.BindIdentity(ctx, "steam-buyer", buyerChat))

	exec := &fakeExec{db: db, mirror: true}
	ch := newFakeChat()

	cfg := config.MarketplaceConfig{
		Enabled:        true,
		CurrencyItemID: currencyID,
		CurrencyName:   "coin",
		SyncWait:       time.Second,
		SpawnPollTries: 2,
		SpawnPollDelay: time.Second,
	}
	e := NewEngine(cfg, store, map[string]GameDB{"alpha": db}, exec, ch, lang.Builtin(), zap.NewNop())
	e.wait = func(context.Context, time.Duration) {} // no real sleeps in tests

	return &testRig{engine: e, store: store, db: db, exec: exec, chat: ch}
}

func currencyStack(qty uint32) item.DNA {
	return item.DNA{
		IntStats:   map[uint32]uint32{item.PropStackQuantity: qty},
		FloatStats: map[uint32]float32{},
	}
}

func TestDepositCreditsAfterDestroy(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.db.setItem(3, gamedb.InvBackpack, currencyID, currencyStack(25))

	rig.engine.Deposit(ctx, "alpha", "Seller", 3)

	balance, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Equal(t, int64(25), balance)

	// The stack was zeroed in-game.
	row, err := rig.db.ItemAt(ctx, 1, 3, gamedb.InvBackpack)
	require.NoError(t, err)
	require.Nil(t, row)
	require.Contains(t, rig.exec.sent(), fmt.Sprintf("con 3 SetInventoryItemIntStat 3 %d 0 0", item.PropStackQuantity))
}

func TestDepositRejectsWrongItem(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.db.setItem(3, gamedb.InvBackpack, 777, currencyStack(25))

	rig.engine.Deposit(ctx, "alpha", "Seller", 3)

	balance, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Zero(t, balance)
	// No destructive command went out.
	for _, cmd := range rig.exec.sent() {
		require.NotContains(t, cmd, "SetInventoryItemIntStat")
	}
}

func TestDepositUnregisteredIsSilent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.db.setItem(3, gamedb.InvBackpack, currencyID, currencyStack(25))

	rig.engine.Deposit(ctx, "alpha", "Stranger", 3)

	require.Empty(t, rig.exec.sent())
	require.Empty(t, rig.chat.dms, "unregistered players get no marketplace surface")
}

func TestDepositRconFailureCreatesNoMoney(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.db.setItem(3, gamedb.InvBackpack, currencyID, currencyStack(25))
	rig.exec.failSafe = func(cmd string) error {
		if strings.Contains(cmd, "SetInventoryItemIntStat") {
			return errors.New("transport down")
		}
		return nil
	}

	rig.engine.Deposit(ctx, "alpha", "Seller", 3)

	balance, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Zero(t, balance, "a failed destroy must never back new money")
}

func TestWithdrawHappyPath(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	require.NoError(t, rig.store.AddBalance(ctx, sellerChat, 100))

	rig.engine.Withdraw(ctx, "alpha", "Seller", 40)

	balance, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Equal(t, int64(60), balance)
	require.Contains(t, rig.exec.sent(), fmt.Sprintf("con 3 SpawnItem %d 40", currencyID))

	w, err := rig.store.Withdrawal(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, registry.WithdrawCompleted, w.Status)
}

func TestWithdrawSpawnFailureHoldsForReview(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	require.NoError(t, rig.store.AddBalance(ctx, sellerChat, 100))
	rig.exec.failSafe = func(cmd string) error {
		if strings.Contains(cmd, "SpawnItem") {
			return errors.New("transport down")
		}
		return nil
	}

	rig.engine.Withdraw(ctx, "alpha", "Seller", 40)

	// The item may have spawned anyway; nothing is refunded automatically.
	balance, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Equal(t, int64(60), balance)

	w, err := rig.store.Withdrawal(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, registry.WithdrawErrorReview, w.Status)
	require.Contains(t, rig.chat.last(sellerChat), "1", "the review DM carries the tx id")
}

func TestWithdrawRejectsBadAmounts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	require.NoError(t, rig.store.AddBalance(ctx, sellerChat, 100))

	rig.engine.Withdraw(ctx, "alpha", "Seller", 0)
	rig.engine.Withdraw(ctx, "alpha", "Seller", -5)
	rig.engine.Withdraw(ctx, "alpha", "Seller", 70000)

	balance, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
	require.Empty(t, rig.exec.sent())
}

func TestSellMarkVerifyDelete(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	dna := item.DNA{
		IntStats: map[uint32]uint32{
			item.PropStackQuantity: 1,
			item.PropInstanceGUID:  0xABCD,
			7:                      42,
		},
		FloatStats: map[uint32]float32{30: 1.5},
	}
	rig.db.setItem(5, gamedb.InvBackpack, 9001, dna)

	rig.engine.Sell(ctx, "alpha", "Seller", 5, 150)

	// The item is gone from the game and on the market.
	row, err := rig.db.ItemAt(ctx, 1, 5, gamedb.InvBackpack)
	require.NoError(t, err)
	require.Nil(t, row)

	listings, err := rig.store.ActiveListings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	l := listings[0]
	require.Equal(t, int32(9001), l.TemplateID)
	require.Equal(t, int64(150), l.Price)
	require.Equal(t, sellerChat, l.SellerChatID)
	require.Equal(t, uint32(42), l.DNA.IntStats[7])
	require.Equal(t, float32(1.5), l.DNA.FloatStats[30])
	require.NotContains(t, l.DNA.IntStats, item.PropInstanceGUID,
		"per-instance properties must not survive into the listing")
	require.NotContains(t, l.DNA.IntStats, item.PropSellMark)
}

func TestSellAbortsWhenMarkNotVerified(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.db.setItem(5, gamedb.InvBackpack, 9001, currencyStack(1))
	// The mark command "succeeds" on the wire but never shows up in the
	// DB — the swap window.
	rig.exec.mirror = false

	rig.engine.Sell(ctx, "alpha", "Seller", 5, 150)

	listings, err := rig.store.ActiveListings(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, listings)

	// And no delete was attempted.
	for _, cmd := range rig.exec.sent() {
		require.NotContains(t, cmd, fmt.Sprintf("SetInventoryItemIntStat 5 %d 0", item.PropStackQuantity))
	}
	row, err := rig.db.ItemAt(ctx, 1, 5, gamedb.InvBackpack)
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestSellAbortsWhenSlotSwapped(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.db.setItem(5, gamedb.InvBackpack, 9001, currencyStack(1))
	// The player swaps the slot's item during the sync window, so the
	// mark lands on a different template than the pre-read saw.
	rig.exec.failSafe = func(cmd string) error {
		if strings.Contains(cmd, fmt.Sprintf("SetInventoryItemIntStat 5 %d", item.PropSellMark)) {
			rig.db.setItem(5, gamedb.InvBackpack, 777, currencyStack(1))
		}
		return nil
	}

	rig.engine.Sell(ctx, "alpha", "Seller", 5, 150)

	listings, err := rig.store.ActiveListings(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, listings, "a swapped slot must never be listed")

	// No delete went out; the swapped item survives untouched.
	for _, cmd := range rig.exec.sent() {
		require.NotContains(t, cmd, fmt.Sprintf("SetInventoryItemIntStat 5 %d 0", item.PropStackQuantity))
	}
	row, err := rig.db.ItemAt(ctx, 1, 5, gamedb.InvBackpack)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, int32(777), row.TemplateID)
}

func TestSellRejectsBadPrice(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.db.setItem(5, gamedb.InvBackpack, 9001, currencyStack(1))

	rig.engine.Sell(ctx, "alpha", "Seller", 5, 0)
	rig.engine.Sell(ctx, "alpha", "Seller", 5, 70000)

	require.Empty(t, rig.exec.sent())
}

func sellListing(t *testing.T, rig *testRig, dna item.DNA, price int64) int64 {
	t.Helper()
	id, err := rig.store.CreateListing(context.Background(), sellerChat, 9001, dna, price)
	require.NoError(t, err)
	return id
}

func TestBuyHappyPathInjectsDNA(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	dna := item.DNA{
		IntStats:   map[uint32]uint32{item.PropStackQuantity: 1, 7: 42},
		FloatStats: map[uint32]float32{30: 1.5},
	}
	id := sellListing(t, rig, dna, 250)
	require.NoError(t, rig.store.AddBalance(ctx, buyerChat, 400))

	rig.engine.Buy(ctx, "alpha", "Buyer", id)

	buyerBal, err := rig.store.Balance(ctx, buyerChat)
	require.NoError(t, err)
	sellerBal, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Equal(t, int64(150), buyerBal)
	require.Equal(t, int64(250), sellerBal)

	sent := rig.exec.sent()
	require.Contains(t, sent, "con 3 SpawnItem 9001 1")
	// The stat batch targeted the freshly spawned row.
	var injected int
	for _, cmd := range sent {
		if strings.Contains(cmd, "SetInventoryItemIntStat") || strings.Contains(cmd, "SetInventoryItemFloatStat") {
			injected++
		}
	}
	require.Equal(t, len(dna.IntStats)+len(dna.FloatStats), injected)

	l, err := rig.store.Listing(ctx, id)
	require.NoError(t, err)
	require.Equal(t, registry.ListingSold, l.Status)
}

func TestBuySpawnFailureReversesPurchase(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	id := sellListing(t, rig, currencyStack(1), 250)
	require.NoError(t, rig.store.AddBalance(ctx, buyerChat, 400))
	rig.exec.failSafe = func(cmd string) error {
		if strings.Contains(cmd, "SpawnItem") {
			return errors.New("transport down")
		}
		return nil
	}

	rig.engine.Buy(ctx, "alpha", "Buyer", id)

	buyerBal, err := rig.store.Balance(ctx, buyerChat)
	require.NoError(t, err)
	sellerBal, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Equal(t, int64(400), buyerBal, "spawn definitively failed, so the refund is safe")
	require.Zero(t, sellerBal)

	l, err := rig.store.Listing(ctx, id)
	require.NoError(t, err)
	require.Equal(t, registry.ListingActive, l.Status, "the listing goes back on the market")
}

func TestBuyRejectsStackCollision(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	id := sellListing(t, rig, currencyStack(1), 250)
	require.NoError(t, rig.store.AddBalance(ctx, buyerChat, 400))
	// A stack of the same template in the hotbar would merge with the
	// spawn and destroy the injected stats.
	rig.db.setItem(2, gamedb.InvHotbar, 9001, currencyStack(5))

	rig.engine.Buy(ctx, "alpha", "Buyer", id)

	buyerBal, err := rig.store.Balance(ctx, buyerChat)
	require.NoError(t, err)
	require.Equal(t, int64(400), buyerBal)
	l, err := rig.store.Listing(ctx, id)
	require.NoError(t, err)
	require.Equal(t, registry.ListingActive, l.Status)
	require.Empty(t, rig.exec.sent())
}

func TestBuySelfPurchaseRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	id := sellListing(t, rig, currencyStack(1), 250)
	require.NoError(t, rig.store.AddBalance(ctx, sellerChat, 400))

	rig.engine.Buy(ctx, "alpha", "Seller", id)

	l, err := rig.store.Listing(ctx, id)
	require.NoError(t, err)
	require.Equal(t, registry.ListingActive, l.Status)
	require.Empty(t, rig.exec.sent())
}

func TestGrantCreditsWallet(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.engine.Grant(ctx, sellerChat, 500, "event prize"))

	balance, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)
}

func TestBuyPreExistingRowFallbackSkipsInjection(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	id := sellListing(t, rig, item.DNA{
		IntStats:   map[uint32]uint32{item.PropStackQuantity: 1, 7: 42},
		FloatStats: map[uint32]float32{},
	}, 250)
	require.NoError(t, rig.store.AddBalance(ctx, buyerChat, 400))
	// A same-template row in a container: not a merge risk, but present
	// in the before snapshot.
	rig.db.setItem(4, gamedb.InvContainer, 9001, currencyStack(1))
	// The spawn succeeds on the wire but never materializes in the DB.
	rig.exec.mirror = false

	rig.engine.Buy(ctx, "alpha", "Buyer", id)

	// Money moved — the purchase stands, only the stat injection is
	// withheld from the stale row.
	sellerBal, err := rig.store.Balance(ctx, sellerChat)
	require.NoError(t, err)
	require.Equal(t, int64(250), sellerBal)

	for _, cmd := range rig.exec.sent() {
		require.NotContains(t, cmd, "SetInventoryItemIntStat",
			"pre-existing rows must never receive listing stats")
	}
	require.Contains(t, rig.chat.last(buyerChat), fmt.Sprint(id))
}
