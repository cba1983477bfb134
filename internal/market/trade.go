package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/l1jgo/warden/internal/gamedb"
	"github.com/l1jgo/warden/internal/item"
	"github.com/l1jgo/warden/internal/rcon"
	"github.com/l1jgo/warden/internal/registry"
	"go.uber.org/zap"
)

// Sell handles `!sell <slot> <price>` with the mark-verify-delete
// protocol. The game DB is eventually consistent with the live session, so
// a naive read-then-delete would let a player swap the slot's item during
// the sync window and sell something other than what was read. Instead:
// mark the live item with a nonce, re-read until the DB shows the mark on
// the same template, and only then delete and list.
func (e *Engine) Sell(ctx context.Context, server, speaker string, slot, price int64) {
	sp, ok, err := e.resolveSpeaker(ctx, server, speaker)
	if err != nil {
		e.log.Error("sell: resolve speaker", zap.String("char", speaker), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if price < 1 || price > 65535 {
		e.dm(ctx, sp.ChatID, "market.bad_price")
		return
	}
	unlock := e.locks.lock(sp.ChatID)
	defer unlock()

	e.dm(ctx, sp.ChatID, "market.sell_ack", slot)
	e.wait(ctx, e.cfg.SyncWait)

	db := e.dbs[server]
	pre, err := db.ItemAt(ctx, sp.CharID, slot, gamedb.InvBackpack)
	if err != nil {
		e.log.Error("sell: pre-read", zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.must_be_online")
		return
	}
	if pre == nil {
		e.dm(ctx, sp.ChatID, "market.deposit_empty", slot)
		return
	}

	mark := markNonce()
	_, err = e.pool.Safe(ctx, server, speaker,
		cmdSetIntStat(slot, item.PropSellMark, mark, gamedb.InvBackpack))
	if err != nil {
		e.log.Warn("sell: mark failed", zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.sell_verify_fail", slot)
		return
	}

	e.wait(ctx, e.cfg.SyncWait)
	post, err := db.ItemAt(ctx, sp.CharID, slot, gamedb.InvBackpack)
	if err != nil {
		e.log.Error("sell: post-read", zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.sell_verify_fail", slot)
		return
	}
	if post == nil || post.TemplateID != pre.TemplateID {
		// Slot emptied or swapped during the window. Abort with no
		// inventory change.
		e.dm(ctx, sp.ChatID, "market.sell_verify_fail", slot)
		return
	}
	templateID, dna, err := item.ParseBlob(post.Data)
	if err != nil {
		e.log.Error("sell: parse blob", zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.sell_verify_fail", slot)
		return
	}
	if dna.IntStats[item.PropSellMark] != mark {
		e.dm(ctx, sp.ChatID, "market.sell_verify_fail", slot)
		return
	}

	// The verified DNA, minus per-instance identifiers that must never be
	// duplicated onto the buyer's copy.
	dna.StripInstanceProps()

	_, err = e.pool.Safe(ctx, server, speaker,
		cmdSetIntStat(slot, item.PropStackQuantity, 0, gamedb.InvBackpack))
	if err != nil {
		e.log.Warn("sell: delete failed", zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.sell_verify_fail", slot)
		return
	}

	listingID, err := e.store.CreateListing(ctx, sp.ChatID, templateID, dna, price)
	if err != nil {
		// Item destroyed but listing write failed. Same escalation as a
		// deposit credit failure: loud journal entry, no silent loss.
		e.log.Error("sell: create listing after delete",
			zap.Int64("chat_id", sp.ChatID), zap.Error(err))
		e.audit(ctx, sp.ChatID, AuditCompensation,
			fmt.Sprintf("sell listing write failed: item %d price %d", templateID, price))
		return
	}
	e.audit(ctx, sp.ChatID, AuditSell,
		fmt.Sprintf("listing %d: item %d for %d", listingID, templateID, price))
	e.dm(ctx, sp.ChatID, "market.sell_ok", templateID, price, e.cfg.CurrencyName, listingID)
}

// allInvTypes covers every place a spawned item can land.
var allInvTypes = []int{
	gamedb.InvBackpack, gamedb.InvEquipped, gamedb.InvHotbar,
	gamedb.InvContainer, gamedb.InvFollower,
}

// Buy handles `!buy <listing_id>`: atomic registry purchase, compensated
// spawn, then DNA injection into the located item.
func (e *Engine) Buy(ctx context.Context, server, speaker string, listingID int64) {
	sp, ok, err := e.resolveSpeaker(ctx, server, speaker)
	if err != nil {
		e.log.Error("buy: resolve speaker", zap.String("char", speaker), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	unlock := e.locks.lock(sp.ChatID)
	defer unlock()

	db := e.dbs[server]

	peek, err := e.store.Listing(ctx, listingID)
	if err != nil {
		e.dm(ctx, sp.ChatID, "market.buy_sold")
		return
	}
	if peek.Status != registry.ListingActive {
		e.dm(ctx, sp.ChatID, "market.buy_sold")
		return
	}
	if peek.SellerChatID == sp.ChatID {
		e.dm(ctx, sp.ChatID, "market.buy_self")
		return
	}

	// The game merges stacks of the same template, which would destroy
	// the injected DNA. Reject while a stack sits in backpack or hotbar.
	existing, err := db.ItemsByTemplate(ctx, sp.CharID, peek.TemplateID,
		gamedb.InvBackpack, gamedb.InvHotbar)
	if err != nil {
		e.log.Error("buy: collision check", zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.must_be_online")
		return
	}
	if len(existing) > 0 {
		e.dm(ctx, sp.ChatID, "market.buy_collision")
		return
	}

	// Snapshot the rows at this template before spawning, across every
	// inventory type, so the new row can be diffed out afterwards.
	before, err := db.ItemsByTemplate(ctx, sp.CharID, peek.TemplateID, allInvTypes...)
	if err != nil {
		e.log.Error("buy: before snapshot", zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.must_be_online")
		return
	}
	beforeSet := make(map[[2]int64]bool, len(before))
	for _, it := range before {
		beforeSet[[2]int64{it.SlotID, int64(it.InvType)}] = true
	}

	listing, err := e.store.ExecutePurchase(ctx, sp.ChatID, listingID)
	switch {
	case errors.Is(err, registry.ErrInsufficientFunds):
		balance, _ := e.store.Balance(ctx, sp.ChatID)
		e.dm(ctx, sp.ChatID, "market.no_funds", balance)
		return
	case errors.Is(err, registry.ErrListingNotActive):
		e.dm(ctx, sp.ChatID, "market.buy_sold")
		return
	case errors.Is(err, registry.ErrSelfPurchase):
		e.dm(ctx, sp.ChatID, "market.buy_self")
		return
	case err != nil:
		e.log.Error("buy: purchase", zap.Int64("listing", listingID), zap.Error(err))
		return
	}

	_, err = e.pool.Safe(ctx, server, speaker, cmdSpawnItem(listing.TemplateID, 1))
	if err != nil {
		// The spawn definitively did not happen, so reversing the three
		// registry mutations in one transaction is safe.
		if rerr := e.store.ReversePurchase(ctx, sp.ChatID, listing); rerr != nil {
			e.log.Error("buy: compensation failed",
				zap.Int64("listing", listingID), zap.Error(rerr))
			e.audit(ctx, sp.ChatID, AuditCompensation,
				fmt.Sprintf("buy reversal failed: listing %d", listingID))
			return
		}
		e.log.Warn("buy: spawn failed, purchase reversed",
			zap.Int64("listing", listingID), zap.String("char", speaker), zap.Error(err))
		e.dm(ctx, sp.ChatID, "market.buy_refunded", listing.Price, e.cfg.CurrencyName)
		return
	}

	slot, invType, found, fresh := e.locateSpawned(ctx, db, sp.CharID, listing.TemplateID, beforeSet)
	if !found {
		// The item may exist but be mis-indexed; a refund here could
		// duplicate it. Warn with the listing id for manual resolution.
		e.log.Warn("buy: spawned item not located",
			zap.Int64("listing", listingID), zap.String("char", speaker))
		e.dm(ctx, sp.ChatID, "market.buy_lost_item", listingID)
		return
	}
	if !fresh {
		// Any-row fallback: never inject DNA into a stack that predates
		// the spawn.
		e.log.Warn("buy: only pre-existing row found, skipping dna injection",
			zap.Int64("listing", listingID), zap.String("char", speaker))
		e.dm(ctx, sp.ChatID, "market.buy_lost_item", listingID)
		return
	}

	dna := listing.DNA
	dna.StripInstanceProps()
	var batch []rcon.CommandTemplate
	for prop, val := range dna.IntStats {
		batch = append(batch, cmdSetIntStat(slot, prop, val, invType))
	}
	for prop, val := range dna.FloatStats {
		batch = append(batch, cmdSetFloatStat(slot, prop, val, invType))
	}
	if len(batch) > 0 {
		if err := e.pool.SafeBatch(ctx, server, speaker, batch); err != nil {
			e.log.Warn("buy: dna injection failed",
				zap.Int64("listing", listingID), zap.String("char", speaker), zap.Error(err))
			e.dm(ctx, sp.ChatID, "market.buy_lost_item", listingID)
			return
		}
	}

	e.audit(ctx, sp.ChatID, AuditBuy,
		fmt.Sprintf("listing %d: item %d for %d", listingID, listing.TemplateID, listing.Price))
	e.dm(ctx, sp.ChatID, "market.buy_ok", listingID, listing.Price, e.cfg.CurrencyName)
}

// locateSpawned polls the inventory for a row at the template that was
// not in the before set. After the retries are exhausted it falls back to
// any row at the template, reported as not fresh.
func (e *Engine) locateSpawned(ctx context.Context, db GameDB, charID int64, templateID int32,
	beforeSet map[[2]int64]bool) (slot int64, invType int, found, fresh bool) {

	var any *gamedb.InventoryItem
	for attempt := 0; attempt < e.cfg.SpawnPollTries; attempt++ {
		e.wait(ctx, e.cfg.SpawnPollDelay)
		rows, err := db.ItemsByTemplate(ctx, charID, templateID, allInvTypes...)
		if err != nil {
			continue
		}
		for i := range rows {
			it := rows[i]
			if !beforeSet[[2]int64{it.SlotID, int64(it.InvType)}] {
				return it.SlotID, it.InvType, true, true
			}
			if any == nil {
				any = &rows[i]
			}
		}
	}
	if any != nil {
		return any.SlotID, any.InvType, true, false
	}
	return 0, 0, false, false
}
