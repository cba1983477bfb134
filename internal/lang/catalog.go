// Package lang loads the user-facing message catalog. Messages are keyed
// one-liners; the chat transport never sees anything longer.
package lang

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Catalog maps message keys to printf-style templates.
type Catalog struct {
	messages map[string]string
}

// Load reads data/messages/<language>.yaml. A missing file is fatal at
// boot; a missing key at runtime falls back to the key itself so a typo
// never swallows a user notification.
func Load(dir, language string) (*Catalog, error) {
	path := filepath.Join(dir, language+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message catalog %s: %w", path, err)
	}
	var messages map[string]string
	if err := yaml.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("parse message catalog %s: %w", path, err)
	}
	return &Catalog{messages: messages}, nil
}

// Get renders the message for key with args.
func (c *Catalog) Get(key string, args ...any) string {
	tmpl, ok := c.messages[key]
	if !ok {
		return key
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

// Builtin returns the default English catalog, used when no catalog
// directory is configured and by tests.
func Builtin() *Catalog {
	return &Catalog{messages: map[string]string{
		"market.must_be_online":   "Your character must be online for that.",
		"market.deposit_ack":      "Checking slot %d, hold on...",
		"market.deposit_ok":       "Deposited %d %s. New balance: %d.",
		"market.deposit_wrong":    "Slot %d does not hold %s.",
		"market.deposit_empty":    "Slot %d is empty.",
		"market.withdraw_ok":      "Withdrew %d %s. New balance: %d.",
		"market.withdraw_review":  "Withdrawal #%d could not be confirmed and is pending manual review.",
		"market.no_funds":         "Insufficient funds: balance is %d.",
		"market.bad_amount":       "Amount must be between 1 and 65535.",
		"market.bad_price":        "Price must be between 1 and 65535.",
		"market.sell_ack":         "Verifying the item in slot %d...",
		"market.sell_ok":          "Listed item %d for %d %s (listing #%d).",
		"market.sell_verify_fail": "Could not verify the item in slot %d. Nothing was taken.",
		"market.buy_sold":         "Listing is no longer available.",
		"market.buy_self":         "You cannot buy your own listing.",
		"market.buy_collision":    "Store your existing stack of that item first.",
		"market.buy_ok":           "Bought listing #%d for %d %s.",
		"market.buy_lost_item":    "Purchase #%d completed but the item could not be located. Contact an operator.",
		"market.buy_refunded":     "Purchase failed, your %d %s were refunded.",
		"market.balance":          "Balance: %d %s.",
		"market.help":             "Commands: !deposit <slot>, !sell <slot> <price>, !buy <id>, !withdraw <amount>, !balance, !market.",
		"market.listing_line":     "#%d: item %d for %d %s",
		"market.empty":            "No active listings.",
		"warp.unknown":            "Unknown warp location %q.",
		"warp.cooldown":           "Warp available again in %d minutes.",
		"warp.done":               "Warped to %s.",
		"home.none":               "No home set. Use !sethome first.",
		"home.set":                "Home saved.",
		"register.dm":             "Your registration code: %s. Type !register %s in game chat within 10 minutes.",
		"register.done":           "Character %s on %s is now linked to your account.",
		"grant.usage":             "Usage: /grant <chat_id> <amount> [reason].",
		"grant.ok":                "Granted %d to user %d.",
	}}
}
