// Package register holds the in-memory side of the registration
// handshake: short random codes minted in chat, absorbed from game logs,
// and consumed by the status loop.
package register

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// codeTTL is how long a minted code stays claimable.
const codeTTL = 10 * time.Minute

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const codeLen = 6

// Pending is one in-flight registration.
type Pending struct {
	Code      string
	ChatID    int64
	ExpiresAt time.Time
	CharName  string // observed from logs, empty until absorbed
	Server    string
}

// Book owns the pending-registration map. All access goes through its
// lock; nothing else holds this state.
type Book struct {
	mu     sync.Mutex
	byCode map[string]*Pending
	log    *zap.Logger
}

func NewBook(log *zap.Logger) *Book {
	return &Book{byCode: make(map[string]*Pending), log: log}
}

// Mint creates a fresh code for a chat user. A user re-minting replaces
// their previous code.
func (b *Book) Mint(chatID int64) (string, error) {
	buf := make([]byte, codeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint registration code: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	code := string(buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	for c, p := range b.byCode {
		if p.ChatID == chatID {
			delete(b.byCode, c)
		}
	}
	b.byCode[code] = &Pending{Code: code, ChatID: chatID, ExpiresAt: time.Now().Add(codeTTL)}
	return code, nil
}

// Absorb records the character name seen next to a code in the game log.
// Returns false for unknown or expired codes.
func (b *Book) Absorb(code, charName, server string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byCode[code]
	if !ok || time.Now().After(p.ExpiresAt) {
		return false
	}
	p.CharName = charName
	p.Server = server
	return true
}

// ByCharName finds an absorbed entry waiting for this character to show
// up in the live player list.
func (b *Book) ByCharName(charName, server string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.byCode {
		if p.CharName == charName && p.Server == server && time.Now().Before(p.ExpiresAt) {
			return *p, true
		}
	}
	return Pending{}, false
}

// Remove discards a consumed entry.
func (b *Book) Remove(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byCode, code)
}

// Sweep drops expired entries. Called once per status tick.
func (b *Book) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for code, p := range b.byCode {
		if now.After(p.ExpiresAt) {
			b.log.Debug("registration code expired", zap.Int64("chat_id", p.ChatID))
			delete(b.byCode, code)
		}
	}
}
