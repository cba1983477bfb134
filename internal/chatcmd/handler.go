// Package chatcmd dispatches inbound chat commands: the chat-side half
// of the registration handshake, plus operator wallet grants. The game
// side of command handling lives in internal/router.
package chatcmd

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/lang"
	"github.com/l1jgo/warden/internal/register"
)

// Granter is the market-engine slice the grant command needs.
type Granter interface {
	Grant(ctx context.Context, chatID, amount int64, reason string) error
}

type Handler struct {
	book      *register.Book
	granter   Granter
	chat      chat.Transport
	msgs      *lang.Catalog
	operators map[int64]bool
	log       *zap.Logger
}

func NewHandler(book *register.Book, granter Granter, transport chat.Transport,
	msgs *lang.Catalog, operatorIDs []int64, log *zap.Logger) *Handler {
	ops := make(map[int64]bool, len(operatorIDs))
	for _, id := range operatorIDs {
		ops[id] = true
	}
	return &Handler{
		book:      book,
		granter:   granter,
		chat:      transport,
		msgs:      msgs,
		operators: ops,
		log:       log,
	}
}

// Handle dispatches one command. The webhook has already authenticated
// the request; unknown command names are dropped.
func (h *Handler) Handle(ctx context.Context, cmd chat.Command) {
	switch cmd.Name {
	case "register":
		h.register(ctx, cmd)
	case "grant":
		h.grant(ctx, cmd)
	default:
		h.log.Debug("unknown chat command",
			zap.String("name", cmd.Name), zap.Int64("chat_id", cmd.ChatID))
	}
}

// register mints a fresh handshake code and DMs it. The status loop
// completes the binding once the code shows up next to an online
// character.
func (h *Handler) register(ctx context.Context, cmd chat.Command) {
	code, err := h.book.Mint(cmd.ChatID)
	if err != nil {
		h.log.Error("mint registration code",
			zap.Int64("chat_id", cmd.ChatID), zap.Error(err))
		return
	}
	h.dm(ctx, cmd.ChatID, "register.dm", code, code)
}

func (h *Handler) grant(ctx context.Context, cmd chat.Command) {
	if !h.operators[cmd.ChatID] {
		h.log.Warn("grant from non-operator", zap.Int64("chat_id", cmd.ChatID))
		return
	}
	if len(cmd.Args) < 2 {
		h.dm(ctx, cmd.ChatID, "grant.usage")
		return
	}
	target, terr := strconv.ParseInt(cmd.Args[0], 10, 64)
	amount, aerr := strconv.ParseInt(cmd.Args[1], 10, 64)
	if terr != nil || aerr != nil || target == 0 || amount == 0 {
		h.dm(ctx, cmd.ChatID, "grant.usage")
		return
	}
	reason := strings.Join(cmd.Args[2:], " ")
	if reason == "" {
		reason = "operator grant"
	}
	if err := h.granter.Grant(ctx, target, amount, reason); err != nil {
		h.log.Error("grant", zap.Int64("target", target),
			zap.Int64("amount", amount), zap.Error(err))
		return
	}
	h.dm(ctx, cmd.ChatID, "grant.ok", amount, target)
}

func (h *Handler) dm(ctx context.Context, chatID int64, key string, args ...any) {
	if err := h.chat.SendDM(ctx, chatID, h.msgs.Get(key, args...)); err != nil {
		h.log.Warn("dm failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
