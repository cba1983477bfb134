package watch

import (
	"context"
	"fmt"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/rcon"
	"go.uber.org/zap"
)

// Announcer delivers one scheduled broadcast for one server.
type Announcer struct {
	server    string
	channelID string
	msg       config.Announcement
	pool      rcon.Executor
	chat      chat.Transport
	log       *zap.Logger
}

func NewAnnouncer(server, channelID string, msg config.Announcement,
	pool rcon.Executor, transport chat.Transport, log *zap.Logger) *Announcer {
	return &Announcer{
		server:    server,
		channelID: channelID,
		msg:       msg,
		pool:      pool,
		chat:      transport,
		log:       log,
	}
}

func (a *Announcer) Run(ctx context.Context) error {
	switch a.msg.Target {
	case "game":
		cmd := fmt.Sprintf("BroadcastMessage %s", a.msg.Text)
		if err := rcon.Sanitize(cmd); err != nil {
			return err
		}
		_, err := a.pool.Raw(ctx, a.server, cmd)
		return err
	case "chat", "":
		return a.chat.SendChannel(ctx, a.channelID, a.msg.Text)
	default:
		a.log.Warn("unknown announcement target",
			zap.String("server", a.server), zap.String("target", a.msg.Target))
		return nil
	}
}
