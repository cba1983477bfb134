package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Command is one inbound command invocation delivered by the chat
// service's webhook: /register, /grant and whatever the service routes
// here.
type Command struct {
	Name   string   `json:"name"`
	ChatID int64    `json:"chat_id"`
	Args   []string `json:"args"`
}

// CommandFunc handles one authenticated inbound command.
type CommandFunc func(ctx context.Context, cmd Command)

// Webhook is the inbound half of the chat surface. The chat service
// posts command invocations to /commands with a shared-secret header;
// everything else about the service stays outbound through Transport.
type Webhook struct {
	srv    *http.Server
	secret string
	handle CommandFunc
	log    *zap.Logger
}

func NewWebhook(addr, secret string, handle CommandFunc, log *zap.Logger) *Webhook {
	w := &Webhook{secret: secret, handle: handle, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/commands", w.serveCommand)
	w.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return w
}

// Run serves until ctx ends, then drains in-flight requests.
func (w *Webhook) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- w.srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (w *Webhook) serveCommand(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(w.secret)) != 1 {
		w.log.Warn("webhook auth failed", zap.String("remote", r.RemoteAddr))
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	var cmd Command
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&cmd); err != nil {
		http.Error(rw, "bad payload", http.StatusBadRequest)
		return
	}
	if cmd.Name == "" || cmd.ChatID == 0 {
		http.Error(rw, "bad payload", http.StatusBadRequest)
		return
	}
	w.handle(r.Context(), cmd)
	rw.WriteHeader(http.StatusNoContent)
}
