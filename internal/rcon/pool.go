package rcon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/l1jgo/warden/internal/config"
	"go.uber.org/zap"
)

const (
	// listCacheTTL bounds how long a cached ListPlayers response may serve
	// a lookup. Any longer and a logged-off player's session index would
	// silently point at a different person.
	listCacheTTL = 500 * time.Millisecond

	defaultTimeout = 30 * time.Second

	rawRetries  = 3 // reconnect attempts inside Raw
	safeRetries = 3 // full resolve-and-send loops inside Safe
)

// CommandTemplate renders a player-targeted command once the session index
// has been resolved.
type CommandTemplate func(sessionIdx int) string

// Executor is the surface the rest of the plane programs against. The
// marketplace and status loop take this interface so tests can substitute
// a fake fleet.
type Executor interface {
	Raw(ctx context.Context, server, cmd string) (string, error)
	ListPlayers(ctx context.Context, server string, cacheOK bool) (string, error)
	Safe(ctx context.Context, server, charName string, tmpl CommandTemplate) (string, error)
	SafeBatch(ctx context.Context, server, charName string, tmpls []CommandTemplate) error
}

// wire is the transport under a serverClient. Swapped for a fake in tests.
type wire interface {
	Exec(ctx context.Context, cmd string) (string, error)
	Close() error
}

type dialFunc func(ctx context.Context, addr, password string, timeout time.Duration, log *zap.Logger) (wire, error)

// Pool owns one long-lived RCON connection per server. All commands for a
// server serialize through that server's mutex: the game treats
// interleaved sessions as protocol violations.
type Pool struct {
	servers map[string]*serverClient
	timeout time.Duration
	dial    dialFunc
	log     *zap.Logger
}

type serverClient struct {
	name string
	cfg  *config.ServerConfig

	mu   sync.Mutex // serializes every command on this server
	conn wire

	listRaw string // ListPlayers micro-cache, guarded by mu
	listAt  time.Time

	log *zap.Logger
}

func NewPool(servers []*config.ServerConfig, log *zap.Logger) *Pool {
	p := &Pool{
		servers: make(map[string]*serverClient, len(servers)),
		timeout: defaultTimeout,
		dial: func(ctx context.Context, addr, password string, timeout time.Duration, log *zap.Logger) (wire, error) {
			return Dial(ctx, addr, password, timeout, log)
		},
		log: log,
	}
	for _, cfg := range servers {
		p.servers[cfg.Name] = &serverClient{
			name: cfg.Name,
			cfg:  cfg,
			log:  log.With(zap.String("server", cfg.Name)),
		}
	}
	return p
}

// Servers returns the configured server names, sorted.
func (p *Pool) Servers() []string {
	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Pool) client(server string) (*serverClient, error) {
	sc, ok := p.servers[server]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", server)
	}
	return sc, nil
}

// Raw submits a command with no sanitization and up to 3 reconnect
// retries. Internal use only; anything carrying player input goes through
// Safe instead.
func (p *Pool) Raw(ctx context.Context, server, cmd string) (string, error) {
	sc, err := p.client(server)
	if err != nil {
		return "", err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.execLocked(ctx, p, cmd, rawRetries)
}

// execLocked runs one command, reconnecting on transport failure.
// Caller holds sc.mu.
func (sc *serverClient) execLocked(ctx context.Context, p *Pool, cmd string, retries int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", &TransportError{Server: sc.name, Op: "exec", Err: err}
		}
		if sc.conn == nil {
			conn, err := p.dial(ctx, sc.cfg.RconAddr(), sc.cfg.RconPassword, p.timeout, sc.log)
			if err != nil {
				lastErr = err
				continue
			}
			sc.conn = conn
		}
		out, err := sc.conn.Exec(ctx, cmd)
		if err == nil {
			return out, nil
		}
		// Reconnect on the next attempt; the connection state after a
		// failed exchange is unknowable.
		sc.conn.Close()
		sc.conn = nil
		lastErr = err
		sc.log.Warn("rcon exec failed", zap.String("cmd", firstWord(cmd)), zap.Error(err))
	}
	return "", &TransportError{Server: sc.name, Op: "exec", Err: lastErr}
}

// ListPlayers returns the raw ListPlayers response. With cacheOK a
// response younger than listCacheTTL may be served, which keeps a batch of
// safe commands from hammering the server.
func (p *Pool) ListPlayers(ctx context.Context, server string, cacheOK bool) (string, error) {
	sc, err := p.client(server)
	if err != nil {
		return "", err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if cacheOK && sc.listRaw != "" && time.Since(sc.listAt) < listCacheTTL {
		return sc.listRaw, nil
	}
	out, err := sc.execLocked(ctx, p, "ListPlayers", rawRetries)
	if err != nil {
		return "", err
	}
	sc.listRaw = out
	sc.listAt = time.Now()
	return out, nil
}

// Sanitize rejects a rendered command containing characters that could
// smuggle a second command into the console.
func Sanitize(cmd string) error {
	if strings.ContainsAny(cmd, "\n\r;|") {
		return fmt.Errorf("%w: %q", ErrSanitizationRejected, cmd)
	}
	return nil
}

// Safe resolves charName's session index and submits the rendered command,
// re-resolving from a fresh player list whenever transport fails: the
// player may have relogged and received a new index.
func (p *Pool) Safe(ctx context.Context, server, charName string, tmpl CommandTemplate) (string, error) {
	return p.safe(ctx, server, charName, []CommandTemplate{tmpl})
}

// SafeBatch is Safe for a sequence of commands that must all target the
// same live session. Any single failure restarts the entire batch with a
// fresh index resolution.
func (p *Pool) SafeBatch(ctx context.Context, server, charName string, tmpls []CommandTemplate) error {
	_, err := p.safe(ctx, server, charName, tmpls)
	return err
}

func (p *Pool) safe(ctx context.Context, server, charName string, tmpls []CommandTemplate) (string, error) {
	sc, err := p.client(server)
	if err != nil {
		return "", err
	}

	var lastErr error = ErrPlayerNotOnline
	for attempt := 0; attempt < safeRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", &TransportError{Server: server, Op: "safe", Err: err}
		}

		// The cache is allowed only on the first attempt; every retry must
		// see the live list.
		listRaw, err := p.ListPlayers(ctx, server, attempt == 0)
		if err != nil {
			lastErr = err
			continue
		}
		player, ok := FindPlayer(ParsePlayers(listRaw), charName)
		if !ok {
			lastErr = ErrPlayerNotOnline
			continue
		}

		// Render and sanitize the whole batch before transmitting any of
		// it. A sanitizer hit is an internal bug, not a retryable state.
		cmds := make([]string, len(tmpls))
		for i, tmpl := range tmpls {
			cmds[i] = tmpl(player.SessionIdx)
			if err := Sanitize(cmds[i]); err != nil {
				sc.log.Error("sanitizer rejected rendered command",
					zap.String("char", charName), zap.Error(err))
				return "", err
			}
		}

		var out string
		failed := false
		for _, cmd := range cmds {
			sc.mu.Lock()
			out, err = sc.execLocked(ctx, p, cmd, 0)
			sc.mu.Unlock()
			if err != nil {
				lastErr = err
				failed = true
				break
			}
		}
		if !failed {
			return out, nil
		}
	}
	return "", lastErr
}

// Close tears down every connection. In-flight commands hold the server
// mutex and finish or time out first.
func (p *Pool) Close() {
	for _, sc := range p.servers {
		sc.mu.Lock()
		if sc.conn != nil {
			sc.conn.Close()
			sc.conn = nil
		}
		sc.mu.Unlock()
	}
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
