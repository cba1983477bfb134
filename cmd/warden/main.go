package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/l1jgo/warden/internal/chat"
	"github.com/l1jgo/warden/internal/chatcmd"
	"github.com/l1jgo/warden/internal/config"
	"github.com/l1jgo/warden/internal/event"
	"github.com/l1jgo/warden/internal/gamedb"
	"github.com/l1jgo/warden/internal/guildsync"
	"github.com/l1jgo/warden/internal/lang"
	"github.com/l1jgo/warden/internal/logtail"
	"github.com/l1jgo/warden/internal/market"
	"github.com/l1jgo/warden/internal/rcon"
	"github.com/l1jgo/warden/internal/register"
	"github.com/l1jgo/warden/internal/registry"
	"github.com/l1jgo/warden/internal/reward"
	"github.com/l1jgo/warden/internal/router"
	"github.com/l1jgo/warden/internal/sched"
	"github.com/l1jgo/warden/internal/scripting"
	"github.com/l1jgo/warden/internal/status"
	"github.com/l1jgo/warden/internal/teleport"
	"github.com/l1jgo/warden/internal/watch"
)

const (
	tailInterval   = 5 * time.Second
	statusInterval = 60 * time.Second
	auditInterval  = 6 * time.Hour
	bootTailBytes  = 64 << 10
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfgPath := "config/warden.toml"
	if p := os.Getenv("WARDEN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	servers := cfg.EnabledServers()
	log.Info("warden starting",
		zap.Int("servers", len(servers)), zap.String("config", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the registry and run migrations, then fold legacy
	// per-server registries into the shared one.
	store, err := registry.Open(ctx, cfg.General.RegistryPath, log)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer store.Close()

	for _, sc := range servers {
		if sc.LegacyDBPath == "" {
			continue
		}
		if err := store.FoldLegacyDB(ctx, sc.Name, sc.LegacyDBPath); err != nil {
			return fmt.Errorf("fold legacy db %s: %w", sc.Name, err)
		}
	}

	// 4. Open the read-only game DBs
	readers := make(map[string]*gamedb.Reader, len(servers))
	for _, sc := range servers {
		r, err := gamedb.Open(sc.GameDBPath, log)
		if err != nil {
			return fmt.Errorf("game db %s: %w", sc.Name, err)
		}
		defer r.Close()
		readers[sc.Name] = r
	}

	cfgByName := make(map[string]*config.ServerConfig, len(servers))
	for _, sc := range servers {
		cfgByName[sc.Name] = sc
	}

	// 5. RCON pool, chat transport, message catalog
	pool := rcon.NewPool(servers, log)
	defer pool.Close()

	transport := chat.NewClient(cfg.Chat.BaseURL, cfg.Chat.Token, log)

	msgs, err := lang.Load(cfg.General.MessagesDir, cfg.General.Language)
	if err != nil {
		log.Warn("message catalog unavailable, using builtin", zap.Error(err))
		msgs = lang.Builtin()
	}

	// 6. Event bus and the playtime/reward consumer
	bus := event.NewBus(16, log)
	defer bus.Close()

	rewards := reward.NewConsumer(cfgByName, store, pool, log)
	go rewards.Run(ctx, bus.Subscribe())

	// 7. Command handlers
	pending := register.NewBook(log)

	marketDBs := make(map[string]market.GameDB, len(readers))
	statusDBs := make(map[string]status.GameDB, len(readers))
	teleportDBs := make(map[string]teleport.GameDB, len(readers))
	guildDBs := make(map[string]guildsync.GameDB, len(readers))
	for name, r := range readers {
		marketDBs[name] = r
		statusDBs[name] = r
		teleportDBs[name] = r
		guildDBs[name] = r
	}

	engine := market.NewEngine(cfg.Marketplace, store, marketDBs, pool, transport, msgs, log)
	warps := teleport.NewHandler(cfgByName, store, teleportDBs, pool, transport, msgs, log)

	var scripts router.ScriptHandler
	if cfg.General.ScriptsDir != "" {
		resolve := func(ctx context.Context, server, charName string) (int64, bool) {
			db, ok := readers[server]
			if !ok {
				return 0, false
			}
			chars, err := db.CharactersByNames(ctx, []string{charName})
			if err != nil {
				return 0, false
			}
			c, ok := chars[charName]
			if !ok || c.PlatformID == "" {
				return 0, false
			}
			chatID, bound, err := store.ChatIDFor(ctx, c.PlatformID)
			if err != nil || !bound {
				return 0, false
			}
			return chatID, true
		}
		lua, err := scripting.NewEngine(cfg.General.ScriptsDir, pool, resolve, transport.SendDM, log)
		if err != nil {
			return fmt.Errorf("lua engine: %w", err)
		}
		defer lua.Close()
		log.Info("lua commands loaded", zap.Int("count", lua.Commands()))
		scripts = lua
	}

	rt := router.New(engine, warps, pending, scripts, log)

	// Inbound chat commands: /register mints handshake codes, /grant is
	// the operator wallet escape hatch.
	if cfg.Chat.WebhookAddr != "" {
		cmds := chatcmd.NewHandler(pending, engine, transport, msgs, cfg.Chat.OperatorIDs, log)
		hook := chat.NewWebhook(cfg.Chat.WebhookAddr, cfg.Chat.WebhookSecret, cmds.Handle, log)
		go func() {
			if err := hook.Run(ctx); err != nil {
				log.Error("chat webhook", zap.Error(err))
			}
		}()
		log.Info("chat webhook listening", zap.String("addr", cfg.Chat.WebhookAddr))
	}

	// 8. Status/presence loop
	loop := status.NewLoop(cfgByName, pool, store, statusDBs, bus, transport, msgs,
		pending, cfg.Chat.RegisteredRoleID, cfg.General.ClusterChannelID,
		cfg.General.SnapshotPath, log)

	// 9. Schedule everything, then open the gate.
	runner := sched.NewRunner(log)

	for _, sc := range servers {
		sc := sc
		tailer := logtail.New(sc.LogPath, sc.LogEncoding, bootTailBytes, log)
		runner.Every(ctx, "tail/"+sc.Name, tailInterval, func(ctx context.Context) error {
			lines, err := tailer.Poll()
			if err != nil {
				return err
			}
			rt.HandleLines(ctx, sc.Name, lines)
			return nil
		})

		if sc.Killfeed.Enabled {
			kf := watch.NewKillfeed(sc.Name, sc.Killfeed, readers[sc.Name], transport, log)
			runner.Every(ctx, "killfeed/"+sc.Name, tailInterval, kf.Run)
		}
		if sc.Buildings.Enabled {
			bw, err := watch.NewBuildingWatcher(sc.Name, sc.Buildings, readers[sc.Name], store, transport, log)
			if err != nil {
				return err
			}
			runner.Every(ctx, "buildings/"+sc.Name, auditInterval, bw.Run)
		}
		if sc.Inactivity.Enabled {
			ir, err := watch.NewInactivityReport(sc.Name, sc.Inactivity, readers[sc.Name], transport, log)
			if err != nil {
				return err
			}
			runner.Every(ctx, "inactivity/"+sc.Name, auditInterval, ir.Run)
		}
		if sc.Announcements.Enabled {
			for i, msg := range sc.Announcements.Messages {
				a := watch.NewAnnouncer(sc.Name, sc.ChatChannelID, msg, pool, transport, log)
				name := fmt.Sprintf("announce/%s/%d", sc.Name, i)
				if err := runner.Cron(ctx, name, msg.Schedule, a.Run); err != nil {
					return fmt.Errorf("announcement %s: %w", name, err)
				}
			}
		}
	}

	runner.Every(ctx, "status", statusInterval, loop.Tick)

	if cfg.GuildSync.Enabled {
		syncer := guildsync.NewSyncer(cfg.GuildSync, store, guildDBs, transport, log)
		runner.Every(ctx, "guildsync", cfg.GuildSync.Interval, syncer.Reconcile)
	}

	runner.Ready()
	log.Info("warden ready")

	// 10. Run until a shutdown signal.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdownCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	runner.Stop()
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
