package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/access"
	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/agent"
	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/approval"
	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/config"
	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/pipeline"
	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/realtime"
	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/store"
)

// newServeCmd creates the `rocketclaw serve` command that runs the bridge.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect the configured accounts and bridge messages to the agent",
		Long: `Start rocketclaw as a daemon: one realtime session per configured
account, each feeding its message pipeline and access-control engine.

Examples:
  rocketclaw serve
  rocketclaw serve --config ./rocketclaw.yaml --verbose`,
		RunE: runServe,
	}
}

// account bundles everything serve runs for one configured account.
type account struct {
	name      string
	session   *realtime.Session
	pipe      *pipeline.Pipeline
	approvals *approval.Approvals
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Environment ──
	// A .env next to the working directory may carry tokens referenced by
	// ${VAR} expansion in the config.
	_ = godotenv.Load()

	// ── Load config ──
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	switch {
	case verbose || cfg.Logging.Level == "debug":
		logLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		logLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// ── Agent runtime ──
	if cfg.Agent.Command == "" {
		return fmt.Errorf("agent.command is required in %s", path)
	}
	runtime := agent.NewCommand(cfg.Agent.Command, cfg.Agent.Args, cfg.Agent.Timeout.Std(), logger)

	// ── Build accounts ──
	// A broken account is skipped with an error log; the others still run.
	var accounts []*account
	for i := range cfg.Accounts {
		ac := &cfg.Accounts[i]
		if err := ac.Validate(); err != nil {
			logger.Error("skipping account", "error", err)
			continue
		}
		accounts = append(accounts, buildAccount(cfg, ac, runtime, logger))
		logger.Info("account configured", "account", ac.Name, "url", ac.URL)
	}
	if len(accounts) == 0 {
		return fmt.Errorf("no usable accounts in %s", path)
	}

	// ── Approval expiry sweep ──
	sweeper := cron.New()
	_, err = sweeper.AddFunc("@every 1m", func() {
		for _, a := range accounts {
			expired, err := a.approvals.SweepExpired()
			if err != nil {
				logger.Warn("approval sweep failed", "account", a.name, "error", err)
				continue
			}
			for _, p := range expired {
				logger.Info("approval request expired", "account", a.name, "id", p.ID, "target", p.Display())
			}
		}
	})
	if err != nil {
		return fmt.Errorf("schedule approval sweep: %w", err)
	}
	sweeper.Start()

	// ── Run ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range accounts {
		a := a
		g.Go(func() error {
			if err := a.session.Connect(gctx); err != nil {
				logger.Error("connect failed", "account", a.name, "error", err)
				return nil
			}
			go func() {
				<-gctx.Done()
				a.session.Disconnect()
			}()
			if err := a.pipe.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("pipeline stopped", "account", a.name, "error", err)
			}
			return nil
		})
	}

	// ── Wait for shutdown ──
	logger.Info("rocketclaw running. Press Ctrl+C to stop.", "accounts", len(accounts))
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("shutdown signal received, stopping...")
			cancel()
		case <-gctx.Done():
		}
	}()

	_ = g.Wait()
	<-sweeper.Stop().Done()
	logger.Info("shutdown complete")
	return nil
}

// buildAccount wires the store, access engine, session and pipeline for one
// account.
func buildAccount(cfg *config.Config, ac *config.AccountConfig, runtime pipeline.Agent, logger *slog.Logger) *account {
	st := store.New(cfg.AccountStateDir(ac.Name), logger)
	approvals := approval.NewApprovals(st, logger)

	sess := realtime.NewSession(realtime.Config{
		URL:       ac.URL,
		UserID:    ac.UserID,
		AuthToken: ac.AuthToken,
		Username:  ac.Username,
	}, nil, nil, logger)

	engine := access.NewEngine(access.EngineDeps{
		Config:      &ac.Policy,
		BotUsername: ac.Username,
		Resolver:    access.NewResolver(sess, logger),
		AllowLists:  approval.NewAllowLists(st, logger),
		Approvals:   approvals,
		Pairing:     approval.NewPairing(st, logger),
		RoomUsers:   approval.NewRoomUsers(st, logger),
		Sender:      sess,
		Reactor:     sess,
		Logger:      logger,
	})

	pipe := pipeline.New(pipeline.Config{
		Account:     ac.Name,
		BotUserID:   ac.UserID,
		BotUsername: ac.Username,
		TypingDelay: ac.TypingDelay.Std(),
	}, pipeline.Deps{
		Session: sess,
		Engine:  engine,
		Agent:   runtime,
		Policy:  &ac.Policy,
		Logger:  logger.With("account", ac.Name),
	})

	// One firehose subscription covers every room and DM the account can
	// see; room-level desired subscriptions still work for servers that
	// restrict the pseudo room.
	sess.SubscribeToRoom(realtime.AllMessagesRoom)
	sess.SubscribeToUserEvent("notification")

	return &account{name: ac.Name, session: sess, pipe: pipe, approvals: approvals}
}

// resolveConfig loads the configuration from --config or the default
// locations next to the working directory.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}
	for _, candidate := range []string{"rocketclaw.yaml", "rocketclaw.yml", "config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			cfg, err := config.Load(candidate)
			if err != nil {
				return nil, "", err
			}
			return cfg, candidate, nil
		}
	}
	return nil, "", fmt.Errorf("no configuration file found; pass --config or create rocketclaw.yaml")
}
