package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shardminer/backend/internal/api"
	"shardminer/backend/internal/audit"
	"shardminer/backend/internal/auth"
	"shardminer/backend/internal/clock"
	"shardminer/backend/internal/leaderboard"
	"shardminer/backend/internal/metrics"
	"shardminer/backend/internal/mining"
	"shardminer/backend/internal/notify"
	"shardminer/backend/internal/security"
	"shardminer/backend/internal/storage"
	"shardminer/backend/internal/telegram"
	"shardminer/backend/internal/token"
	"shardminer/backend/internal/transfer"
	"shardminer/backend/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var checkOnly bool

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Serve the shardminer mining API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if checkOnly {
				logger.Info("Configuration OK")
				return nil
			}
			if err := run(cmd.Context(), cfg, logger); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			logger.Info("Server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml)")
	cmd.Flags().BoolVar(&checkOnly, "check", false, "validate the configuration and exit")
	return cmd
}

func loadConfig(path string) (*config.Config, *log.Entry, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return nil, nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	logger := log.WithField("service", "shardminer")
	if err := cfg.Validate(logger); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func run(ctx context.Context, cfg *config.Config, logger *log.Entry) error {
	clk := clock.Real()

	store, err := storage.Open(ctx, storage.Config{Driver: cfg.Database.Driver, URL: cfg.Database.URL, Clock: clk})
	if err != nil {
		return err
	}
	defer store.Close()

	orders, err := token.New([]byte(cfg.Mining.WorkSecret), cfg.Mining.WorkTTL, clk)
	if err != nil {
		return err
	}
	proofs, err := token.New([]byte(cfg.Mining.ProofSecret), cfg.Mining.ProofTTL, clk)
	if err != nil {
		return err
	}

	health := map[string]api.Pinger{"database": store}
	var refreshers []mining.AggregateRefresher
	var board mining.LeaderboardReader = store

	if views := storage.NewViewRefresher(store); views != nil {
		refreshers = append(refreshers, views)
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		redisBoard := leaderboard.New(rdb, leaderboard.Config{Clock: clk})
		if err := redisBoard.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis unreachable at startup, leaderboard refreshes will be retried per claim")
		}
		refreshers = append(refreshers, redisBoard)
		board = redisBoard
		health["redis"] = redisBoard
	}

	notifier := notify.NewTelegram(notify.Config{
		BotToken: cfg.Telegram.BotToken,
		APIURL:   cfg.Telegram.APIURL,
	}, logger.WithField("component", "notify"))

	svc, err := mining.NewService(store, orders, proofs, mining.Config{
		MinMbps:         cfg.Mining.MinMbps,
		MaxMbps:         cfg.Mining.MaxMbps,
		Duration:        cfg.Mining.Duration,
		RateLimitWindow: cfg.Mining.RateLimitWindow,
		ByteTolerance:   cfg.Mining.ByteTolerance,
	},
		mining.WithClock(clk),
		mining.WithLogger(logger.WithField("component", "mining")),
		mining.WithRefreshers(refreshers...),
		mining.WithNotifier(notifier),
	)
	if err != nil {
		return err
	}

	peer := transfer.NewEchoPeer(transfer.EchoConfig{
		ICE:         transfer.ICEConfig{URLs: cfg.ICE.URLs},
		Logger:      logger.WithField("component", "echo-peer"),
		MaxSessions: cfg.ICE.MaxSessions,
		Lifetime:    cfg.ICE.Lifetime,
	})
	defer peer.Close()

	var auditLogger *audit.AuditLogger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewAuditLogger(cfg.Audit.AuditConfig, clk)
		if err != nil {
			return err
		}
		defer auditLogger.Close()
	}

	var verifier *telegram.Verifier
	if cfg.Telegram.BotToken != "" {
		verifier = telegram.NewVerifier(cfg.Telegram.BotToken, cfg.Telegram.MaxAge, clk)
	}

	collector := metrics.NewMetricsCollector(clk)
	handlers := api.NewHandlers(api.Deps{
		Mining:      svc,
		Leaderboard: board,
		Peer:        peer,
		Telegram:    verifier,
		Bot:         notifier,
		Audit:       auditLogger,
		Metrics:     collector,
		Health:      health,
		Logger:      logger.WithField("component", "api"),
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(
		handlers,
		auth.NewAuthMiddleware(svc),
		security.NewSecurityMiddleware(cfg.Security, clk),
		collector,
		logger.WithField("component", "http"),
	)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"addr":        srv.Addr,
			"environment": cfg.Environment,
			"driver":      cfg.Database.Driver,
			"redis":       cfg.Redis.Addr != "",
		}).Info("Shardminer API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
