package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/printrelay/internal/api"
	"github.com/orrn/printrelay/internal/archive"
	"github.com/orrn/printrelay/internal/config"
	"github.com/orrn/printrelay/internal/core"
	"github.com/orrn/printrelay/internal/db"
	"github.com/orrn/printrelay/internal/logging"
	"github.com/orrn/printrelay/internal/overrides"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the relay config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds := make([]core.PCCredential, 0, len(cfg.PCs))
	for _, pc := range cfg.PCs {
		creds = append(creds, core.PCCredential{ID: pc.ID, Secret: pc.Secret, SecretHash: pc.SecretHash})
	}
	registry, err := core.NewRegistry(creds)
	if err != nil {
		return fmt.Errorf("pc registry: %w", err)
	}

	deps := api.Deps{
		RateLimit:      cfg.RateLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}
	brokerOpts := core.BrokerOptions{
		APIKey:            cfg.Broker.APIKey,
		VisibilityTimeout: cfg.Broker.VisibilityTimeout,
		DefaultMaxItems:   cfg.Broker.DefaultMaxItems,
		MaxItemsLimit:     cfg.Broker.MaxItemsLimit,
		Logger:            logger,
	}

	var (
		loader   overrides.CredentialLoader
		archiver *archive.Archiver
	)
	if cfg.Database.Path != "" {
		database, err := db.Open(ctx, db.Config{Path: cfg.Database.Path})
		if err != nil {
			return err
		}
		defer database.Close()

		loader = database.Settings
		brokerOpts.Audit = database.Audit
		deps.Credentials = database.Settings
		deps.Audit = database.Audit
		logger.Info("database opened", "path", cfg.Database.Path)

		if cfg.Database.ArchiveAfter > 0 {
			archiver, err = archive.NewArchiver(database.Audit, archive.Config{
				ArchivePath: cfg.Database.ArchivePath,
				After:       cfg.Database.ArchiveAfter,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			deps.Archives = archiver
		}
	}

	defs := make([]overrides.StoreDefinition, 0, len(cfg.Stores))
	for _, s := range cfg.Stores {
		defs = append(defs, overrides.StoreDefinition{
			Label:         s.Label,
			Domain:        s.Domain,
			AccessToken:   s.AccessToken,
			APIVersion:    s.APIVersion,
			WebhookSecret: s.WebhookSecret,
		})
	}
	stores := overrides.NewStoreRegistry(defs, loader, &http.Client{Timeout: cfg.Overrides.LiveTimeout})

	broker := core.NewBroker(registry, brokerOpts)
	deps.Broker = broker
	deps.Shops = stores
	if deps.Credentials != nil {
		deps.Clients = stores
	}
	deps.Overrides = overrides.NewStore(stores, overrides.Options{
		DefaultStore:     cfg.Overrides.DefaultStore,
		FallbackStore:    cfg.Overrides.FallbackStore,
		LiveTimeout:      cfg.Overrides.LiveTimeout,
		FetchConcurrency: cfg.Overrides.FetchConcurrency,
		Logger:           logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening",
			"addr", srv.Addr,
			"pcs", registry.IDs(),
			"ack_tracked", broker.AckTracked(),
			"visibility_timeout", cfg.Broker.VisibilityTimeout,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if broker.AckTracked() && cfg.Broker.ReapInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(cfg.Broker.ReapInterval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if n := broker.Reap(gctx); n > 0 {
						logger.Info("returned expired jobs to queues", "count", n)
					}
				}
			}
		})
	}

	if archiver != nil {
		g.Go(func() error {
			return archiver.Run(gctx, cfg.Database.ArchiveInterval)
		})
	}

	err = g.Wait()
	logger.Info("relay stopped")
	return err
}
