package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/orrn/printrelay/internal/agent"
	"github.com/orrn/printrelay/internal/config"
	"github.com/orrn/printrelay/internal/logging"
	"github.com/orrn/printrelay/internal/webhook"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to the agent config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := agent.NewRelayClient(agent.RelayConfig{
		BaseURL: cfg.RelayURL,
		PCID:    cfg.PCID,
		Secret:  cfg.PCSecret,
		APIKey:  cfg.APIKey,
		Timeouts: agent.RelayTimeouts{
			Broker:    cfg.Timeouts.Broker,
			Overrides: cfg.Timeouts.Overrides,
			PrintData: cfg.Timeouts.PrintData,
		},
	})
	sink := agent.NewSinkClient(cfg.PrinterURL, cfg.Timeouts.Print, nil)

	opts := agent.Options{
		PCID:          cfg.PCID,
		MaxItems:      cfg.MaxItems,
		PollInterval:  cfg.PollInterval,
		Cooldown:      cfg.Cooldown,
		GatedStores:   cfg.GatedStores,
		FallbackStore: cfg.FallbackStore,
		Logger:        logger,
	}

	if len(cfg.Notify.Targets) > 0 {
		targets := make([]webhook.Target, 0, len(cfg.Notify.Targets))
		for _, t := range cfg.Notify.Targets {
			events := make([]webhook.Event, 0, len(t.Events))
			for _, e := range t.Events {
				events = append(events, webhook.Event(e))
			}
			targets = append(targets, webhook.Target{Name: t.Name, URL: t.URL, Secret: t.Secret, Events: events})
		}
		sender := webhook.NewSender(webhook.Config{
			Targets:     targets,
			RetryCount:  cfg.Notify.RetryCount,
			RetryDelay:  cfg.Notify.RetryDelay,
			Timeout:     cfg.Notify.Timeout,
			WorkerCount: cfg.Notify.WorkerCount,
			QueueSize:   cfg.Notify.QueueSize,
			Logger:      logger,
		})
		sender.Start()
		defer sender.Stop()
		opts.Notifier = sender
	}

	return agent.New(relay, sink, opts).Run(ctx)
}
