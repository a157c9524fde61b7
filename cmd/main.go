package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"

	"github.com/luca-patrignani/mental-craps/config"
	"github.com/luca-patrignani/mental-craps/events"
	"github.com/luca-patrignani/mental-craps/ledger"
	"github.com/luca-patrignani/mental-craps/node"
	"github.com/luca-patrignani/mental-craps/settlement"
)

func main() {
	configPath := flag.String("config", os.Getenv("CRAPS_CONFIG"), "path to the YAML configuration")
	headless := flag.Bool("headless", false, "run the node without the interactive table")
	flag.Parse()

	if err := run(*configPath, *headless); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func run(configPath string, headless bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if !headless {
		banner()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, created, err := loadIdentity(cfg.SeedFile)
	if err != nil {
		return err
	}
	if created {
		pterm.Info.Printfln("New identity saved to %s", cfg.SeedFile)
	}
	pterm.Info.Printfln("Your peer id: %s (%s)", id.ID(), roleOf(cfg, id.ID()))

	spinner, _ := pterm.DefaultSpinner.Start("Joining the table ...")
	g, err := startGossip(ctx, cfg, id, logger)
	if err != nil {
		spinner.Fail()
		return err
	}
	defer g.Close()
	if cfg.Discovery.Enabled {
		d, err := startDiscovery(ctx, cfg, id, g, logger)
		if err != nil {
			logger.Warn("discovery disabled", "err", err)
		} else {
			defer d.Close()
		}
	}
	spinner.Success()
	for _, addr := range g.Addrs() {
		logger.Info("listening", "addr", addr)
	}

	sinks := events.Multi{events.NewLogSink(logger)}
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		sinks = append(sinks, events.NewPrometheusSink(reg))
		serveMetrics(ctx, cfg.Metrics.Addr, reg, logger)
	}
	feed := events.NewChannelSink(64)
	sinks = append(sinks, feed)

	store, err := ledger.NewFileStore(cfg.DataDir)
	if err != nil {
		return err
	}
	gw := settlement.NewGateway(cfg.SettlementConfig(), settlement.NewMemoryLedger(),
		settlement.WithLogger(logger), settlement.WithEvents(sinks))
	defer gw.Close()

	n := node.New(id, cfg.NodeConfig(), g,
		node.WithLogger(logger), node.WithEvents(sinks), node.WithStore(store), node.WithSettlement(gw))
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(runCtx, cfg.Tick) }()

	if headless {
		err = <-done
	} else {
		err = play(runCtx, n, feed, cfg.Consensus.RoundTimeout)
		cancel()
		if runErr := <-done; err == nil || errors.Is(err, errQuit) {
			err = runErr
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errQuit) {
		pterm.Info.Printfln("Left the table at height %d", n.Head().Height)
		return nil
	}
	return err
}
