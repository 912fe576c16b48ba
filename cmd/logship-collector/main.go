// logship-collector tails the logs of matching running containers and
// forwards each record to the ingestion gateway, persisting the timestamp of
// the last accepted record so a restart resumes where it left off.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"logship/internal/checkpoint"
	"logship/internal/collector"
	"logship/internal/config"
	"logship/internal/forward"
	"logship/internal/metrics"
	"logship/internal/queue"
	"logship/internal/runtime/docker"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("logship-collector", pflag.ContinueOnError)
	cfgPath := flagSet.String("config", "", "path to a YAML or TOML config file (optional, LOGSHIP_* env vars override)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateCollector(); err != nil {
		return err
	}
	cc := cfg.Collector
	logger := cfg.Log.Logger(os.Stderr).With("component", "collector")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cp := checkpoint.Open(cc.CheckpointPath)
	start, err := cp.Load()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	rt, err := docker.New(docker.Config{Host: cc.DockerHost, MaxLineBytes: cc.MaxLineBytes})
	if err != nil {
		return fmt.Errorf("connect container runtime: %w", err)
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		return fmt.Errorf("ping container runtime: %w", err)
	}

	client, err := forward.NewClient(forward.ClientConfig{URL: cc.IngestionURL, APIToken: cc.APIToken, Timeout: cc.ForwardTimeout}, nil)
	if err != nil {
		return err
	}

	m := metrics.New()
	q := queue.New(cc.MessageBufferSize, m.QueueDepth)
	m.Checkpoint.Set(float64(start))
	col := collector.New(collector.Config{Selector: cc.ContainerSelector, PollInterval: cc.PollInterval}, rt, q, start, logger, m)
	loop := forward.NewLoop(forward.LoopConfig{MaxAttempts: cc.ForwardMaxAttempts, Backoff: cc.ForwardBackoff}, q, client, cp, logger, m)

	logger.Info("collector starting",
		"selector", cc.ContainerSelector,
		"ingestion_url", client.Endpoint(),
		"checkpoint", uint64(start),
		"resume_at", start.Time(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(col.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(loop.Run(gctx)) })
	if cc.MetricsAddr != "" {
		g.Go(func() error { return m.Serve(gctx, cc.MetricsAddr) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("collector stopped", "error", err)
		return err
	}
	last, _ := cp.Load()
	logger.Info("collector stopped", slog.Uint64("checkpoint", uint64(last)))
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
