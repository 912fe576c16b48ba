// logship-committer consumes the broker topic and appends every record to
// the sqlite sink, committing each broker position only after its write.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"logship/internal/broker"
	"logship/internal/broker/kafka"
	"logship/internal/broker/rabbitmq"
	"logship/internal/committer"
	"logship/internal/config"
	"logship/internal/metrics"
	"logship/internal/storage/sqlite"

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
	flagSet := pflag.NewFlagSet("logship-committer", pflag.ContinueOnError)
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
	if err := cfg.ValidateCommitter(); err != nil {
		return err
	}
	logger := cfg.Log.Logger(os.Stderr).With("component", "committer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewStore(cfg.Committer.StorageDir, sqlite.Options{PayloadEncoding: cfg.Committer.PayloadEncoding})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	src, err := newSource(cfg.Broker)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer src.Close()

	m := metrics.New()
	c := committer.New(committer.Config{RetryBackoff: cfg.Committer.RetryBackoff}, src, store, logger, m)
	logger.Info("committer starting", "broker", cfg.Broker.Kind, "topic", cfg.Broker.Topic, "storage_dir", cfg.Committer.StorageDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	if cfg.Committer.MetricsAddr != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Committer.MetricsAddr) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("committer stopped", "error", err)
		return err
	}
	logger.Info("committer stopped")
	return nil
}

func newSource(b config.BrokerConfig) (broker.Source, error) {
	switch b.Kind {
	case broker.KindKafka:
		return kafka.NewSource(kafka.SourceConfig{
			Brokers:  b.Kafka.Brokers,
			Topic:    b.Topic,
			GroupID:  b.Kafka.GroupID,
			ClientID: b.Kafka.ClientID,
			TLS:      b.Kafka.TLS.Broker(),
		})
	case broker.KindRabbitMQ:
		r := b.RabbitMQ
		return rabbitmq.NewSource(rabbitmq.Config{
			URL:           r.URL,
			Exchange:      r.Exchange,
			Queue:         r.Queue,
			PrefetchCount: r.PrefetchCount,
			Auth:          rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
			TLS:           r.TLS.Broker(),
		}, b.Topic)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", b.Kind)
	}
}
