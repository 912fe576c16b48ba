// logship-gateway accepts authenticated log records over HTTP and publishes
// them to the configured broker topic.
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
	"logship/internal/config"
	"logship/internal/gateway"
	"logship/internal/metrics"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("logship-gateway", pflag.ContinueOnError)
	cfgPath := flagSet.String("config", "", "path to a YAML or TOML config file (optional, LOGSHIP_* env vars override)")
	listen := flagSet.String("listen", "", "override gateway.listen_addr")
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
	if *listen != "" {
		cfg.Gateway.ListenAddr = *listen
	}
	if err := cfg.ValidateGateway(); err != nil {
		return err
	}
	logger := cfg.Log.Logger(os.Stderr).With("component", "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, err := newPublisher(cfg.Broker)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer pub.Close()

	gw := gateway.New(gateway.Config{
		APIToken:       cfg.Gateway.APIToken,
		Topic:          cfg.Broker.Topic,
		MaxBodyBytes:   cfg.Gateway.MaxBodyBytes,
		PublishTimeout: cfg.Gateway.PublishTimeout,
	}, pub, logger, metrics.New())

	if err := gw.Serve(ctx, cfg.Gateway.ListenAddr); err != nil {
		logger.Error("gateway stopped", "error", err)
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

func newPublisher(b config.BrokerConfig) (broker.Publisher, error) {
	switch b.Kind {
	case broker.KindKafka:
		return kafka.NewProducer(kafka.ProducerConfig{
			Brokers:  b.Kafka.Brokers,
			ClientID: b.Kafka.ClientID,
			TLS:      b.Kafka.TLS.Broker(),
		})
	case broker.KindRabbitMQ:
		return rabbitmq.NewProducer(rabbitConfig(b.RabbitMQ), b.Topic)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", b.Kind)
	}
}

func rabbitConfig(r config.RabbitMQConfig) rabbitmq.Config {
	return rabbitmq.Config{
		URL:           r.URL,
		Exchange:      r.Exchange,
		Queue:         r.Queue,
		PrefetchCount: r.PrefetchCount,
		Auth:          rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
		TLS:           r.TLS.Broker(),
	}
}
