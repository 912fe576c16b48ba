package rabbitmq

import (
	"errors"
	"fmt"
	"strings"

	"logship/internal/broker"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	ConsumerTag   string
	PrefetchCount int
	TLS           broker.TLSConfig
	Auth          AuthConfig
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "logship-committer"
	}
	if c.PrefetchCount < 1 {
		c.PrefetchCount = 1
	}
}

// Validate checks the settings shared by producers and sources.
func (c Config) Validate() error {
	if c.Exchange == "" {
		return errors.New("rabbitmq exchange is required")
	}
	if c.endpoint() == "" {
		return errors.New("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) validateSource() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Queue == "" {
		return errors.New("rabbitmq queue is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// dial opens a connection and a channel and declares the durable topic
// exchange both sides rely on.
func dial(cfg Config) (*amqp091.Connection, *amqp091.Channel, error) {
	dialCfg := amqp091.Config{}
	if cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}}
	}
	tlsCfg, err := cfg.TLS.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq tls: %w", err)
	}
	dialCfg.TLSClientConfig = tlsCfg

	conn, err := amqp091.DialConfig(cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, ch, nil
}

func declareBound(ch *amqp091.Channel, cfg Config, topic string) error {
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	key := topic
	if key == "" {
		key = "#"
	}
	if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue key=%s: %w", key, err)
	}
	return nil
}

func closeAll(ch *amqp091.Channel, conn *amqp091.Connection) error {
	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
