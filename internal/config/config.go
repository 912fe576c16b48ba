package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"logship/internal/broker"

	"github.com/spf13/viper"
)

const envPrefix = "logship"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Collector CollectorConfig `mapstructure:"collector"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Committer CommitterConfig `mapstructure:"committer"`
	Broker    BrokerConfig    `mapstructure:"broker"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type CollectorConfig struct {
	IngestionURL       string        `mapstructure:"ingestion_url"`
	APIToken           string        `mapstructure:"api_token"`
	ContainerSelector  string        `mapstructure:"container_selector"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MessageBufferSize  int           `mapstructure:"message_buffer_size"`
	CheckpointPath     string        `mapstructure:"checkpoint_path"`
	DockerHost         string        `mapstructure:"docker_host"`
	MaxLineBytes       int           `mapstructure:"max_line_bytes"`
	ForwardTimeout     time.Duration `mapstructure:"forward_timeout"`
	ForwardMaxAttempts int           `mapstructure:"forward_max_attempts"`
	ForwardBackoff     time.Duration `mapstructure:"forward_backoff"`
	MetricsAddr        string        `mapstructure:"metrics_addr"`
}

type GatewayConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	APIToken       string        `mapstructure:"api_token"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type CommitterConfig struct {
	StorageDir      string        `mapstructure:"storage_dir"`
	PayloadEncoding string        `mapstructure:"payload_encoding"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
}

type BrokerConfig struct {
	Kind     string         `mapstructure:"kind"`
	Topic    string         `mapstructure:"topic"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Brokers  []string  `mapstructure:"brokers"`
	GroupID  string    `mapstructure:"group_id"`
	ClientID string    `mapstructure:"client_id"`
	TLS      TLSConfig `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	URL           string    `mapstructure:"url"`
	Exchange      string    `mapstructure:"exchange"`
	Queue         string    `mapstructure:"queue"`
	PrefetchCount int       `mapstructure:"prefetch_count"`
	Username      string    `mapstructure:"username"`
	Password      string    `mapstructure:"password"`
	TLS           TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

// Broker converts the section into the transport TLS settings.
func (t TLSConfig) Broker() broker.TLSConfig {
	return broker.TLSConfig(t)
}

// Load reads path (YAML or TOML, optional when empty) and applies LOGSHIP_*
// environment overrides, e.g. LOGSHIP_COLLECTOR_API_TOKEN. Stage specific
// validation is left to the caller.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Every key gets a default so AutomaticEnv can populate it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("collector.ingestion_url", "")
	v.SetDefault("collector.api_token", "")
	v.SetDefault("collector.container_selector", "")
	v.SetDefault("collector.poll_interval", 2*time.Second)
	v.SetDefault("collector.message_buffer_size", 32)
	v.SetDefault("collector.checkpoint_path", "latest_log_sent_timestamp")
	v.SetDefault("collector.docker_host", "")
	v.SetDefault("collector.max_line_bytes", 1<<20)
	v.SetDefault("collector.forward_timeout", 10*time.Second)
	v.SetDefault("collector.forward_max_attempts", 1)
	v.SetDefault("collector.forward_backoff", 500*time.Millisecond)
	v.SetDefault("collector.metrics_addr", "")

	v.SetDefault("gateway.listen_addr", "127.0.0.1:8080")
	v.SetDefault("gateway.api_token", "")
	v.SetDefault("gateway.max_body_bytes", 1<<20)
	v.SetDefault("gateway.publish_timeout", 5*time.Second)

	v.SetDefault("committer.storage_dir", "")
	v.SetDefault("committer.payload_encoding", "raw")
	v.SetDefault("committer.retry_backoff", time.Second)
	v.SetDefault("committer.metrics_addr", "")

	v.SetDefault("broker.kind", "kafka")
	v.SetDefault("broker.topic", "logs")
	v.SetDefault("broker.kafka.brokers", []string{})
	v.SetDefault("broker.kafka.group_id", "logship-committer")
	v.SetDefault("broker.kafka.client_id", "")
	v.SetDefault("broker.rabbitmq.url", "")
	v.SetDefault("broker.rabbitmq.exchange", "logship.logs")
	v.SetDefault("broker.rabbitmq.queue", "logship.committer")
	v.SetDefault("broker.rabbitmq.prefetch_count", 16)
	v.SetDefault("broker.rabbitmq.username", "")
	v.SetDefault("broker.rabbitmq.password", "")
	for _, prefix := range []string{"broker.kafka.tls.", "broker.rabbitmq.tls."} {
		v.SetDefault(prefix+"enabled", false)
		v.SetDefault(prefix+"insecure_skip_verify", false)
		v.SetDefault(prefix+"server_name", "")
		v.SetDefault(prefix+"ca_file", "")
		v.SetDefault(prefix+"cert_file", "")
		v.SetDefault(prefix+"key_file", "")
	}
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Logger returns a JSON logger writing to w at the configured level.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func (c Config) ValidateCollector() error {
	cc := c.Collector
	if cc.IngestionURL == "" {
		return errors.New("collector.ingestion_url is required")
	}
	u, err := url.Parse(cc.IngestionURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("collector.ingestion_url %q must be an http(s) url", cc.IngestionURL)
	}
	if cc.APIToken == "" {
		return errors.New("collector.api_token is required")
	}
	if cc.PollInterval <= 0 {
		return errors.New("collector.poll_interval must be > 0")
	}
	if cc.MessageBufferSize < 1 {
		return errors.New("collector.message_buffer_size must be >= 1")
	}
	if cc.CheckpointPath == "" {
		return errors.New("collector.checkpoint_path is required")
	}
	if cc.ForwardMaxAttempts < 1 {
		return errors.New("collector.forward_max_attempts must be >= 1")
	}
	if cc.MaxLineBytes < 1 {
		return errors.New("collector.max_line_bytes must be >= 1")
	}
	return nil
}

func (c Config) ValidateGateway() error {
	if c.Gateway.ListenAddr == "" {
		return errors.New("gateway.listen_addr is required")
	}
	if c.Gateway.APIToken == "" {
		return errors.New("gateway.api_token is required")
	}
	if c.Gateway.MaxBodyBytes < 1 {
		return errors.New("gateway.max_body_bytes must be >= 1")
	}
	return c.validateBroker(false)
}

func (c Config) ValidateCommitter() error {
	if c.Committer.StorageDir == "" {
		return errors.New("committer.storage_dir is required")
	}
	switch c.Committer.PayloadEncoding {
	case "raw", "zstd":
	default:
		return fmt.Errorf("committer.payload_encoding %q must be raw or zstd", c.Committer.PayloadEncoding)
	}
	return c.validateBroker(true)
}

func (c Config) validateBroker(consumer bool) error {
	b := c.Broker
	if b.Topic == "" {
		return errors.New("broker.topic is required")
	}
	switch b.Kind {
	case "kafka":
		if len(b.Kafka.Brokers) == 0 {
			return errors.New("broker.kafka.brokers is required")
		}
		if consumer && b.Kafka.GroupID == "" {
			return errors.New("broker.kafka.group_id is required")
		}
	case "rabbitmq":
		if b.RabbitMQ.URL == "" {
			return errors.New("broker.rabbitmq.url is required")
		}
		if b.RabbitMQ.Exchange == "" {
			return errors.New("broker.rabbitmq.exchange is required")
		}
		if consumer && b.RabbitMQ.Queue == "" {
			return errors.New("broker.rabbitmq.queue is required")
		}
		if consumer && b.RabbitMQ.PrefetchCount < 1 {
			return errors.New("broker.rabbitmq.prefetch_count must be >= 1")
		}
	default:
		return fmt.Errorf("broker.kind %q must be kafka or rabbitmq", b.Kind)
	}
	return nil
}
