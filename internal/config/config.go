package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/cache"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/messaging"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/outbox"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/service"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	TransportLog      = "log"
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
)

type Config struct {
	Port        string `env:"PORT,default=8003"`
	Environment string `env:"APP_ENV,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	Storage     string `env:"STORAGE,default=postgres"`

	Database Database
	RabbitMQ RabbitMQ
	Kafka    Kafka
	Redis    Redis
	Outbox   Outbox
	Overdue  Overdue

	NotifyTransport string        `env:"NOTIFY_TRANSPORT,default=log"`
	TxMaxAttempts   int           `env:"TX_MAX_ATTEMPTS,default=3"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,default=10s"`
}

type Database struct {
	Host         string `env:"DB_HOST,default=localhost"`
	Port         int    `env:"DB_PORT,default=5432"`
	User         string `env:"DB_USER,default=postgres"`
	Password     string `env:"DB_PASSWORD,default=postgres"`
	Name         string `env:"DB_NAME,default=inventory_db"`
	SSLMode      string `env:"DB_SSLMODE,default=disable"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS,default=25"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS,default=10"`
	Migrate      bool   `env:"DB_MIGRATE,default=true"`
}

func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RabbitMQ struct {
	Host              string        `env:"RABBITMQ_HOST,default=localhost"`
	Port              int           `env:"RABBITMQ_PORT,default=5672"`
	Username          string        `env:"RABBITMQ_USERNAME,default=guest"`
	Password          string        `env:"RABBITMQ_PASSWORD,default=guest"`
	VHost             string        `env:"RABBITMQ_VHOST,default=/"`
	Exchange          string        `env:"RABBITMQ_EXCHANGE,default=rental.events"`
	Queue             string        `env:"RABBITMQ_QUEUE,default=rental-inventory-queue"`
	CommandKeys       string        `env:"RABBITMQ_COMMAND_KEYS,default=orders.order.cancelled"`
	Consume           bool          `env:"RABBITMQ_CONSUME,default=false"`
	RetryCount        int           `env:"RABBITMQ_RETRY_COUNT,default=5"`
	RetryDelay        time.Duration `env:"RABBITMQ_RETRY_DELAY,default=2s"`
	ConnectionTimeout time.Duration `env:"RABBITMQ_CONNECTION_TIMEOUT,default=30s"`
}

func (r RabbitMQ) Client() *messaging.RabbitMQConfig {
	return &messaging.RabbitMQConfig{
		Host:              r.Host,
		Port:              r.Port,
		Username:          r.Username,
		Password:          r.Password,
		VHost:             r.VHost,
		Exchange:          r.Exchange,
		Queue:             r.Queue,
		RetryCount:        r.RetryCount,
		RetryDelay:        r.RetryDelay,
		ConnectionTimeout: r.ConnectionTimeout,
	}
}

func (r RabbitMQ) RoutingKeys() []string {
	return splitList(r.CommandKeys)
}

type Kafka struct {
	Brokers      string        `env:"KAFKA_BROKERS,default=localhost:9092"`
	Topic        string        `env:"KAFKA_TOPIC,default=rental-inventory-events"`
	BatchTimeout time.Duration `env:"KAFKA_BATCH_TIMEOUT,default=10ms"`
}

func (k Kafka) Writer() messaging.KafkaConfig {
	return messaging.KafkaConfig{Brokers: splitList(k.Brokers), Topic: k.Topic, BatchTimeout: k.BatchTimeout}
}

type Redis struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB,default=0"`
	TTL      time.Duration `env:"REDIS_AVAILABILITY_TTL,default=30s"`
}

// Enabled reports whether an address was configured. Without one advisory
// availability is served uncached.
func (r Redis) Enabled() bool {
	return r.Addr != ""
}

func (r Redis) Cache() cache.Config {
	return cache.Config{Addr: r.Addr, Password: r.Password, DB: r.DB, TTL: r.TTL}
}

type Outbox struct {
	PollInterval  time.Duration `env:"OUTBOX_POLL_INTERVAL,default=5s"`
	BatchSize     int           `env:"OUTBOX_BATCH_SIZE,default=50"`
	MaxAttempts   int           `env:"OUTBOX_MAX_ATTEMPTS,default=5"`
	RatePerSecond float64       `env:"OUTBOX_RATE_PER_SECOND,default=20"`
	Burst         int           `env:"OUTBOX_BURST,default=5"`
}

func (o Outbox) Dispatcher() outbox.Config {
	return outbox.Config{
		PollInterval:  o.PollInterval,
		BatchSize:     o.BatchSize,
		MaxAttempts:   o.MaxAttempts,
		RatePerSecond: o.RatePerSecond,
		Burst:         o.Burst,
	}
}

type Overdue struct {
	Schedule string        `env:"OVERDUE_SCHEDULE,default=0 2 * * *"`
	Timeout  time.Duration `env:"OVERDUE_TIMEOUT,default=30m"`
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}
	switch c.NotifyTransport {
	case TransportLog, TransportRabbitMQ, TransportKafka:
	default:
		return fmt.Errorf("NOTIFY_TRANSPORT must be one of log, rabbitmq, kafka, got %q", c.NotifyTransport)
	}
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be at least 1, got %d", c.TxMaxAttempts)
	}
	if c.RabbitMQ.RetryCount < 1 {
		return fmt.Errorf("RABBITMQ_RETRY_COUNT must be at least 1, got %d", c.RabbitMQ.RetryCount)
	}
	if c.NotifyTransport == TransportKafka && len(splitList(c.Kafka.Brokers)) == 0 {
		return errors.New("KAFKA_BROKERS is required for the kafka transport")
	}
	return nil
}

func (c *Config) RetryPolicy() service.RetryPolicy {
	p := service.DefaultRetryPolicy()
	p.MaxAttempts = c.TxMaxAttempts
	return p
}

func (c *Config) UsesRabbitMQ() bool {
	return c.NotifyTransport == TransportRabbitMQ || c.RabbitMQ.Consume
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
