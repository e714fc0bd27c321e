package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"build-earn/ledger"
)

const (
	testnetRPCURL     = "https://soroban-testnet.stellar.org"
	testnetPassphrase = "Test SDF Network ; September 2015"
)

// Config is read from the environment.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	Debug      bool   `envconfig:"DEBUG"`

	RPCURL            string        `envconfig:"RPC_URL"`
	NetworkPassphrase string        `envconfig:"NETWORK_PASSPHRASE"`
	ContractID        string        `envconfig:"TIMELOCK_CONTRACT_ID"`
	TxFee             uint32        `envconfig:"TX_FEE" default:"100"`
	TxTimeout         time.Duration `envconfig:"TX_TIMEOUT" default:"30s"`
	CallTimeout       time.Duration `envconfig:"LEDGER_CALL_TIMEOUT" default:"10s"`
	TokenDecimals     int32         `envconfig:"TOKEN_DECIMALS" default:"7"`
	PollInterval      time.Duration `envconfig:"AWAIT_POLL_INTERVAL" default:"1s"`
	AwaitTimeout      time.Duration `envconfig:"AWAIT_TIMEOUT" default:"40s"`

	StorageBackend  string        `envconfig:"STORAGE_BACKEND" default:"memory"`
	StorageConnStr  string        `envconfig:"STORAGE_CONNECTION_STRING"`
	TasksTable      string        `envconfig:"TASKS_TABLE" default:"tasks"`
	DatabaseURL     string        `envconfig:"DATABASE_URL"`
	RedisConnStr    string        `envconfig:"REDIS_CONNECTION_STRING"`
	BalanceCacheTTL time.Duration `envconfig:"BALANCE_CACHE_TTL" default:"5s"`
	ReservationTTL  time.Duration `envconfig:"RESERVATION_TTL" default:"24h"`

	EventsBackend string   `envconfig:"EVENTS_BACKEND" default:"none"`
	EventsQueue   string   `envconfig:"EVENTS_QUEUE" default:"task-events"`
	KafkaBrokers  []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string   `envconfig:"KAFKA_TOPIC" default:"task-events"`

	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"15s"`
	ReconcileBatch    int           `envconfig:"RECONCILE_BATCH" default:"100"`

	AuthMode     string `envconfig:"AUTH_MODE" default:"none"`
	AuthSecret   string `envconfig:"AUTH_SECRET"`
	AuthDomain   string `envconfig:"AUTH_DOMAIN"`
	AuthAudience string `envconfig:"AUTH_AUDIENCE"`
}

func (c *Config) validate() error {
	if c.ContractID == "" {
		return errors.New("TIMELOCK_CONTRACT_ID is required")
	}
	if _, err := ledger.ParseAddress(c.ContractID); err != nil {
		return fmt.Errorf("TIMELOCK_CONTRACT_ID: %w", err)
	}
	if c.RPCURL == "" {
		c.RPCURL = testnetRPCURL
	}
	if c.NetworkPassphrase == "" {
		c.NetworkPassphrase = testnetPassphrase
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		return fmt.Errorf("TOKEN_DECIMALS out of range: %d", c.TokenDecimals)
	}

	switch c.StorageBackend {
	case "memory":
	case "tables":
		if c.StorageConnStr == "" || c.TasksTable == "" {
			return errors.New("STORAGE_CONNECTION_STRING and TASKS_TABLE are required for tables storage")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.EventsBackend {
	case "none":
	case "queue":
		if c.StorageConnStr == "" || c.EventsQueue == "" {
			return errors.New("STORAGE_CONNECTION_STRING and EVENTS_QUEUE are required for queue events")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			return errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required for kafka events")
		}
	default:
		return fmt.Errorf("unknown EVENTS_BACKEND %q", c.EventsBackend)
	}
	return nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
