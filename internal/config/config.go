// Package config loads process configuration from file and environment.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full process configuration. Clients are constructed once at
// startup from these values and injected into each component.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Ledger   LedgerConfig
	Logging  LoggingConfig
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string
}

// DatabaseConfig configures the relational stores.
type DatabaseConfig struct {
	DSN string
}

// KafkaConfig configures the event transport.
type KafkaConfig struct {
	Brokers          []string
	OrdersTopic      string
	FillsTopic       string
	OrderStatusTopic string
	ConsumerGroup    string
}

// RedisConfig configures the notification publisher.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// LedgerConfig configures balance ledger behavior: the platform's native
// (quote) currency, the grant credited to a lazily created native wallet,
// and identity aliases rewritten at the API boundary.
type LedgerConfig struct {
	NativeCurrency string
	InitialGrant   decimal.Decimal
	UserAliases    map[string]string
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string
}

// Load reads configuration from config.yaml (working dir, ./config,
// /etc/exchange) with EXCHANGE_-prefixed environment overrides. A missing
// config file is fine; defaults and environment values apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/exchange")
	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.dsn", "host=localhost user=exchange password=exchange dbname=exchange port=5432 sslmode=disable")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.orders_topic", "exchange.orders")
	v.SetDefault("kafka.fills_topic", "exchange.fills")
	v.SetDefault("kafka.order_status_topic", "exchange.order-status")
	v.SetDefault("kafka.consumer_group", "exchange-settlement")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ledger.native_currency", "USDT")
	v.SetDefault("ledger.initial_grant", "1000000")
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	grant, err := decimal.NewFromString(v.GetString("ledger.initial_grant"))
	if err != nil {
		return nil, fmt.Errorf("invalid ledger.initial_grant: %w", err)
	}

	cfg := &Config{
		Server:   ServerConfig{Addr: v.GetString("server.addr")},
		Database: DatabaseConfig{DSN: v.GetString("database.dsn")},
		Kafka: KafkaConfig{
			Brokers:          v.GetStringSlice("kafka.brokers"),
			OrdersTopic:      v.GetString("kafka.orders_topic"),
			FillsTopic:       v.GetString("kafka.fills_topic"),
			OrderStatusTopic: v.GetString("kafka.order_status_topic"),
			ConsumerGroup:    v.GetString("kafka.consumer_group"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Ledger: LedgerConfig{
			NativeCurrency: v.GetString("ledger.native_currency"),
			InitialGrant:   grant,
			UserAliases:    v.GetStringMapString("ledger.user_aliases"),
		},
		Logging: LoggingConfig{Level: v.GetString("logging.level")},
	}
	return cfg, nil
}
