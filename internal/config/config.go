/**
 * @description
 * This package handles the configuration management for the ledger service. It
 * uses Viper to read an optional .env file and environment variables into a
 * single Config struct.
 *
 * @dependencies
 * - github.com/spf13/viper: application configuration.
 * - github.com/shopspring/decimal: reward and fee amounts.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/silknetwork-maker/silk-network/internal/domain"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	defaultCheckinReward  = "0.1"
	defaultMiningReward   = "1"
	defaultTransferFee    = "0.3"
	defaultRateLimitKey   = "silk:rate_limit"
	defaultEventsExchange = "silk.events"
	defaultOutboxSchedule = "@every 5s"
)

// Config holds all the configuration variables for the ledger service.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	StoreDriver                string `mapstructure:"STORE_DRIVER"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventsExchange             string `mapstructure:"EVENTS_EXCHANGE"`
	JWKSURL                    string `mapstructure:"JWKS_URL"`
	JWTHMACSecret              string `mapstructure:"JWT_HMAC_SECRET"`
	JWTAudience                string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer                  string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	MaxConflictRetries         int    `mapstructure:"LEDGER_MAX_CONFLICT_RETRIES"`
	RewardRateLimitPerMinute   int    `mapstructure:"REWARD_RATE_LIMIT_PER_MINUTE"`
	TransferRateLimitPerMinute int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	OutboxFlushSchedule        string `mapstructure:"OUTBOX_FLUSH_SCHEDULE"`
	OutboxBatchSize            int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	MigrateOnStart             bool   `mapstructure:"MIGRATE_ON_START"`

	CheckinReward decimal.Decimal `mapstructure:"-"`
	MiningReward  decimal.Decimal `mapstructure:"-"`
	TransferFee   decimal.Decimal `mapstructure:"-"`
}

// Settings returns the reward constants as the domain type.
func (c Config) Settings() domain.Settings {
	return domain.Settings{
		CheckinReward: c.CheckinReward,
		MiningReward:  c.MiningReward,
		TransferFee:   c.TransferFee,
	}
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitKey)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("CHECKIN_REWARD", defaultCheckinReward)
	viper.SetDefault("MINING_REWARD", defaultMiningReward)
	viper.SetDefault("TRANSFER_FEE", defaultTransferFee)
	viper.SetDefault("LEDGER_MAX_CONFLICT_RETRIES", 3)
	viper.SetDefault("REWARD_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("OUTBOX_FLUSH_SCHEDULE", defaultOutboxSchedule)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("MIGRATE_ON_START", false)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_HMAC_SECRET")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("CHECKIN_REWARD")
	_ = viper.BindEnv("MINING_REWARD")
	_ = viper.BindEnv("TRANSFER_FEE")
	_ = viper.BindEnv("LEDGER_MAX_CONFLICT_RETRIES")
	_ = viper.BindEnv("REWARD_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("OUTBOX_FLUSH_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("MIGRATE_ON_START")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitKey
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = defaultEventsExchange
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.JWTHMACSecret = strings.TrimSpace(config.JWTHMACSecret)
	if strings.TrimSpace(config.OutboxFlushSchedule) == "" {
		config.OutboxFlushSchedule = defaultOutboxSchedule
	}

	config.CheckinReward = parseAmount("CHECKIN_REWARD", defaultCheckinReward)
	config.MiningReward = parseAmount("MINING_REWARD", defaultMiningReward)
	config.TransferFee = parseAmount("TRANSFER_FEE", defaultTransferFee)

	if config.MaxConflictRetries < 0 {
		log.Printf("level=warn component=config msg=\"negative conflict retry bound; coercing to zero\" value=%d", config.MaxConflictRetries)
		config.MaxConflictRetries = 0
	}
	if config.RewardRateLimitPerMinute < 0 {
		config.RewardRateLimitPerMinute = 0
	}
	if config.TransferRateLimitPerMinute < 0 {
		config.TransferRateLimitPerMinute = 0
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 50
	}

	return
}

// parseAmount reads a decimal setting, falling back to the default when the
// value is malformed, negative or has more than eight decimal places.
func parseAmount(key, fallback string) decimal.Decimal {
	def := decimal.RequireFromString(fallback)
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return def
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q err=%v", key, raw, err)
		return def
	}
	if value.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative %s configured; using default\" value=%s", key, value)
		return def
	}
	if !value.Equal(value.Truncate(domain.AmountScale)) {
		log.Printf("level=warn component=config msg=\"%s exceeds amount precision; using default\" value=%s", key, value)
		return def
	}
	return value
}
