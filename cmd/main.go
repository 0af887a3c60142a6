/**
 * @description
 * This is the main entry point for the SILK ledger service. It loads
 * configuration, opens the account store (PostgreSQL or in-memory), connects
 * the optional Redis rate limiter, starts the outbox relay to RabbitMQ and
 * serves the HTTP API until a termination signal arrives.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: rate limit counters.
 * - github.com/joho/godotenv: local .env support.
 * - internal/api, internal/app, internal/config, internal/store, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/silknetwork-maker/silk-network/internal/api"
	"github.com/silknetwork-maker/silk-network/internal/app"
	"github.com/silknetwork-maker/silk-network/internal/config"
	"github.com/silknetwork-maker/silk-network/internal/store"
	rmrabbit "github.com/silknetwork-maker/silk-network/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.JWKSURL == "" && cfg.JWTHMACSecret == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"token verification must be configured\" env=JWKS_URL|JWT_HMAC_SECRET")
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; /internal routes will reject all calls\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting silk ledger\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	repository, closeStore := openStore(cfg)
	defer closeStore()

	ledgerService := app.NewService(repository, cfg.Settings(), cfg.EventsExchange)
	ledgerService.SetMaxConflictRetries(cfg.MaxConflictRetries)

	if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		ledgerService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix, app.RateLimitPolicy{
			app.RateLimitScopeReward:   cfg.RewardRateLimitPerMinute,
			app.RateLimitScopeTransfer: cfg.TransferRateLimitPerMinute,
		}))
	}

	dispatcher := app.NewOutboxDispatcher(repository, publisherFactory(cfg.RabbitMQURL), cfg.OutboxBatchSize)
	defer dispatcher.Close()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(dispatcher, logger, cfg.OutboxFlushSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"outbox scheduler start failed\" err=%v", err)
	}

	handlers := api.NewLedgerHandlers(ledgerService)
	router := api.LedgerRoutes(handlers, api.AuthConfig{
		JWKSURL:    cfg.JWKSURL,
		HMACSecret: cfg.JWTHMACSecret,
		Audience:   cfg.JWTAudience,
		Issuer:     cfg.JWTIssuer,
	}, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func openStore(cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; balances are lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)
	if cfg.MigrateOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := repository.Migrate(ctx); err != nil {
			dbpool.Close()
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"schema migrated\"")
	}
	return repository, dbpool.Close
}

// connectRedis returns nil when Redis is not configured or unreachable, which
// disables rate limiting.
func connectRedis(redisURL string) *redis.Client {
	if redisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

func publisherFactory(amqpURL string) app.PublisherFactory {
	if amqpURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; ledger events stay in the outbox\" env=RABBITMQ_URL")
		return func() (rmrabbit.Publisher, error) {
			return &rmrabbit.EventProducerFallback{}, nil
		}
	}
	return func() (rmrabbit.Publisher, error) {
		producer, err := rmrabbit.NewEventProducer(amqpURL)
		if err != nil {
			log.Printf("level=warn component=rabbitmq_producer msg=\"dial failed; retrying on next flush\" err=%v", err)
			return nil, err
		}
		return producer, nil
	}
}
