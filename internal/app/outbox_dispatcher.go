package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/silknetwork-maker/silk-network/internal/store"
	"github.com/silknetwork-maker/silk-network/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize  = 50
	defaultStaleProcessing  = 2 * time.Minute
	defaultOutboxFlushLimit = 30 * time.Second
	maxRetryDelaySeconds    = 300
)

// PublisherFactory opens a broker connection on demand.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher relays committed ledger events from the outbox to the broker.
type OutboxDispatcher struct {
	repo                store.Repository
	dial                PublisherFactory
	batchSize           int
	staleProcessingTime time.Duration

	mu       sync.Mutex
	producer rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.Repository, dial PublisherFactory, batchSize int) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = defaultOutboxBatchSize
	}
	return &OutboxDispatcher{
		repo:                repo,
		dial:                dial,
		batchSize:           batchSize,
		staleProcessingTime: defaultStaleProcessing,
	}
}

// Flush runs one bounded dispatch pass. It is the scheduler's job entry point.
func (d *OutboxDispatcher) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultOutboxFlushLimit)
	defer cancel()
	if _, err := d.FlushOnce(ctx); err != nil {
		log.Printf("level=error component=outbox_dispatcher outcome=flush_failed err=%v", err)
	}
}

// FlushOnce claims one batch and publishes it, returning how many messages were published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	published := 0
	for _, message := range messages {
		settlement := d.deliver(ctx, message)
		if err := d.repo.SettleOutboxMessage(ctx, settlement); err != nil {
			log.Printf("level=error component=outbox_dispatcher outcome=settle_failed id=%d settlement=%s err=%v", message.ID, settlement.Outcome, err)
			continue
		}
		if settlement.Outcome == store.OutboxPublished {
			published++
		}
	}
	log.Printf("level=info component=outbox_dispatcher outcome=flushed claimed=%d published=%d", len(messages), published)
	return published, nil
}

// deliver publishes one message and decides how the store should settle it.
func (d *OutboxDispatcher) deliver(ctx context.Context, message store.OutboxMessage) store.OutboxSettlement {
	settlement := store.OutboxSettlement{ID: message.ID, Outcome: store.OutboxPublished}

	if reason := unroutableReason(message); reason != "" {
		log.Printf("level=error component=outbox_dispatcher outcome=parked id=%d routing_key=%q reason=%q", message.ID, message.RoutingKey, reason)
		settlement.Outcome = store.OutboxParked
		settlement.Reason = reason
		return settlement
	}

	if err := d.publishMessage(ctx, message); err != nil {
		retryAfter := retryDelaySeconds(message.Attempts)
		log.Printf("level=warn component=outbox_dispatcher outcome=publish_failed id=%d routing_key=%s attempts=%d retry_in=%ds err=%v",
			message.ID, message.RoutingKey, message.Attempts, retryAfter, err)
		settlement.Outcome = store.OutboxRetry
		settlement.RetryAfterSeconds = retryAfter
		settlement.Reason = err.Error()
	}
	return settlement
}

// unroutableReason explains why a message can never be published, or returns "".
func unroutableReason(message store.OutboxMessage) string {
	switch {
	case strings.TrimSpace(message.Exchange) == "":
		return "missing exchange"
	case !domain.IsLedgerRoutingKey(message.RoutingKey):
		return "unknown routing key"
	case !json.Valid(message.Payload):
		return "payload is not valid JSON"
	}
	return ""
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.dial()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload)); err != nil {
		d.closeProducerLocked()
		return err
	}
	return nil
}

// Close releases the broker connection.
func (d *OutboxDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeProducerLocked()
}

func (d *OutboxDispatcher) closeProducerLocked() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 9)
	if delay > maxRetryDelaySeconds {
		return maxRetryDelaySeconds
	}
	return delay
}
