package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"testing"

	"github.com/silknetwork-maker/silk-network/internal/domain"
	"github.com/silknetwork-maker/silk-network/internal/store"
	"github.com/silknetwork-maker/silk-network/pkg/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedEvent struct {
	exchange   string
	routingKey string
	body       []byte
}

type publisherStub struct {
	fail      error
	published []publishedEvent
	closed    int
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.fail != nil {
		return p.fail
	}
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.published = append(p.published, publishedEvent{exchange: exchange, routingKey: routingKey, body: blob})
	return nil
}

func (p *publisherStub) Close() { p.closed++ }

func TestOutboxDispatcherPublishesCommittedTransfer(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedAccount(t, repo, "alice@silk.test", "5")
	seedAccount(t, repo, "bob@silk.test", "")
	_, err := svc.Transfer(ctx, "alice@silk.test", domain.TransferRequest{ToEmail: "bob@silk.test", Amount: dec("3")}, testNow)
	require.NoError(t, err)

	pub := &publisherStub{}
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) { return pub, nil }, 10)

	published, err := dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "silk.events", pub.published[0].exchange)
	assert.Equal(t, domain.RoutingKeyTransferCompleted, pub.published[0].routingKey)

	var event domain.TransferCompletedEvent
	require.NoError(t, json.Unmarshal(pub.published[0].body, &event))
	assert.Equal(t, "bob@silk.test", event.ToEmail)
	assert.True(t, event.Fee.Equal(dec("0.3")))

	again, err := dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again)
}

func TestOutboxDispatcherKeepsMessagesOnPublishFailure(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedAccount(t, repo, "a@silk.test", "")
	_, err := svc.ClaimCheckin(ctx, "a@silk.test", testNow)
	require.NoError(t, err)

	pub := &publisherStub{fail: errors.New("channel closed")}
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) { return pub, nil }, 10)

	published, err := dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	assert.Equal(t, 1, pub.closed)
	for _, status := range repo.OutboxStatus() {
		assert.Equal(t, "pending", status)
	}
}

func TestOutboxDispatcherDialFailure(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	seedAccount(t, repo, "a@silk.test", "")
	_, err := svc.ClaimCheckin(ctx, "a@silk.test", testNow)
	require.NoError(t, err)

	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) { return nil, errors.New("dial tcp: refused") }, 0)
	published, err := dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	dispatcher.Close()
}

func TestOutboxDispatcherParksUnroutableMessages(t *testing.T) {
	_, repo := newTestService(t)
	ctx := context.Background()
	good := repo.StageOutboxMessage("silk.events", domain.RoutingKeyCheckinClaimed, []byte(`{"email":"a@silk.test"}`))
	noExchange := repo.StageOutboxMessage(" ", domain.RoutingKeyCheckinClaimed, []byte(`{}`))
	unknownKey := repo.StageOutboxMessage("silk.events", "reward.bonus.unknown", []byte(`{}`))
	badPayload := repo.StageOutboxMessage("silk.events", domain.RoutingKeyTransferCompleted, []byte(`{"amount":`))

	pub := &publisherStub{}
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) { return pub, nil }, 10)

	published, err := dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	require.Len(t, pub.published, 1)
	assert.Equal(t, domain.RoutingKeyCheckinClaimed, pub.published[0].routingKey)

	statuses := repo.OutboxStatus()
	assert.Equal(t, "published", statuses[good])
	assert.Equal(t, "parked", statuses[noExchange])
	assert.Equal(t, "parked", statuses[unknownKey])
	assert.Equal(t, "parked", statuses[badPayload])
	assert.Equal(t, "missing exchange", repo.OutboxError(noExchange))
	assert.Equal(t, "unknown routing key", repo.OutboxError(unknownKey))
	assert.Equal(t, "payload is not valid JSON", repo.OutboxError(badPayload))

	// Parked messages never come back, even once the broker has recovered.
	again, err := dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again)
	assert.Len(t, pub.published, 1)
}

// settleFailingRepo records settlements but never persists them.
type settleFailingRepo struct {
	*store.MemoryRepository
	settled []store.OutboxSettlement
}

func (r *settleFailingRepo) SettleOutboxMessage(ctx context.Context, settlement store.OutboxSettlement) error {
	r.settled = append(r.settled, settlement)
	return errors.New("conn closed")
}

func TestOutboxDispatcherLogsSettleFailures(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	_, memory := newTestService(t)
	ctx := context.Background()
	id := memory.StageOutboxMessage("silk.events", domain.RoutingKeyCheckinClaimed, []byte(`{}`))
	repo := &settleFailingRepo{MemoryRepository: memory}

	pub := &publisherStub{fail: errors.New("channel closed")}
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) { return pub, nil }, 10)

	published, err := dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	require.Len(t, repo.settled, 1)
	assert.Equal(t, store.OutboxRetry, repo.settled[0].Outcome)
	assert.Equal(t, 2, repo.settled[0].RetryAfterSeconds)
	assert.Equal(t, "channel closed", repo.settled[0].Reason)
	assert.Contains(t, logs.String(), "outcome=settle_failed id=1 settlement=retry err=conn closed")

	// The row stays processing until the stale window reclaims it.
	assert.Equal(t, "processing", memory.OutboxStatus()[id])

	pub.fail = nil
	published, err = dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	assert.Empty(t, repo.settled[1:])
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{attempt: 0, want: 1},
		{attempt: 1, want: 2},
		{attempt: 3, want: 8},
		{attempt: 8, want: 256},
		{attempt: 9, want: 300},
		{attempt: 20, want: 300},
	}
	for _, tt := range tests {
		if got := retryDelaySeconds(tt.attempt); got != tt.want {
			t.Fatalf("retryDelaySeconds(%d): expected %d, got %d", tt.attempt, tt.want, got)
		}
	}
}
