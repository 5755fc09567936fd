package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/walletmesh/coordinator/types"
)

const QueueName = "walletmesh-coordinator"

const (
	TypeTxFinalized  = "tx:finalized"
	TypePairingEvent = "pairing:event"
)

type EventKind string

const (
	EventTxFinalized   EventKind = "TX_FINALIZED"
	EventSessionClosed EventKind = "SESSION_CLOSED"
	EventConsentPrompt EventKind = "CONSENT_PROMPT"
	EventRequestFailed EventKind = "REQUEST_FAILED"
)

type Event struct {
	Kind    EventKind               `json:"kind"`
	Account string                  `json:"account,omitempty"`
	ChainID uint64                  `json:"chain_id,omitempty"`
	TxID    string                  `json:"tx_id,omitempty"`
	TxHash  string                  `json:"tx_hash,omitempty"`
	Status  types.TransactionStatus `json:"status,omitempty"`
	Dapp    string                  `json:"dapp,omitempty"`
	Message string                  `json:"message,omitempty"`
}

// Notifier is fire-and-forget: implementations must never block the caller on
// delivery and must never return an error into coordinator control flow.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// AsynqNotifier hands events to the task queue for out-of-process delivery
// (push notifications, analytics). Enqueue failures are logged and dropped.
type AsynqNotifier struct {
	logger *logrus.Logger
	client *asynq.Client
}

var _ Notifier = (*AsynqNotifier)(nil)

func NewAsynqNotifier(logger *logrus.Logger, redisAddr, redisPassword string, redisDB int) *AsynqNotifier {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	return &AsynqNotifier{
		logger: logger.WithField("pkg", "notify").Logger,
		client: client,
	}
}

func (n *AsynqNotifier) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Errorf("json.Marshal: %v", err)
		return
	}

	taskType := TypePairingEvent
	if event.Kind == EventTxFinalized {
		taskType = TypeTxFinalized
	}

	_, err = n.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), asynq.Queue(QueueName))
	if err != nil {
		n.logger.Errorf("failed to enqueue %s event, dropping: %v", event.Kind, err)
	}
}

func (n *AsynqNotifier) Close() error {
	return n.client.Close()
}

// NopNotifier drops everything.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) {}

// CaptureNotifier records events for assertions in tests.
type CaptureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func NewCaptureNotifier() *CaptureNotifier {
	return &CaptureNotifier{}
}

func (c *CaptureNotifier) Publish(_ context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *CaptureNotifier) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
