package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/terminal-bench/vestd/pkg/messaging"
)

// NATSChannel submits transfer batches over NATS. Each batch goes out on the
// batch subject with a per-batch reply subject; the external worker answers
// with one result message carrying index-aligned outcomes.
type NATSChannel struct {
	client  *messaging.Client
	budget  Budget
	handler CompletionHandler

	pending *batchIndex
}

// NewNATSChannel creates the channel. Start must be called before Submit so
// result messages have somewhere to land.
func NewNATSChannel(client *messaging.Client, budget Budget, handler CompletionHandler) *NATSChannel {
	return &NATSChannel{
		client:  client,
		budget:  budget,
		handler: handler,
		pending: newBatchIndex(),
	}
}

// Start subscribes to the result subject tree.
func (c *NATSChannel) Start() error {
	subject := messaging.SubjectTransferResultsBase + ".*"
	return c.client.Subscribe(subject, c.onResult)
}

func (c *NATSChannel) CanAfford(n int) bool {
	return c.budget.Covers(n)
}

// Submit publishes the batch. The keys are remembered locally so the result
// handler can hand them back to the engine in submission order.
func (c *NATSChannel) Submit(ctx context.Context, batch Batch) error {
	if !c.CanAfford(len(batch.Requests)) {
		return ErrBudgetExceeded
	}

	msg := messaging.TransferBatchMessage{
		BatchID:  batch.ID,
		Asset:    batch.Asset,
		Requests: make([]messaging.TransferRequestMessage, len(batch.Requests)),
		Keys:     make([]messaging.TransferKeyMessage, len(batch.Keys)),
	}
	for i, req := range batch.Requests {
		msg.Requests[i] = messaging.TransferRequestMessage{
			Recipient: req.Recipient,
			Amount:    req.Amount.String(),
		}
	}
	for i, key := range batch.Keys {
		msg.Keys[i] = messaging.TransferKeyMessage{
			Beneficiary: key.Beneficiary,
			IssuedAt:    key.IssuedAt,
		}
	}

	reply := fmt.Sprintf("%s.%s", messaging.SubjectTransferResultsBase, batch.ID)
	c.pending.put(batch.ID, batch.Keys)

	if err := c.client.PublishReply(ctx, messaging.SubjectTransferBatch, reply, msg); err != nil {
		c.pending.take(batch.ID)
		return fmt.Errorf("failed to submit transfer batch: %w", err)
	}
	return nil
}

func (c *NATSChannel) onResult(msg *nats.Msg) {
	var result messaging.TransferResultMessage
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		log.Printf("transfer: dropping malformed result message: %v", err)
		return
	}

	keys, ok := c.pending.take(result.BatchID)
	if !ok {
		log.Printf("transfer: result for unknown batch %s", result.BatchID)
		return
	}
	if len(result.Succeeded) != len(keys) {
		log.Printf("transfer: batch %s result size %d does not match %d submitted keys",
			result.BatchID, len(result.Succeeded), len(keys))
		return
	}

	if err := c.handler(context.Background(), result.BatchID, keys, result.Succeeded); err != nil {
		log.Printf("transfer: reconciliation of batch %s failed: %v", result.BatchID, err)
	}
}

// batchIndex remembers submitted keys until their result arrives.
type batchIndex struct {
	mu      sync.Mutex
	batches map[uuid.UUID][]Key
}

func newBatchIndex() *batchIndex {
	return &batchIndex{batches: make(map[uuid.UUID][]Key)}
}

func (b *batchIndex) put(id uuid.UUID, keys []Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches[id] = keys
}

func (b *batchIndex) take(id uuid.UUID) ([]Key, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys, ok := b.batches[id]
	delete(b.batches, id)
	return keys, ok
}
