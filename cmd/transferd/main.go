package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/terminal-bench/vestd/pkg/messaging"
)

// transferd executes the asset transfers behind the settlement engine's
// authorize flow. It consumes transfer batches, journals each payout, and
// replies with index-aligned per-transfer outcomes.

func main() {
	natsURL := getEnv("NATS_URL", nats.DefaultURL)
	dbURL := os.Getenv("DATABASE_URL")

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            natsURL,
		Name:           "transferd",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	var journal *sql.DB
	if dbURL != "" {
		journal, err = sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer journal.Close()

		if err := ensureJournalSchema(context.Background(), journal); err != nil {
			log.Fatalf("Failed to initialize journal schema: %v", err)
		}
	}

	worker := &worker{nats: natsClient, journal: journal}

	err = natsClient.QueueSubscribe(messaging.SubjectTransferBatch, "transferd", worker.handleBatch)
	if err != nil {
		log.Fatalf("Failed to subscribe to transfer batches: %v", err)
	}
	log.Printf("transferd consuming %s", messaging.SubjectTransferBatch)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := natsClient.Drain(); err != nil {
		log.Printf("Drain failed: %v", err)
	}
}

type worker struct {
	nats    *messaging.Client
	journal *sql.DB
}

func (w *worker) handleBatch(msg *nats.Msg) {
	var batch messaging.TransferBatchMessage
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		log.Printf("Dropping malformed batch: %v", err)
		return
	}
	if msg.Reply == "" {
		log.Printf("Dropping batch %s without reply subject", batch.BatchID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	succeeded := make([]bool, len(batch.Requests))
	for i, req := range batch.Requests {
		succeeded[i] = w.execute(ctx, batch, i, req)
	}

	result := messaging.TransferResultMessage{
		BatchID:   batch.BatchID,
		Succeeded: succeeded,
	}
	if err := w.nats.Publish(ctx, msg.Reply, result); err != nil {
		log.Printf("Failed to report results for batch %s: %v", batch.BatchID, err)
		return
	}
	log.Printf("Batch %s: %d transfers executed", batch.BatchID, len(batch.Requests))
}

// execute performs one payout. The journal write is the transfer here; a
// failed write reports the entry as failed so the ledger reverts it.
func (w *worker) execute(ctx context.Context, batch messaging.TransferBatchMessage, idx int, req messaging.TransferRequestMessage) bool {
	if w.journal == nil {
		return true
	}

	_, err := w.journal.ExecContext(ctx, `
		INSERT INTO transfer_journal (batch_id, entry_idx, asset, recipient, amount, executed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (batch_id, entry_idx) DO NOTHING
	`, batch.BatchID, idx, batch.Asset, req.Recipient, req.Amount)
	if err != nil {
		log.Printf("Payout to %s in batch %s failed: %v", req.Recipient, batch.BatchID, err)
		return false
	}
	return true
}

func ensureJournalSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transfer_journal (
			batch_id UUID NOT NULL,
			entry_idx INT NOT NULL,
			asset TEXT NOT NULL,
			recipient TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (batch_id, entry_idx)
		)
	`)
	return err
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
