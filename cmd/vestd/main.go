package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/vestd/internal/gateway"
	"github.com/terminal-bench/vestd/internal/grant"
	"github.com/terminal-bench/vestd/internal/pausegate"
	"github.com/terminal-bench/vestd/internal/roles"
	"github.com/terminal-bench/vestd/internal/settlement"
	"github.com/terminal-bench/vestd/internal/store"
	"github.com/terminal-bench/vestd/internal/transfer"
	"github.com/terminal-bench/vestd/pkg/amount"
	"github.com/terminal-bench/vestd/pkg/messaging"
	"golang.org/x/sync/errgroup"
)

func main() {
	port := getEnv("PORT", "8010")
	natsURL := getEnv("NATS_URL", nats.DefaultURL)
	dbURL := os.Getenv("DATABASE_URL")
	redisURL := os.Getenv("REDIS_URL")

	cfg := settlement.Options{
		Asset: getEnv("ASSET_ID", "vest-token"),
		Owner: getEnv("OWNER", "owner"),
		Schedule: grant.Schedule{
			CliffDuration:   getEnvInt64("CLIFF_DURATION", 31_536_000),
			VestingDuration: getEnvInt64("VESTING_DURATION", 94_608_000),
		},
	}

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            natsURL,
		Name:           "vestd",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()
	cfg.Events = natsClient

	ctx := context.Background()

	var snapshots *store.Postgres
	if dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		snapshots = store.NewPostgres(db)
		if err := snapshots.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to initialize snapshot schema: %v", err)
		}
		cfg.Snapshots = snapshots

		roleStore := roles.NewPostgresStore(db)
		if err := roleStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to initialize role schema: %v", err)
		}
		cfg.Roles = roleStore
	}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		cfg.Gate = pausegate.NewRedisGate(redis.NewClient(opts), "")
	}

	budget := transfer.Budget{
		Units:        getEnvInt("BUDGET_UNITS", 300),
		PerTransfer:  getEnvInt("BUDGET_PER_TRANSFER", 10),
		CallbackCost: getEnvInt("BUDGET_CALLBACK_COST", 20),
	}

	// The channel and engine reference each other; the closure lets the
	// channel deliver completions before the engine exists.
	var engine *settlement.Engine
	channel := transfer.NewNATSChannel(natsClient, budget, func(ctx context.Context, batchID uuid.UUID, keys []transfer.Key, succeeded []bool) error {
		return engine.OnAuthorizeComplete(ctx, batchID, keys, succeeded)
	})
	cfg.Channel = channel

	engine = settlement.NewEngine(cfg)

	if snapshots != nil {
		accounts, spare, err := snapshots.Load(ctx)
		if err != nil {
			log.Fatalf("Failed to load ledger snapshot: %v", err)
		}
		engine.Restore(accounts, spare)
		log.Printf("Restored %d accounts, spare balance %s", len(accounts), spare)
	}

	if err := channel.Start(); err != nil {
		log.Fatalf("Failed to start transfer channel: %v", err)
	}

	if err := natsClient.Subscribe(messaging.SubjectDeposit, func(msg *nats.Msg) {
		handleDeposit(context.Background(), engine, msg.Data)
	}); err != nil {
		log.Fatalf("Failed to subscribe to deposits: %v", err)
	}

	gw := gateway.NewGateway(gateway.Config{
		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
	}, engine, natsClient)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("vestd listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-gctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
}

func handleDeposit(ctx context.Context, engine *settlement.Engine, data []byte) {
	var msg messaging.DepositMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Dropping malformed deposit: %v", err)
		return
	}

	amt, err := amount.Parse(msg.Amount)
	if err != nil {
		log.Printf("Dropping deposit with bad amount %q: %v", msg.Amount, err)
		return
	}

	switch msg.Kind {
	case messaging.DepositTopUp:
		if err := engine.TopUp(ctx, amt); err != nil {
			log.Printf("Top-up failed: %v", err)
		}
	case messaging.DepositIssue:
		grants := make([]settlement.GrantRequest, 0, len(msg.Grants))
		for _, g := range msg.Grants {
			gAmt, err := amount.Parse(g.Amount)
			if err != nil {
				log.Printf("Dropping funded issue with bad amount %q: %v", g.Amount, err)
				return
			}
			grants = append(grants, settlement.GrantRequest{Beneficiary: g.Beneficiary, Amount: gAmt})
		}
		if err := engine.FundedIssue(ctx, amt, msg.IssuedAt, grants); err != nil {
			log.Printf("Funded issue failed: %v", err)
		}
	default:
		log.Printf("Dropping deposit with unknown kind %q", msg.Kind)
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
