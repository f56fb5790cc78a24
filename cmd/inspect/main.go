package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"idempotent-consumer/internal/config"
	"idempotent-consumer/internal/infrastructure/postgres"
)

func main() {
	limit := flag.Int("limit", 5, "number of recent outbox rows to print")
	dsn := flag.String("dsn", "", "postgres connection string (defaults to the configured database)")
	flag.Parse()

	connStr := *dsn
	if connStr == "" {
		cfg, err := config.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to load config: %v\n", err)
			os.Exit(1)
		}
		connStr = postgres.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
		}.DSN()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	inboxRepo := postgres.NewInboxRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)

	processed, err := inboxRepo.Count(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	pending, err := outboxRepo.Count(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- Processed events ---")
	fmt.Printf("Count: %d\n", processed)

	fmt.Println("\n--- Outbox ---")
	fmt.Printf("Pending: %d\n", pending)

	events, err := outboxRepo.ListRecent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for _, e := range events {
		fmt.Printf("ID: %s | Destination: %s | Version: %s | Created: %s | Payload: %s\n",
			e.ID, e.Destination, e.Version, time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Payload)
	}
}
