// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/opsgateway/async-gateway/internal/admin"
	"github.com/opsgateway/async-gateway/internal/config"
	"github.com/opsgateway/async-gateway/internal/kvstore"
	"github.com/opsgateway/async-gateway/internal/obs"
	"github.com/opsgateway/async-gateway/internal/queueregistry"
	"github.com/opsgateway/async-gateway/internal/resultstore"
)

// gateway-admin is the operator CLI for the gateway's Redis-backed queue
// state: stats, peek, purge and a synthetic-load bench. Grounded on
// cmd/job-queue-system/main.go's "-role admin -admin-cmd ..." surface,
// split out into its own binary since this design has no combined
// producer/worker/admin role switch -- the gateway is one process and
// this is a separate operator tool against the same Redis.
func main() {
	var configPath, cmd, queue, list string
	var n int64
	var yes bool
	var benchCount, benchRate int
	var benchTimeout time.Duration

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&cmd, "cmd", "", "Admin command: stats|peek|purge|bench")
	fs.StringVar(&queue, "queue", "", "Queue name (peek, purge, bench)")
	fs.StringVar(&list, "list", "waiting", "List to purge: waiting|processing|delayed")
	fs.Int64Var(&n, "n", 10, "Number of items for peek")
	fs.BoolVar(&yes, "yes", false, "Confirm a destructive purge")
	fs.IntVar(&benchCount, "bench-count", 1000, "Bench: number of synthetic jobs")
	fs.IntVar(&benchRate, "bench-rate", 200, "Bench: enqueue rate jobs/sec")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Bench: time to wait for completion")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	kv := kvstore.New(cfg)
	defer kv.Close()
	registry := queueregistry.New(cfg, kv, logger)
	ctx := context.Background()
	if err := registry.Bootstrap(ctx, cfg.QueueSystem.Bootstrap); err != nil {
		logger.Fatal("failed to load queue registry", obs.Err(err))
	}
	results := resultstore.New(kv, cfg.QueueSystem.ResultTTL, cfg.QueueSystem.ResultHistoryLimit)

	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, kv, registry, results)
		if err != nil {
			logger.Fatal("stats failed", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		if queue == "" {
			logger.Fatal("peek requires -queue")
		}
		res, err := admin.Peek(ctx, kv, registry, queue, n)
		if err != nil {
			logger.Fatal("peek failed", obs.Err(err))
		}
		printJSON(res)
	case "purge":
		if queue == "" {
			logger.Fatal("purge requires -queue")
		}
		if !yes {
			logger.Fatal("refusing to purge without -yes")
		}
		if err := admin.Purge(ctx, kv, registry, queue, admin.List(list)); err != nil {
			logger.Fatal("purge failed", obs.Err(err))
		}
		fmt.Printf("queue %q list %q purged\n", queue, list)
	case "bench":
		if queue == "" {
			logger.Fatal("bench requires -queue")
		}
		res, err := admin.Bench(ctx, kv, registry, results, queue, benchCount, benchRate, benchTimeout)
		if err != nil {
			logger.Fatal("bench failed", obs.Err(err))
		}
		printJSON(res)
	default:
		logger.Fatal("unknown -cmd, want stats|peek|purge|bench", obs.String("cmd", cmd))
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
