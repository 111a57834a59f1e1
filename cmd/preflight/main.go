// cmd/preflight/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/app"
	"github.com/hamed0406/uptimewatch/internal/config"
)

func main() {
	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		os.Exit(1)
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fail(err.Error())
	}
	ok("config valid")

	if cfg.StoreDriver == config.StoreMemory {
		warn("STORE_DRIVER=memory: monitors and records are lost on restart.")
	}
	if cfg.QueueDriver == config.QueueMemory {
		warn("QUEUE_DRIVER=memory: only in-process producers can reach the worker.")
	}
	if cfg.MaxAttempts <= 0 {
		warn("MAX_ATTEMPTS <= 0: failing jobs are requeued forever.")
	}
	if cfg.Addr != "" && len(cfg.AdminAPIKeys) == 0 {
		warn("ADDR set but ADMIN_API_KEYS empty: ops API admin routes are open.")
	}
	if cfg.SlackWebhookURL == "" {
		warn("SLACK_WEBHOOK_URL empty: change and dead-letter notifications are off.")
	}
	if cfg.DispatchIntervalMS == 0 {
		warn("DISPATCH_INTERVAL_MS=0: jobs are only published by producers.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := zap.NewNop()

	store, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		fail("store: " + err.Error())
	}
	store.Close()
	ok("store reachable (" + cfg.StoreDriver + ")")

	broker, closeBroker, err := app.OpenBroker(ctx, cfg, log)
	if err != nil {
		fail("queue: " + err.Error())
	}
	defer closeBroker()
	for _, q := range []string{cfg.UptimeQueue, cfg.ChangeQueue} {
		st, err := broker.Stats(ctx, q)
		if err != nil {
			fail("queue " + q + ": " + err.Error())
		}
		msg := fmt.Sprintf("queue %s: %d waiting, %d failed", q, st.Waiting, st.Failed)
		if st.Failed > 0 {
			warn(msg)
			continue
		}
		ok(msg)
	}

	ok("preflight passed")
}
