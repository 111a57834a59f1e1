// Command enqueue publishes check jobs for monitors onto the configured queue.
//
//	enqueue -monitor <id> [-kind uptime|change]
//	enqueue -all
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/app"
	"github.com/hamed0406/uptimewatch/internal/config"
	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/logging"
	"github.com/hamed0406/uptimewatch/internal/worker"
)

func main() {
	var (
		monitorID  = flag.String("monitor", "", "monitor id to publish jobs for")
		kind       = flag.String("kind", "", "publish only this job kind: uptime or change")
		all        = flag.Bool("all", false, "publish jobs for every active monitor")
		configFile = flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	)
	flag.Parse()

	if (*monitorID == "") == !*all {
		fmt.Fprintln(os.Stderr, "exactly one of -monitor or -all is required")
		flag.Usage()
		os.Exit(2)
	}
	if *kind != "" && *kind != string(domain.JobUptime) && *kind != string(domain.JobChange) {
		fmt.Fprintln(os.Stderr, "-kind must be uptime or change")
		os.Exit(2)
	}

	if err := run(*configFile, domain.MonitorID(*monitorID), domain.JobKind(*kind), *all); err != nil {
		fmt.Fprintln(os.Stderr, "enqueue:", err)
		os.Exit(1)
	}
}

func run(configFile string, id domain.MonitorID, kind domain.JobKind, all bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Dir: cfg.LogDir, Level: cfg.LogLevel, Stdout: cfg.LogStdout})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	broker, closeBroker, err := app.OpenBroker(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer closeBroker()

	pub := worker.NewPublisher(broker, cfg.UptimeQueue, cfg.ChangeQueue)

	var monitors []*domain.Monitor
	if all {
		ms, err := store.ListMonitors(ctx)
		if err != nil {
			return fmt.Errorf("list monitors: %w", err)
		}
		for _, m := range ms {
			if m.Status == domain.MonitorActive {
				monitors = append(monitors, m)
			}
		}
	} else {
		m, err := store.GetMonitor(ctx, id)
		if err != nil {
			return fmt.Errorf("monitor %s: %w", id, err)
		}
		monitors = append(monitors, m)
	}

	total := 0
	for _, m := range monitors {
		var kinds []domain.JobKind
		if kind != "" {
			if err := pub.Publish(ctx, kind, m); err != nil {
				return err
			}
			kinds = []domain.JobKind{kind}
		} else if kinds, err = pub.PublishForMonitor(ctx, m); err != nil {
			return err
		}
		total += len(kinds)
		logger.Info("enqueue_published", zap.String("monitor_id", string(m.ID)), zap.Int("jobs", len(kinds)))
		fmt.Printf("%s %s: %v\n", m.ID, m.URL, kinds)
	}
	fmt.Printf("published %d job(s) for %d monitor(s)\n", total, len(monitors))
	return nil
}
