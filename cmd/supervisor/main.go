package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cryptoindex/internal/backoff"
	"cryptoindex/internal/logger"
	"cryptoindex/internal/notification"
	"cryptoindex/internal/supervisor"
)

func main() {
	maxRestarts := flag.Int("max-restarts", supervisor.DefaultMaxRestarts, "Maximum restarts within the monitoring period before giving up")
	period := flag.Duration("monitoring-period", supervisor.DefaultWindow, "Monitoring period")
	initialDelay := flag.Duration("initial-restart-delay", backoff.DefaultInitial, "Delay before the first restart")
	maxDelay := flag.Duration("max-restart-delay", backoff.DefaultMax, "Maximum delay between restarts")
	script := flag.String("notification-script", "", "Executable called with each notification message")
	collector := flag.String("collector", defaultCollector(), "Path to the collector binary")
	flag.Parse()

	logger.Init("supervisor", slog.LevelInfo)
	log.Println("[supervisor] starting Crypto Index Collector supervisor")

	notifier := notification.Multi{notification.NewLogNotifier()}
	if *script != "" {
		notifier = append(notifier, notification.NewScriptNotifier(*script))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := supervisor.New(supervisor.Config{
		Command:     *collector,
		Args:        flag.Args(),
		MaxRestarts: *maxRestarts,
		Window:      *period,
		Backoff:     backoff.Policy{Initial: *initialDelay, Max: *maxDelay},
		StopGrace:   15 * time.Second,
	}, notifier)

	if err := s.Run(ctx); err != nil {
		log.Printf("[supervisor] %v", err)
		os.Exit(1)
	}
}

// defaultCollector looks for the collector next to this binary.
func defaultCollector() string {
	exe, err := os.Executable()
	if err != nil {
		return "collector"
	}
	return filepath.Join(filepath.Dir(exe), "collector")
}
