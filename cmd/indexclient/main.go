package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cryptoindex/internal/backoff"
	"cryptoindex/internal/indexclient"
	"cryptoindex/internal/logger"
)

func main() {
	server := flag.String("server", "ws://127.0.0.1:8080", "WebSocket server address")
	reconnect := flag.Bool("reconnect", true, "Reconnect automatically if the connection is lost")
	delay := flag.Duration("reconnect-delay", 5*time.Second, "Initial reconnection delay")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	lvl, err := logger.ParseLevel(*level)
	if err != nil {
		log.Fatalf("[indexclient] %v", err)
	}
	logger.InitWriter(os.Stderr, "indexclient", lvl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := indexclient.New(indexclient.Config{
		URL:       *server,
		Reconnect: *reconnect,
		Backoff:   backoff.Policy{Initial: *delay, Max: backoff.DefaultMax},
	})
	c.OnMessage = func(m indexclient.Message) { fmt.Println(m) }
	c.OnRaw = func(s string) { fmt.Println("[SERVER MESSAGE]", s) }

	slog.Info("connecting", "server", *server)
	if err := c.Run(ctx); err != nil {
		slog.Error("connection failed", "error", err)
		os.Exit(1)
	}
}
