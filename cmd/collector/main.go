package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cryptoindex/config"
	"cryptoindex/internal/api"
	"cryptoindex/internal/backoff"
	"cryptoindex/internal/feed"
	"cryptoindex/internal/gateway"
	"cryptoindex/internal/logger"
	"cryptoindex/internal/metrics"
	"cryptoindex/internal/model"
	"cryptoindex/internal/notification"
	"cryptoindex/internal/pipeline"
	"cryptoindex/internal/smoothing"
	pgstore "cryptoindex/internal/store/postgres"
	redisstore "cryptoindex/internal/store/redis"
	sqlitestore "cryptoindex/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
)

func main() {
	cfg := config.Load()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Printf("[collector] %v, using info", err)
	}
	logger.Init("collector", level)
	log.Println("[collector] starting...")

	// ---- Load feed/index definitions ----
	file, err := config.LoadFile(cfg.ConfigPath)
	if err != nil {
		log.Fatalf("[collector] %v", err)
	}
	feeds, indices, err := file.Model()
	if err != nil {
		log.Fatalf("[collector] %v", err)
	}
	wsAddr := file.WebSocket.Address
	if cfg.WSAddr != "" {
		wsAddr = cfg.WSAddr
	}

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	notifier := buildNotifier(file.Notification)

	sampleSinks := map[string]model.SampleWriter{}
	indexSinks := map[string]model.IndexPublisher{}

	// ---- SQLite sample store (off hot path) ----
	var history *sqlitestore.Reader
	var storageCheck *sqlitestore.Writer
	if cfg.SQLitePath != "" {
		os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
		sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{
			DBPath:   cfg.SQLitePath,
			OnCommit: storageCommit(prom, "sqlite"),
			OnError:  func(error) { prom.StorageErrorsTotal.WithLabelValues("sqlite").Inc() },
		})
		if err != nil {
			log.Fatalf("[collector] sqlite init failed: %v", err)
		}
		sampleSinks["sqlite"] = sqlWriter
		storageCheck = sqlWriter
		go pruneSQLite(ctx, sqlWriter, file.Database.RetentionDays)

		history, err = sqlitestore.NewReader(cfg.SQLitePath)
		if err != nil {
			log.Printf("[collector] WARNING: sqlite reader failed: %v (history API disabled)", err)
		} else {
			defer history.Close()
		}
	}

	// ---- Postgres sample store ----
	dbURL := file.Database.URL
	if cfg.DatabaseURL != "" {
		dbURL = cfg.DatabaseURL
	}
	var pgWriter *pgstore.Writer
	if file.Database.Enabled || cfg.DatabaseURL != "" {
		pgWriter, err = pgstore.New(ctx, pgstore.WriterConfig{
			DSN:           dbURL,
			RetentionDays: file.Database.RetentionDays,
			OnCommit:      storageCommit(prom, "postgres"),
			OnError:       func(error) { prom.StorageErrorsTotal.WithLabelValues("postgres").Inc() },
		})
		if err != nil {
			log.Printf("[collector] WARNING: postgres init failed: %v (continuing without postgres)", err)
		} else {
			sampleSinks["postgres"] = pgWriter
			log.Println("[collector] postgres writer ready")
		}
	}
	health.SetStorage(len(sampleSinks) > 0, len(sampleSinks) > 0)

	// ---- Redis index publisher ----
	redisAddr := file.Redis.Addr
	if cfg.RedisAddr != "" {
		redisAddr = cfg.RedisAddr
	}
	redisPassword := file.Redis.Password
	if cfg.RedisPassword != "" {
		redisPassword = cfg.RedisPassword
	}
	var redisPub *redisstore.Publisher
	if redisAddr != "" && (file.Redis.Enabled || cfg.RedisAddr != "") {
		redisPub, err = redisstore.New(redisstore.WriterConfig{Addr: redisAddr, Password: redisPassword, DB: file.Redis.DB})
		if err != nil {
			log.Printf("[collector] WARNING: redis init failed: %v (continuing without redis)", err)
			health.SetRedis(true, false)
		} else {
			cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
			cb.OnStateChange = func(from, to redisstore.State) {
				log.Printf("[collector] redis circuit %s -> %s", from, to)
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			// Publishes must outlive the signal so the shutdown drain reaches Redis.
			bp := redisstore.NewBufferedPublisher(context.Background(), redisPub, cb, 0)
			bp.OnBuffer = prom.RedisBufferedWrites.Inc
			indexSinks["redis"] = bp
			health.SetRedis(true, true)
			log.Println("[collector] redis publisher ready")
		}
	}

	// ---- Periodic liveness checks ----
	rdbCheck := redisClient(redisPub)
	switch {
	case pgWriter != nil:
		health.StartLivenessChecker(ctx, rdbCheck, pgWriter.DB(), 10*time.Second)
	case storageCheck != nil:
		health.StartLivenessChecker(ctx, rdbCheck, storageCheck.DB(), 10*time.Second)
	default:
		health.StartLivenessChecker(ctx, rdbCheck, nil, 10*time.Second)
	}

	// ---- Pipeline ----
	hubCfg := gateway.DefaultConfig()
	hubCfg.SendQueueSize = cfg.ClientQueueSize

	rt, err := pipeline.New(pipeline.Options{
		Feeds:   feeds,
		Indices: indices,
		Poll: feed.Config{
			Interval:          cfg.PollInterval,
			RequestTimeout:    cfg.FetchTimeout,
			Backoff:           backoff.Policy{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
			DegradedThreshold: uint(cfg.DegradedThreshold),
		},
		Smoothing: smoothing.Params{
			SMAWindow: cfg.SMAWindow,
			EMAFactor: cfg.EMAFactor,
			EMACap:    cfg.EMACap,
		},
		Hub:         hubCfg,
		WSAddr:      wsAddr,
		Notifier:    notifier,
		Metrics:     prom,
		Health:      health,
		SampleSinks: sampleSinks,
		IndexSinks:  indexSinks,
	})
	if err != nil {
		log.Fatalf("[collector] pipeline init failed: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("[collector] %v", err)
	}

	// ---- Status API ----
	var apiSrv *api.Server
	if cfg.APIAddr != "" {
		src := api.Sources{Indices: rt, Feeds: rt, Health: health, Latency: rt}
		if redisPub != nil {
			src.Stored = redisPub
		}
		if history != nil {
			src.History = history
		}
		apiSrv = api.NewServer(cfg.APIAddr, src)
		apiSrv.Start()
	}

	log.Println("[collector] ╔═══════════════════════════════════════════════════════════════╗")
	log.Println("[collector] ║  Crypto Index Collector                                       ║")
	log.Println("[collector] ║                                                               ║")
	log.Println("[collector] ║  [Feeds] → [Aggregator] → [Smoother] → [WS Hub]               ║")
	log.Printf("[collector] ║  Feeds: %-3d Indices: %-3d                                      ║", len(feeds), len(indices))
	log.Printf("[collector] ║  WebSocket: %-49s ║", rt.WSAddr())
	log.Println("[collector] ╚═══════════════════════════════════════════════════════════════╝")
	slog.Info("collector ready", "ws", rt.WSAddr(), "api", cfg.APIAddr, "metrics", cfg.MetricsAddr)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[collector] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if apiSrv != nil {
		apiSrv.Stop(shutdownCtx)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Printf("[collector] shutdown: %v", err)
	}
	metricsSrv.Stop(shutdownCtx)

	log.Println("[collector] shutdown complete.")
}

func buildNotifier(nc config.NotificationConfig) notification.Notifier {
	multi := notification.Multi{notification.NewLogNotifier()}
	if nc.Script != "" {
		multi = append(multi, notification.NewScriptNotifier(nc.Script))
	}
	if nc.WebhookURL != "" {
		multi = append(multi, notification.NewWebhookNotifier(nc.WebhookURL))
	}
	if nc.TelegramToken != "" && nc.TelegramChatID != "" {
		multi = append(multi, notification.NewTelegramNotifier(nc.TelegramToken, nc.TelegramChatID))
	}
	return multi
}

func storageCommit(prom *metrics.Metrics, sink string) func(int, time.Duration) {
	return func(rows int, took time.Duration) {
		prom.StorageRowsTotal.WithLabelValues(sink).Add(float64(rows))
		prom.StorageCommitDur.WithLabelValues(sink).Observe(took.Seconds())
	}
}

func redisClient(p *redisstore.Publisher) *goredis.Client {
	if p == nil {
		return nil
	}
	return p.Client()
}

// pruneSQLite applies the database retention to the local store hourly.
func pruneSQLite(ctx context.Context, w *sqlitestore.Writer, retentionDays int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			n, err := w.Prune(ctx, cutoff)
			if err != nil {
				log.Printf("[collector] sqlite prune failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[collector] pruned %d sqlite rows older than %s", n, cutoff.Format(time.RFC3339))
			}
		}
	}
}
