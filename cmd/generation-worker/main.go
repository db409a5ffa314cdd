package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"pixelstudio/assets"
	"pixelstudio/genapi"
	"pixelstudio/generation"
	"pixelstudio/obs"
	"pixelstudio/storage"
	"pixelstudio/store"
	"pixelstudio/streamq"
)

func main() {
	_ = godotenv.Load()

	shutdownObs, logger := obs.Init("generation-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR empty: the worker consumes the Redis stream")
	}
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		log.Fatalf("DATABASE_URL empty: the worker writes refunds and notifications")
	}

	statusStore, err := store.NewRedisStatusStore(redisAddr, os.Getenv("REDIS_PASSWORD"))
	if err != nil {
		log.Fatalf("init redis status store failed: %v", err)
	}
	db, err := storage.New(context.Background(), dsn)
	if err != nil {
		log.Fatalf("init storage failed: %v", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       readEnvIntDefault("REDIS_DB", 0),
	})

	var assetStore *assets.Store
	if st, enabled, err := assets.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init asset store failed: %v", err)
		}
	} else if enabled {
		assetStore = st
		logger.Info("asset store enabled",
			"bucket", strings.TrimSpace(os.Getenv("OSS_BUCKET")),
			"prefix", strings.TrimSpace(os.Getenv("OSS_PREFIX")))
	}

	streamKey := readEnvDefault("GENERATION_STREAM_KEY", "ps:generation:stream")
	group := readEnvDefault("GENERATION_STREAM_GROUP", "ps-generation")
	maxLen := int64(readEnvIntDefault("GENERATION_STREAM_MAXLEN", 100000))
	q := streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)

	ctx, cancel := signalContext()
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure stream group failed: %v", err)
	}

	generator := genapi.NewClientFromEnv(logger)
	worker := generation.NewWorker(statusStore, db, db, generator, assetStore, logger)

	consumerName := strings.TrimSpace(os.Getenv("WORKER_CONSUMER_NAME"))
	if consumerName == "" {
		consumerName = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}
	cons := streamq.NewConsumer(rdb, streamKey, group, consumerName)
	cons.SetConcurrency(readEnvIntDefault("STREAM_CONCURRENCY", 4))
	logger.Info("generation-worker start",
		"stream", streamKey, "group", group, "consumer", consumerName, "workerId", worker.WorkerID())

	go serveMetrics(readEnvDefault("METRICS_ADDR", ":9090"))

	err = cons.ConsumeLoop(ctx, worker.HandleQueueMessage)
	if err != nil && err != context.Canceled {
		log.Fatalf("consume loop exited: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("generation-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
