package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"pixelstudio/admin"
	"pixelstudio/assets"
	"pixelstudio/genapi"
	"pixelstudio/generation"
	"pixelstudio/obs"
	"pixelstudio/storage"
	"pixelstudio/store"
	"pixelstudio/streamq"
	"pixelstudio/webhook"
	"pixelstudio/ws"
)

func main() {
	_ = godotenv.Load()

	shutdownObs, logger := obs.Init("pixelstudio-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		log.Fatalf("DATABASE_URL empty: the credit ledger requires Postgres")
	}
	db, err := storage.New(context.Background(), dsn)
	if err != nil {
		log.Fatalf("init storage failed: %v", err)
	}
	defer db.Close()

	// Status store: Redis in any real deployment; in-memory keeps single-node
	// development working without one (no cross-process claims, no realtime).
	var (
		statusStore store.ProcessingStatusStore
		subscriber  store.StatusSubscriber
		queue       streamq.JobQueue
		realtime    bool
	)
	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr != "" {
		redisStore, err := store.NewRedisStatusStore(redisAddr, os.Getenv("REDIS_PASSWORD"))
		if err != nil {
			log.Fatalf("init redis status store failed: %v", err)
		}
		statusStore = redisStore
		subscriber = redisStore
		realtime = true

		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
			DB:       readEnvIntDefault("REDIS_DB", 0),
		})
		streamKey := readEnvDefault("GENERATION_STREAM_KEY", "ps:generation:stream")
		group := readEnvDefault("GENERATION_STREAM_GROUP", "ps-generation")
		maxLen := int64(readEnvIntDefault("GENERATION_STREAM_MAXLEN", 100000))
		queue = streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)
	} else {
		logger.Warn("REDIS_ADDR empty: using in-memory status store, async pipeline disabled")
		mem := store.NewInMemoryStatusStore(0)
		statusStore = mem
		subscriber = mem
		realtime = true
	}

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

	generator := genapi.NewClientFromEnv(logger)
	worker := generation.NewWorker(statusStore, db, db, generator, assetStore, logger)
	svc := generation.NewService(statusStore, queue, worker, db, realtime, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	svc.RegisterRoutes(mux)
	webhook.NewHandlerFromEnv(worker, logger).RegisterRoutes(mux)
	admin.NewHandlerFromEnv(db, logger).RegisterRoutes(mux)
	mux.Handle("/ws/processing", ws.NewHandler(statusStore, subscriber, logger))

	addr := ":" + readEnvDefault("PORT", "8080")
	logger.Info("api server listening", "addr", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("pixelstudio-api", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
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

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
