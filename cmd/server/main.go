// Command server is the PulseHub Profile Engine's long-running process: it
// wires the Dynamic Profile Store, Secondary Index Maintainer, Device
// Classifier, TTL-Aware Expiry Reaper, Static Profile and Cold-Tier
// collaborators, and the Profile Aggregator together behind the inbound and
// outbound Event Boundary, then serves an HTTP surface for health, metrics,
// and event ingestion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/time/rate"

	_ "github.com/pulsehub/profile-engine/docs"
	"github.com/pulsehub/profile-engine/internal/aggregator"
	"github.com/pulsehub/profile-engine/internal/coldtier"
	"github.com/pulsehub/profile-engine/internal/config"
	"github.com/pulsehub/profile-engine/internal/database/postgres"
	"github.com/pulsehub/profile-engine/internal/device"
	"github.com/pulsehub/profile-engine/internal/events"
	"github.com/pulsehub/profile-engine/internal/index"
	"github.com/pulsehub/profile-engine/internal/infrastructure/cache"
	"github.com/pulsehub/profile-engine/internal/ingest"
	"github.com/pulsehub/profile-engine/internal/profile"
	"github.com/pulsehub/profile-engine/internal/pulseerr"
	"github.com/pulsehub/profile-engine/internal/reaper"
	"github.com/pulsehub/profile-engine/internal/staticprofile"
	"github.com/pulsehub/profile-engine/internal/store/redisstore"
	"github.com/pulsehub/profile-engine/internal/wsstream"
	"github.com/pulsehub/profile-engine/pkg/logger"
	"github.com/pulsehub/profile-engine/pkg/metrics"
)

const (
	serviceName    = "pulsehub-profile-engine"
	serviceVersion = "1.0.0"

	// ingestRateLimit and ingestRateBurst bound the inbound /v1/events rate,
	// shedding load rather than letting a noisy producer starve the reaper
	// and aggregator of Redis/Postgres throughput.
	ingestRateLimit = 2000
	ingestRateBurst = 500
)

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)
	log.Info("starting pulsehub profile engine", "version", serviceVersion, "environment", cfg.App.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.DefaultRegistry()
	domainMetrics := registry.Domain()
	infraMetrics := registry.Infra()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	rs := redisstore.New(redisClient)

	dbPool := postgres.NewPostgresPool(&postgres.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.Username,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxConnections),
		MinConns:        int32(cfg.Database.MinConnections),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	}, log)
	if err := dbPool.Connect(ctx); err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer dbPool.Disconnect(context.Background())

	dbExporter := postgres.NewPrometheusExporter(dbPool, infraMetrics.DB)
	dbExporter.Start(ctx, 15*time.Second)
	defer dbExporter.Stop()

	// Dynamic Profile Store + Secondary Index Maintainer + Device Classifier,
	// all addressed through the single Redis-backed store.Store.
	classifier := device.New(rs, log, domainMetrics.Device)
	indexMaintainer := index.New(rs, rs, rs, log, domainMetrics.Index)
	profileStore := profile.New(rs, indexMaintainer, log, domainMetrics.Profile,
		profile.WithDefaultTTL(cfg.Profile.DefaultTTL))

	// Static Profile Collaborator and Cold-Tier Document Collaborator, both
	// backed by the same Postgres pool.
	staticRepo := staticprofile.NewPostgresRepository(dbPool, log)
	coldTierRepo := coldtier.NewPostgresRepository(dbPool, log)

	// Profile Aggregator composes the dynamic and static sides behind two
	// differently-tuned cache.Cache instances.
	crmCache, err := cache.NewRedisCache(&cache.CacheConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	}, log)
	if err != nil {
		log.Error("failed to build crm cache", "error", err)
		os.Exit(1)
	}
	defer crmCache.Close()

	analyticsCache, err := cache.NewRedisCache(&cache.CacheConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	}, log)
	if err != nil {
		log.Error("failed to build analytics cache", "error", err)
		os.Exit(1)
	}
	defer analyticsCache.Close()

	agg := aggregator.New(profileStore, staticRepo, rs, crmCache, analyticsCache, log, domainMetrics.Aggregator)

	// Outbound Event Boundary.
	bus := events.NewBus(log, domainMetrics.Events)
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	// Live WebSocket stream of ProfileUpdated events, registered as just
	// another outbound sink alongside any message-broker producer.
	wsHub := wsstream.NewHub(log)
	wsHub.Start(ctx)
	bus.Register(wsHub)

	cleanupBus := events.NewCleanupBus(log, domainMetrics.Events)
	cleanupBus.Start(ctx)
	defer cleanupBus.Stop(context.Background())

	// Inbound Event Boundary + cold-tier materialization.
	router := ingest.New(profileStore, classifier, bus, log, domainMetrics.Ingest)
	materializer := ingest.NewMaterializer(coldTierRepo, log, domainMetrics.Ingest)

	// TTL-Aware Expiry Reaper, scheduled via robfig/cron.
	sweep, err := reaper.New(rs, reaper.Config{
		BatchSize:        cfg.Reaper.BatchSize,
		MaxIterations:    cfg.Reaper.MaxIterations,
		LockExpireTime:   cfg.Reaper.LockExpireTime,
		MaxExecutionTime: cfg.Reaper.MaxExecutionTime,
	}, log, domainMetrics.Reaper)
	if err != nil {
		log.Error("failed to construct reaper", "error", err)
		os.Exit(1)
	}
	sweep.SetCleanupBus(cleanupBus)

	sched := cron.New(cron.WithLocation(time.UTC))
	entryID, err := sched.AddFunc(cfg.Reaper.ScheduleCron, func() {
		result, runErr := sweep.RunScheduled(ctx)
		if runErr != nil {
			if runErr == reaper.ErrLeaseContention {
				log.Debug("reaper tick skipped: lease already held")
				return
			}
			log.Error("reaper tick failed", "error", runErr)
			return
		}
		log.Info("reaper tick completed",
			"actually_expired", result.ActuallyExpired,
			"candidates", result.Candidates,
			"remaining", result.Remaining,
			"iterations", result.Iterations,
		)
	})
	if err != nil {
		log.Error("failed to schedule reaper", "error", err)
		os.Exit(1)
	}
	sweep.SetNextRunFunc(func() time.Time {
		for _, e := range sched.Entries() {
			if e.ID == entryID {
				return e.Next
			}
		}
		return time.Time{}
	})
	sched.Start()
	defer sched.Stop()

	validate := validator.New()
	limiter := rate.NewLimiter(rate.Limit(ingestRateLimit), ingestRateBurst)
	routes := buildMux(agg, router, materializer, validate, limiter, wsHub, log)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: routes,
	}

	go func() {
		log.Info("http server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced shutdown", "error", err)
	}
	log.Info("shutdown complete")
}

// ingestPayload is the wire shape of a POST /v1/events request body,
// validated with go-playground/validator before being mapped onto
// ingest.Event.
type ingestPayload struct {
	UserID         string     `json:"user_id" validate:"required"`
	EventType      string     `json:"event_type" validate:"required,oneof=PAGE_VIEW SESSION_START DEVICE_OBSERVED"`
	DeviceRawToken *string    `json:"device_raw_token,omitempty"`
	Count          *uint64    `json:"count,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

func buildMux(agg *aggregator.Aggregator, router *ingest.Router, materializer *ingest.Materializer, validate *validator.Validate, limiter *rate.Limiter, wsHub *wsstream.Hub, log *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/stream", wsHub.HandleUpgrade).Methods(http.MethodGet)

	r.PathPrefix("/swagger").Handler(httpSwagger.WrapHandler)

	r.HandleFunc("/v1/events", func(w http.ResponseWriter, req *http.Request) {
		if !limiter.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var payload ingestPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := validate.Struct(payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(err.Error()))
			return
		}

		ev := ingest.Event{
			UserID:         payload.UserID,
			EventType:      ingest.EventType(payload.EventType),
			DeviceRawToken: payload.DeviceRawToken,
			Count:          payload.Count,
		}
		if payload.Timestamp != nil {
			ev.Timestamp = *payload.Timestamp
		}

		if err := router.Route(req.Context(), ev); err != nil {
			if pulseerr.IsInvalidArgument(err) {
				w.WriteHeader(http.StatusBadRequest)
			} else {
				w.WriteHeader(http.StatusInternalServerError)
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	r.HandleFunc("/v1/profiles/{user_id}", func(w http.ResponseWriter, req *http.Request) {
		userID := mux.Vars(req)["user_id"]
		snap, err := agg.GetProfile(req.Context(), userID)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if snap == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			log.Warn("failed to encode profile response", "error", err)
		}
		go func() {
			if err := materializer.Materialize(context.Background(), snap); err != nil {
				log.Debug("materialization failed", "user_id", userID, "error", err)
			}
		}()
	}).Methods(http.MethodGet)

	return r
}
