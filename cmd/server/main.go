package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/flow7/planscheduler/internal/clock"
	"github.com/flow7/planscheduler/internal/config"
	"github.com/flow7/planscheduler/internal/database"
	"github.com/flow7/planscheduler/internal/handler"
	"github.com/flow7/planscheduler/internal/notify"
	"github.com/flow7/planscheduler/internal/scheduler"
	"github.com/flow7/planscheduler/internal/store"
	"github.com/flow7/planscheduler/internal/tzresolver"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	logger.Info("connecting to database")
	db, err := database.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("running migrations")
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	planStore := store.NewPlanStore(db.Pool)
	settingsStore := store.NewUserSettingsStore(db.Pool)
	deviceStore := store.NewDeviceStore(db.Pool)
	jobStore := store.NewJobStore(db.Pool)

	resolver := tzresolver.New(settingsStore)
	jwtService := handler.NewJWTService(cfg.Auth.JWTSecret)
	sysClock := clock.System{}

	var channel notify.DeliveryChannel
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := notify.NewFirebaseChannel(ctx, cfg.Firebase.CredentialsFile)
		if err != nil {
			logger.Fatal("failed to initialize firebase messaging client", zap.Error(err))
		}
		channel = fcm
		logger.Info("firebase cloud messaging channel initialized")
	} else {
		logger.Warn("firebase.credentials_file not set, notifications will not be delivered")
		channel = notify.NoopChannel{}
	}

	dispatcher := notify.New(
		planStore, settingsStore, deviceStore, resolver, channel, logger,
		notify.Config{Retries: cfg.Firebase.SendRetries, Backoff: cfg.Firebase.SendBackoff},
	)

	sched := scheduler.New(jobStore, planStore, resolver, dispatcher, sysClock, logger, cfg.Scheduler)

	logger.Info("running startup recovery scan")
	if err := sched.StartupRecovery(ctx); err != nil {
		logger.Error("startup recovery failed", zap.Error(err))
	}
	sched.Start(ctx)

	planHandler := handler.NewPlanHandler(planStore, settingsStore, sched, sysClock)
	settingsHandler := handler.NewSettingsHandler(settingsStore, sched, logger)
	deviceHandler := handler.NewDeviceHandler(deviceStore)
	srv := handler.NewServer(planHandler, settingsHandler, deviceHandler, jwtService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(zapRequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Mount("/", srv.Router())

	addr := fmt.Sprintf(":%s", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// zapRequestLogger mirrors the teacher's chi middleware.Logger, routed
// through zap instead of the standard library logger.
func zapRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
