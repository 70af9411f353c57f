package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mkjeldsen/tablebook/internal/handlers"
	"github.com/mkjeldsen/tablebook/internal/hours"
	"github.com/mkjeldsen/tablebook/internal/outbox"
	"github.com/mkjeldsen/tablebook/internal/reservation"
	"github.com/mkjeldsen/tablebook/internal/storage"
	"github.com/mkjeldsen/tablebook/libs/config"
	"github.com/mkjeldsen/tablebook/libs/db"
	"github.com/mkjeldsen/tablebook/libs/httpx"
	"github.com/mkjeldsen/tablebook/libs/kafkax"
	otelx "github.com/mkjeldsen/tablebook/libs/otel"
	"github.com/mkjeldsen/tablebook/libs/runtime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "reservation-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	resolver, publicWindow, err := buildHours(logger)
	if err != nil {
		logger.Error("opening hours config invalid", "err", err)
		panic(err)
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	store := storage.New(pool, outboxRepo, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("schema migration failed", "err", err)
		panic(err)
	}
	if err := store.SeedDefaultResources(ctx); err != nil {
		logger.Error("resource seeding failed", "err", err)
		panic(err)
	}

	outboxPublisher := outbox.NewPublisher(outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	engine := reservation.NewEngine(store, resolver, publicWindow, logger)
	handler := handlers.NewReservationHandler(engine, logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if brokers := config.String("KAFKA_BROKERS", ""); brokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}

	// Public create is rate limited per client IP when Redis is configured;
	// staff endpoints are not.
	publicCreate := http.Handler(http.HandlerFunc(handler.PublicCreate))
	var rdb *redis.Client
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		defer func() { _ = rdb.Close() }()

		limit, err := config.Int("PUBLIC_RATE_LIMIT", 30)
		if err != nil {
			panic(err)
		}
		limiter := httpx.NewRedisRateLimiter(rdb, limit, time.Minute, "public-reservations")
		publicCreate = limiter.Middleware(logger, true)(publicCreate)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	handler.Register(mux, publicCreate)
	if staticDir := config.String("STATIC_DIR", ""); staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(staticDir)))
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(30*time.Second),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: splitCSV(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
			MaxAge:         10 * time.Minute,
		}),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "reservation")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// buildHours assembles the resolver and public booking window from the
// environment. Invalid values abort startup rather than surface per request.
func buildHours(logger *slog.Logger) (*hours.Resolver, reservation.PublicWindow, error) {
	tz := config.String("TIMEZONE", "Europe/Copenhagen")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, reservation.PublicWindow{}, err
	}

	openHour, err := config.Int("OPEN_HOUR", 10)
	if err != nil {
		return nil, reservation.PublicWindow{}, err
	}
	closeHour, err := config.Int("CLOSE_HOUR", 24)
	if err != nil {
		return nil, reservation.PublicWindow{}, err
	}
	overrides, err := hours.ParseWeekdayOverrides(config.String("WEEKDAY_HOURS", "fri=15-26,sat=15-26"))
	if err != nil {
		return nil, reservation.PublicWindow{}, err
	}

	resolver, err := hours.NewResolver(hours.Config{
		Location: loc,
		Default:  hours.DayHours{Open: openHour, Close: closeHour},
		Weekday:  overrides,
	})
	if err != nil {
		return nil, reservation.PublicWindow{}, err
	}

	publicDays := map[time.Weekday]bool{}
	for _, name := range splitCSV(config.String("PUBLIC_DAYS", "fri,sat")) {
		wd, err := hours.ParseWeekday(name)
		if err != nil {
			return nil, reservation.PublicWindow{}, err
		}
		publicDays[wd] = true
	}
	firstStart, err := config.Int("PUBLIC_FIRST_START", 19)
	if err != nil {
		return nil, reservation.PublicWindow{}, err
	}
	lastStart, err := config.Int("PUBLIC_LAST_START", 23)
	if err != nil {
		return nil, reservation.PublicWindow{}, err
	}

	logger.Info("opening hours configured",
		"timezone", tz,
		"default_open", openHour,
		"default_close", closeHour,
		"overrides", len(overrides),
	)
	return resolver, reservation.PublicWindow{
		Days:       publicDays,
		FirstStart: firstStart,
		LastStart:  lastStart,
	}, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
