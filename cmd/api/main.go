package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/toko-payflow/internal/backend"
	"github.com/noah-isme/toko-payflow/internal/cart"
	"github.com/noah-isme/toko-payflow/internal/checkout"
	"github.com/noah-isme/toko-payflow/internal/common"
	"github.com/noah-isme/toko-payflow/internal/config"
	"github.com/noah-isme/toko-payflow/internal/events"
	"github.com/noah-isme/toko-payflow/internal/health"
	"github.com/noah-isme/toko-payflow/internal/lock"
	"github.com/noah-isme/toko-payflow/internal/notify"
	"github.com/noah-isme/toko-payflow/internal/obs"
	"github.com/noah-isme/toko-payflow/internal/payment"
	"github.com/noah-isme/toko-payflow/internal/ratelimit"
	"github.com/noah-isme/toko-payflow/internal/resilience"
	"github.com/noah-isme/toko-payflow/internal/security"
	"github.com/noah-isme/toko-payflow/internal/txref"
	"github.com/noah-isme/toko-payflow/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "payflow")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	if err := resilience.RegisterMetrics(metricsNamespace, nil); err != nil {
		logger.Fatal().Err(err).Msg("register breaker metrics")
	}

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "payflow-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := connectRedis(ctx, cfg, metricsEnabled, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	breaker := resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
		WithTarget("order_backend").
		WithLogger(logger)
	backendClient := backend.New(cfg.BackendBaseURL, resilience.HTTPClient{
		Breaker:     breaker,
		BaseBackoff: cfg.RetryBase,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      0.2,
		Timeout:     cfg.BackendTimeout,
	}, logger.With().Str("component", "backend").Logger())

	var (
		store  txref.Store = txref.NewMemoryStore(cfg.TxRefPrefix, cfg.SessionTTL)
		marker cart.Marker = &cart.MemoryMarker{}
		claim  verify.Claimer
	)
	if redisClient != nil {
		store = txref.RedisStore{Client: redisClient, Prefix: cfg.TxRefPrefix, TTL: cfg.SessionTTL}
		marker = cart.RedisMarker{Client: redisClient}
		claim = lock.Locker{R: redisClient, TTL: cfg.ClaimTTL}
	}

	coordinator := &cart.Coordinator{Marker: marker, Clearer: backendClient, Logger: logger}
	bus := &events.Bus{Notifiers: []events.Notifier{
		events.LogNotifier{Logger: logger.With().Str("component", "events").Logger()},
	}}
	var (
		webhook   *notify.Webhook
		taskRedis asynq.RedisConnOpt
	)
	if cfg.WebhookURL != "" {
		hookCfg := notify.WebhookConfig{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Topics: cfg.WebhookTopics,
			HTTP: resilience.HTTPClient{
				Client:      notify.NewHTTPClient(cfg.WebhookTimeout),
				Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).WithTarget("webhook").WithLogger(logger),
				BaseBackoff: cfg.RetryBase,
				MaxAttempts: 3,
				Jitter:      0.2,
				Timeout:     cfg.WebhookTimeout,
			},
			Logger: logger.With().Str("component", "webhook").Logger(),
		}
		if redisClient != nil {
			hookCfg.Replay = lock.Locker{R: redisClient, Prefix: "payflow:wh:", TTL: cfg.WebhookReplayTTL}
			taskRedis, err = asynq.ParseRedisURI(cfg.RedisURL)
			if err != nil {
				logger.Fatal().Err(err).Msg("parse redis url for task queue")
			}
			taskClient := asynq.NewClient(taskRedis)
			defer func() { _ = taskClient.Close() }()
			hookCfg.Tasks = taskClient
			hookCfg.MaxRetry = cfg.WebhookMaxRetry
		}
		webhook, err = notify.NewWebhook(hookCfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise webhook")
		}
		bus.Notifiers = append(bus.Notifiers, webhook)
	}

	labels := payment.DefaultLabels()
	setLabel(labels, payment.MethodMobileMoneyA, cfg.MobileMoneyALabel)
	setLabel(labels, payment.MethodMobileMoneyB, cfg.MobileMoneyBLabel)
	setLabel(labels, payment.MethodAggregatedRedirect, cfg.AggregatedRedirectLabel)

	paymentSvc, err := payment.NewService(payment.ServiceConfig{
		Backend:             backendClient,
		Store:               store,
		Cart:                coordinator,
		Events:              bus,
		Labels:              labels,
		CardCheckoutBaseURL: cfg.CardCheckoutBaseURL,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment service")
	}

	registry := verify.NewRegistry(verify.Config{
		Gateway:          backendClient,
		Verifier:         backendClient,
		Store:            store,
		Cart:             coordinator,
		Reporter:         verify.EventReporter{Events: bus, Logger: logger},
		Claimer:          claim,
		Interval:         cfg.PollInterval,
		MaxAttempts:      cfg.PollMaxAttempts,
		CheckoutEntryURL: cfg.CheckoutEntryURL,
		Logger:           logger.With().Str("component", "verify").Logger(),
	}, cfg.RegistryRetain)

	statusLimiter, err := ratelimit.NewFixed(cfg.RateLimitStatus, redisClient, "payflow:rl:status")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise status rate limit")
	}
	var initiateLimiter ratelimit.Allower = ratelimit.SlidingWindow{
		Client: redisClient,
		Prefix: "payflow:rl:initiate:",
		Window: cfg.RateLimitWindow,
		Max:    cfg.RateLimitInitiateMax,
	}
	if redisClient == nil {
		initiateLimiter, err = ratelimit.NewFixedWindow(cfg.RateLimitWindow, cfg.RateLimitInitiateMax, nil, "payflow:rl:initiate")
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise initiate rate limit")
		}
	}
	onLimiterError := func(err error) { logger.Warn().Err(err).Msg("rate_limiter_error") }
	guards := checkout.Guards{
		Initiate: []func(http.Handler) http.Handler{
			ratelimit.Handler{Limiter: initiateLimiter, Key: ratelimit.KeyByOrderAndClient, OnError: onLimiterError}.Middleware,
		},
		Read: []func(http.Handler) http.Handler{
			ratelimit.Handler{Limiter: statusLimiter, Key: ratelimit.KeyByClient, OnError: onLimiterError}.Middleware,
		},
	}
	if redisClient != nil {
		guards.Initiate = append(guards.Initiate, common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}.Middleware)
	}

	checkoutHandler := &checkout.Handler{
		Payments:         paymentSvc,
		Registry:         registry,
		CheckoutEntryURL: cfg.CheckoutEntryURL,
		Logger:           logger,
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: cfg.SecurityHeadersEnabled, EnableHSTS: cfg.SecurityHSTSEnabled}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes, RequireJSON: true}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:        health.Deps{Redis: redisClient, Backend: backendClient},
		BackendTimeout: envDurationMillis("HEALTH_READY_BACKEND_TIMEOUT_MS", 500),
		RedisTimeout:   envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Mount("/payments", checkoutHandler.Routes(guards))
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	switch {
	case webhook != nil && taskRedis != nil:
		mux := asynq.NewServeMux()
		webhook.Register(mux)
		taskSrv := notify.NewTaskServer(taskRedis, cfg.WebhookWorkers, logger.With().Str("component", "webhook_tasks").Logger())
		g.Go(func() error { return notify.RunTaskServer(gctx, taskSrv, mux) })
	case webhook != nil:
		g.Go(func() error { return webhook.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		health.SetReady(false)
		logger.Info().Msg("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		// stop accepting mounts before tearing the registry down
		shutdownErr := srv.Shutdown(shutdownCtx)
		if err := registry.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("close verification registry")
		}
		return shutdownErr
	})
	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

// connectRedis returns nil when REDIS_URL is empty; the in-memory stores are
// used instead.
func connectRedis(ctx context.Context, cfg *config.Config, metricsEnabled bool, logger zerolog.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn().Msg("REDIS_URL not set; using in-memory stores")
		return nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func setLabel(labels payment.Labels, m payment.Method, value string) {
	if v := strings.TrimSpace(value); v != "" {
		labels[m] = v
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
