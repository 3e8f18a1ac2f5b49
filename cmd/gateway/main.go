package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SubinJosephArangathu/LiverCare/pkg/audit"
	"github.com/SubinJosephArangathu/LiverCare/pkg/auth"
	"github.com/SubinJosephArangathu/LiverCare/pkg/envelope"
	"github.com/SubinJosephArangathu/LiverCare/pkg/hardening"
	"github.com/SubinJosephArangathu/LiverCare/pkg/httpx"
	"github.com/SubinJosephArangathu/LiverCare/pkg/inference"
	"github.com/SubinJosephArangathu/LiverCare/pkg/metrics"
	"github.com/SubinJosephArangathu/LiverCare/pkg/panel"
	"github.com/SubinJosephArangathu/LiverCare/pkg/ratelimit"
	"github.com/SubinJosephArangathu/LiverCare/pkg/stats"
	"github.com/SubinJosephArangathu/LiverCare/pkg/stream"
	"github.com/SubinJosephArangathu/LiverCare/pkg/store"
	"github.com/SubinJosephArangathu/LiverCare/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Audit               auditStore
	Stats               statsEngine
	Inference           inferenceClient
	Events              *stream.Hub
	Publisher           eventPublisher
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	AuthMode            string
	AuthSecret          string
	StatsCacheTTL       time.Duration
	MaxRequestBodyBytes int64
	MaxImportBodyBytes  int64
	DefaultListLimit    int
}

type auditStore interface {
	Record(ctx context.Context, v panel.Vector, res *inference.Result, actor, source string) (string, error)
	ListRecent(ctx context.Context, limit int) ([]audit.DisplayRecord, error)
	ByActor(ctx context.Context, actorID string) ([]audit.DisplayRecord, error)
}

type statsEngine interface {
	Summary(ctx context.Context) (*stats.Summary, error)
}

type inferenceClient interface {
	Predict(ctx context.Context, v panel.Vector) (*inference.Result, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, evt stream.Event) error
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayLoadCipherFunc func(ctx context.Context) (*envelope.Cipher, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	loadCipherFnG  = loadCipher
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, loadCipherFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	loadCipher gatewayLoadCipherFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	statsCacheTTL := time.Second * time.Duration(envInt("STATS_CACHE_TTL_SEC", 30))
	if statsCacheTTL <= 0 {
		statsCacheTTL = 30 * time.Second
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	maxImportBodyBytes := int64(envInt("MAX_IMPORT_BODY_BYTES", 16<<20))
	if maxImportBodyBytes <= 0 {
		maxImportBodyBytes = 16 << 20
	}

	cipher, err := loadCipher(ctx)
	if err != nil {
		return fmt.Errorf("envelope key: %w", err)
	}

	modelURL := env("MODEL_URL", "http://localhost:5001/predict")
	inferenceTimeout := time.Millisecond * time.Duration(envInt("INFERENCE_TIMEOUT_MS", 15000))
	client := inference.New(modelURL, inferenceTimeout)
	client.HTTPClient = telemetry.InstrumentClient(client.HTTPClient)

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		Audit:               &audit.Store{DB: pool, Cipher: cipher},
		Stats:               &stats.Engine{DB: pool, Cipher: cipher, LabField: env("STATS_LAB_FIELD", "")},
		Inference:           client,
		Events:              stream.NewHub(),
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		StatsCacheTTL:       statsCacheTTL,
		MaxRequestBodyBytes: maxRequestBodyBytes,
		MaxImportBodyBytes:  maxImportBodyBytes,
		DefaultListLimit:    envInt("PREDICTIONS_DEFAULT_LIMIT", 50),
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := stream.NewKafkaPublisher(stream.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_EVENTS_TOPIC", "livercare.predictions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		s.Publisher = publisher
	}
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "OIDC_HS256_SECRET", Value: s.AuthSecret},
			{Name: "AUDIT_ENCRYPTION_KEY", Value: envelopeKeyPresent()},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Get("/metrics", s.withRoles(s.Metrics.Handler(), "admin"))
	authRouter.Get("/metrics/prometheus", s.withRoles(s.Metrics.PrometheusHandler(), "admin"))
	authRouter.Post("/v1/predict", s.withRoles(s.handlePredict, "staff", "admin"))
	authRouter.Get("/v1/predictions", s.withRoles(s.listPredictions, "admin"))
	authRouter.Get("/v1/predictions/mine", s.withRoles(s.listMyPredictions, "staff", "admin"))
	authRouter.Get("/v1/stats", s.withRoles(s.getStats, "admin"))
	authRouter.Post("/v1/import", s.withRoles(s.handleImport, "admin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "admin"))
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// loadCipher builds the sealing cipher from AUDIT_ENCRYPTION_KEY, or from
// Vault when KEY_PROVIDER=vault.
func loadCipher(ctx context.Context) (*envelope.Cipher, error) {
	if strings.EqualFold(strings.TrimSpace(env("KEY_PROVIDER", "env")), "vault") {
		source := envelope.VaultKeySource{
			Addr:       env("VAULT_ADDR", ""),
			Token:      env("VAULT_TOKEN", ""),
			Namespace:  env("VAULT_NAMESPACE", ""),
			Mount:      env("VAULT_KV_MOUNT", "secret"),
			Path:       env("VAULT_KEY_PATH", "livercare/envelope"),
			Field:      env("VAULT_KEY_FIELD", "key"),
			Timeout:    time.Millisecond * time.Duration(envInt("VAULT_KEY_LOOKUP_TIMEOUT_MS", 1500)),
			MaxRetries: envInt("VAULT_KEY_LOOKUP_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("VAULT_KEY_LOOKUP_RETRY_DELAY_MS", 100)),
		}
		return source.Fetch(ctx)
	}
	encoded := strings.TrimSpace(env("AUDIT_ENCRYPTION_KEY", ""))
	if encoded == "" {
		return nil, errors.New("AUDIT_ENCRYPTION_KEY required")
	}
	return envelope.NewFromBase64(encoded)
}

// envelopeKeyPresent reports key material availability to the hardening
// check without exposing the key value.
func envelopeKeyPresent() string {
	if strings.TrimSpace(env("AUDIT_ENCRYPTION_KEY", "")) != "" {
		return "set"
	}
	if strings.EqualFold(strings.TrimSpace(env("KEY_PROVIDER", "env")), "vault") &&
		strings.TrimSpace(env("VAULT_ADDR", "")) != "" {
		return "set"
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.MaxRequestBodyBytes
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v1/import") {
			limit = s.MaxImportBodyBytes
		}
		if limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
