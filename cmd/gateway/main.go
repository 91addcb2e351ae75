package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"fingate/pkg/aggregator"
	"fingate/pkg/audit"
	"fingate/pkg/auth"
	"fingate/pkg/backend"
	"fingate/pkg/flags"
	"fingate/pkg/freshness"
	"fingate/pkg/gate"
	"fingate/pkg/hardening"
	"fingate/pkg/httpx"
	"fingate/pkg/metrics"
	"fingate/pkg/ratelimit"
	"fingate/pkg/requestid"
	"fingate/pkg/store"
	"fingate/pkg/stream"
	"fingate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Audit               auditStore
	Backend             *backend.Client
	Bank                *aggregator.Client
	Cache               store.Cache
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Freshness           *freshness.Tracker
	FreshnessConsumer   freshness.Consumer
	Flags               flags.Provider
	FlagKeys            []string
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	CacheTTL            time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	AuthMode            string
	AuthSecret          string
	StartedAt           time.Time
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, requestID, tenant string) (audit.StoredRecord, error)
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
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.freshnessLoop(context.Background())
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
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
	cacheTTL := time.Second * time.Duration(envInt("RESPONSE_CACHE_TTL_SEC", 30))
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	upstreamTimeout := time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 10000))

	backendClient := backend.New(env("BACKEND_BASE_URL", "http://localhost:9000"), upstreamTimeout)
	backendClient.HTTPClient = telemetry.InstrumentClient(&http.Client{Timeout: upstreamTimeout})
	if token := env("BACKEND_AUTH_TOKEN", ""); token != "" {
		backendClient.Tokens = backend.StaticToken(token)
	}

	s := &Server{
		DB:                  pool,
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", ""))},
		Backend:             backendClient,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Freshness:           freshness.NewTracker(),
		Flags:               flags.NewRedisProvider(redisClient, flags.ParseList(env("FEATURE_FLAGS", ""))),
		FlagKeys:            splitList(env("GATE_FLAG_KEYS", "govcon")),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		CacheTTL:            cacheTTL,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		StartedAt:           time.Now().UTC(),
	}
	s.Bank = aggregator.New(backendClient)

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "BACKEND_BASE_URL", Value: s.Backend.BaseURL},
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
	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		consumer, err := freshness.NewKafkaConsumer(freshness.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_FRESHNESS_TOPIC", "resource-updates"),
			GroupID: env("KAFKA_GROUP_ID", "fingate-gateway"),
		})
		if err != nil {
			log.Printf("kafka unavailable, freshness tracking disabled: %v", err)
		} else {
			s.FreshnessConsumer = consumer
		}
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
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
	authRouter.Use(s.flagsMiddleware)
	authRouter.Use(s.rateLimitMiddleware)

	authRouter.Get("/metrics", s.gated(gate.RequireAnyRole("operator", "platformengineer"), s.Metrics.Handler()))
	authRouter.Get("/metrics/prometheus", s.gated(gate.RequireAnyRole("operator", "platformengineer"), s.Metrics.PrometheusHandler()))
	authRouter.Get("/v1/accounts", s.gated(gate.RequireAnyPermission("accounts.read"), s.listAccounts))
	authRouter.Get("/v1/accounts/{account_id}", s.gated(gate.RequireAnyPermission("accounts.read"), s.getAccount))
	authRouter.Get("/v1/transactions", s.gated(gate.RequireAnyPermission("transactions.read"), s.listTransactions))
	authRouter.Get("/v1/invoices", s.gated(gate.RequireAnyPermission("invoices.read"), s.listInvoices))
	authRouter.Get("/v1/payroll/summary", s.gated(gate.Requirement{AnyPermission: []string{"payroll.read"}, Tier: gate.TierStarter}, s.payrollSummary))
	authRouter.Get("/v1/cfo/metrics", s.gated(gate.RequireTier(gate.TierBusiness), s.cfoMetrics))
	authRouter.Get("/v1/govcon/contracts", s.gated(gate.Requirement{Tier: gate.TierBusiness, Flag: "govcon"}, s.govconContracts))
	authRouter.Post("/v1/bank/link-token", s.gated(gate.RequireAnyPermission("bank.link"), s.bankLinkToken))
	authRouter.Post("/v1/bank/exchange", s.gated(gate.RequireAnyPermission("bank.link"), s.bankExchange))
	authRouter.Get("/v1/export/transactions", s.gated(gate.RequireAnyPermission("export.request"), s.exportTransactions))
	authRouter.Get("/v1/audit/{request_id}", s.gated(gate.RequireAnyPermission("audit.read"), s.getAudit))
	authRouter.Get("/v1/stream", s.gated(gate.RequireAnyRole("operator", "complianceofficer"), s.streamEvents))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

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

// gated wraps a handler in one access gate. Denials are observed for metrics
// and the audit trail before the error body is written.
func (s *Server) gated(req gate.Requirement, h http.HandlerFunc) http.HandlerFunc {
	wrapped := gate.Middleware(req, s.observeGate)(h)
	return func(w http.ResponseWriter, r *http.Request) {
		wrapped.ServeHTTP(w, r)
	}
}

func (s *Server) observeGate(r *http.Request, subject *gate.Subject, _ gate.Requirement, d gate.Decision) {
	s.Metrics.IncGateDecision(d.Reason, d.Allowed)
	if d.Allowed {
		return
	}
	id, _ := requestid.FromContext(r.Context())
	tenant, actor := "", ""
	if subject != nil {
		tenant, actor = subject.Tenant, subject.ID
	}
	if s.Audit != nil {
		_ = s.Audit.Append(r.Context(), audit.Record{
			RequestID:  id,
			Kind:       "gate_denial",
			Tenant:     tenant,
			ActorID:    actor,
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     statusForGateReason(d.Reason),
			ReasonCode: d.Reason,
		})
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventGateDenial, map[string]string{
			"path":       r.URL.Path,
			"reason":     d.Reason,
			"request_id": id,
		}))
	}
}

func statusForGateReason(reason string) int {
	if reason == gate.ReasonSnapshotMissing {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}

// flagsMiddleware fills in feature flags the token did not carry. Token
// claims win over provider state; the provider answers fail-closed.
func (s *Server) flagsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := gate.SubjectFromContext(r.Context())
		if subject == nil || s.Flags == nil || len(s.FlagKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		merged := make(map[string]bool, len(subject.Flags)+len(s.FlagKeys))
		for k, v := range subject.Flags {
			merged[k] = v
		}
		for _, key := range s.FlagKeys {
			if _, ok := merged[key]; !ok {
				merged[key] = s.Flags.Enabled(r.Context(), subject.Tenant, key)
			}
		}
		enriched := *subject
		enriched.Flags = merged
		next.ServeHTTP(w, r.WithContext(gate.WithSubject(r.Context(), &enriched)))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "rl:ip:" + s.clientIP(r)
		if subject := gate.SubjectFromContext(r.Context()); subject != nil && subject.ID != "" {
			key = "rl:sub:" + strings.ToLower(subject.ID)
		}
		d := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !d.Allowed {
			retryAfter := int(time.Until(d.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests; slow down and retry")
			return
		}
		next.ServeHTTP(w, r)
	})
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

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// freshnessLoop drains resource-updated events into the tracker, evicting
// the matching cached responses as they arrive.
func (s *Server) freshnessLoop(ctx context.Context) {
	if s.FreshnessConsumer == nil {
		return
	}
	inv := freshness.InvalidatorFunc(func(ctx context.Context, tenant, resource string) {
		if s.Cache != nil {
			_ = s.Cache.Del(ctx, responseCacheKey(tenant, resource, ""))
		}
		if s.Events != nil {
			s.Events.Publish(stream.NewEvent(stream.EventDataRefreshed, map[string]string{
				"tenant":   tenant,
				"resource": resource,
			}))
		}
	})
	if err := s.Freshness.Run(ctx, s.FreshnessConsumer, inv); err != nil && ctx.Err() == nil {
		log.Printf("freshness loop stopped: %v", err)
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Events != nil {
				s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
			}
			s.Metrics.SetGauge("uptime_seconds", time.Since(s.StartedAt).Seconds())
		}
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			out = append(out, cidr)
			continue
		}
		if ip := net.ParseIP(part); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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
