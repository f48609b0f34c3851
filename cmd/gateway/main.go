package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"strata/pkg/audit"
	"strata/pkg/binding"
	"strata/pkg/hardening"
	"strata/pkg/httpx"
	"strata/pkg/mediation"
	"strata/pkg/metrics"
	"strata/pkg/models"
	"strata/pkg/ratelimit"
	"strata/pkg/secpolicy"
	"strata/pkg/statebus"
	"strata/pkg/store"
	"strata/pkg/stream"
	"strata/pkg/telemetry"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server wires the dissemination engine: the binding assembler, the mediation
// registry, the security-policy resolver, and the content sources behind them.
type Server struct {
	DB                  gatewayDB
	Repo                *store.Repository
	Policy              *secpolicy.Resolver
	Registry            *mediation.Registry
	Assembler           *binding.Assembler
	States              *statebus.Table
	Fetcher             binding.Fetcher
	Audit               auditStore
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RedemptionWindow    time.Duration
	Clock               func() time.Time
	BasicUsers          map[string]string
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	AppContext          string
}

// now reads the server clock. The redemption-window check and the mediation
// registry must agree on time, so both take the same injectable source.
func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, requestID string) (audit.Record, error)
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

type (
	gatewayInitTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
	gatewayOpenDBFunc        func(ctx context.Context) (gatewayDBCloser, error)
	gatewayOpenRedisFunc     func(ctx context.Context) (*redis.Client, error)
	gatewayListenFunc        func(server *http.Server) error
	gatewayStartLoopsFunc    func(s *Server)
)

// Testable seams for main().
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = serveUntilSignal
	startLoopsFnG  = func(s *Server) {
		go s.sweepLoop(context.Background())
		go s.metricsLoop(context.Background())
	}
)

// serveUntilSignal runs the HTTP server until it fails or the process is
// asked to stop, then drains in-flight disseminations before returning.
func serveUntilSignal(server *http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

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

	if err := hardening.ValidateProduction(hardeningOptions()); err != nil {
		return err
	}

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

	redisConn, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisConn = nil
	}
	var cache store.Cache
	var limiter ratelimit.Limiter
	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if redisConn != nil {
		defer redisConn.Close()
		cache = store.NewCache(ctx, redisConn)
		limiter = ratelimit.NewRedis(redisConn, rateLimitWindow)
	} else {
		cache = store.NewMemoryCache()
		limiter = ratelimit.NewInMemory(rateLimitWindow)
	}

	server := secpolicy.ServerID{
		Scheme:       env("SERVER_SCHEME", "http"),
		Host:         env("SERVER_HOST", "localhost"),
		Port:         env("SERVER_PORT", "8080"),
		RedirectPort: env("SERVER_REDIRECT_PORT", "8443"),
		Context:      env("APP_CONTEXT", secpolicy.DefaultContext),
	}
	policy, err := loadPolicy(server)
	if err != nil {
		return err
	}

	regOpts := []mediation.Option{}
	if env("MEDIATION_HARDENED_IDS", "false") == "true" {
		regOpts = append(regOpts, mediation.WithHardenedIDs())
	}
	registry := mediation.NewRegistry(policy, envDurationSec("TICKET_TTL_SEC", 300), regOpts...)

	states := statebus.NewTable(allowedStates()...)
	repo := &store.Repository{
		DB:       pool,
		Cache:    cache,
		StateTTL: envDurationSec("OBJECT_STATE_CACHE_TTL_SEC", 30),
	}
	fetcher := httpx.NewRemoteFetcher(envDurationSec("FETCH_TIMEOUT_SEC", 60))

	s := &Server{
		DB:       pool,
		Repo:     repo,
		Policy:   policy,
		Registry: registry,
		Assembler: &binding.Assembler{
			Policy:   policy,
			Registry: registry,
			Spec:     repo,
			States:   states,
			Fetcher:  fetcher,
			Mediate:  env("MEDIATION_ENABLED", "true") == "true",
		},
		States:  states,
		Fetcher: fetcher,
		Audit: &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   strings.EqualFold(env("AUDIT_REDACT", "false"), "true"),
		},
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RateLimiter:         limiter,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_WINDOW", 300),
		RedemptionWindow:    time.Millisecond * time.Duration(envInt("MEDIATION_WINDOW_MS", 5000)),
		BasicUsers:          parseBasicUsers(env("GATEWAY_BASIC_USERS", "")),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		AppContext:          server.Context,
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_OBJECT_EVENTS_TOPIC", "object-events"),
			GroupID: env("KAFKA_GROUP_ID", "strata-gateway"),
		})
		if err != nil {
			return fmt.Errorf("statebus: %w", err)
		}
		go func() {
			defer consumer.Close()
			if err := statebus.Run(context.Background(), consumer, states, log.Printf); err != nil {
				log.Printf("statebus consumer stopped: %v", err)
			}
		}()
	}

	if startLoops != nil {
		startLoops(s)
	}

	httpServer := &http.Server{
		Addr:              env("ADDR", ":8080"),
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 300),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return fmt.Errorf("listen function required")
	}
	log.Printf("gateway listening on %s context=/%s", httpServer.Addr, s.AppContext)
	return listen(httpServer)
}

func loadPolicy(server secpolicy.ServerID) (*secpolicy.Resolver, error) {
	path := strings.TrimSpace(env("SECURITY_POLICY_PATH", ""))
	if path == "" {
		return secpolicy.NewResolver(server, nil), nil
	}
	resolver, err := secpolicy.Load(path, server)
	if err != nil {
		return nil, err
	}
	return resolver, nil
}

func allowedStates() []models.ObjectState {
	raw := strings.TrimSpace(env("DISSEMINATE_STATES", "A"))
	if raw == "" {
		return nil
	}
	var out []models.ObjectState
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, models.ObjectState(part))
		}
	}
	return out
}

func hardeningOptions() hardening.Options {
	return hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", ""),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}
}

func parseBasicUsers(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, pass, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			continue
		}
		out[name] = pass
	}
	return out
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := envDurationSec("TICKET_SWEEP_INTERVAL_SEC", 60)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := s.Registry.Sweep(time.Now().UTC())
			if swept > 0 {
				s.Metrics.AddTicketsSwept(swept)
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("tickets_outstanding", float64(s.Registry.Len()))
			s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
		}
	}
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

// requireBasicAuth guards the authenticated mediation endpoint and the ops
// surface with HTTP basic auth against the configured user table.
func (s *Server) requireBasicAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.BasicUsers) == 0 {
			httpx.Error(w, http.StatusServiceUnavailable, "no gateway users configured")
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || s.BasicUsers[user] != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="strata"`)
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}

func (s *Server) rateLimit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimitEnabled && s.RateLimiter != nil {
			decision := s.RateLimiter.Allow("ds:"+s.clientIP(r), s.RateLimitPerMinute)
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(decision.ResetAt).Seconds())+1, 10))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		h(w, r)
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
			if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
				return candidate
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

func (s *Server) isTrustedProxy(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(strings.TrimSpace(addr)); ip != nil {
		return ip.String()
	}
	return ""
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

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
