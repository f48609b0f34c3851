package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type fakePool struct {
	closed bool
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &fakeRows{}, nil
}

func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakePool) Close() { f.closed = true }

func noopTelemetry(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunGatewayWiresServer(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("GATEWAY_BASIC_USERS", "fedoraAdmin:pw,reader:secret")
	t.Setenv("APP_CONTEXT", "repo")
	t.Setenv("RATE_LIMIT_ENABLED", "false")

	pool := &fakePool{}
	var captured *http.Server
	var loopsServer *Server

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return pool, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error {
			captured = server
			return nil
		},
		func(s *Server) { loopsServer = s },
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if captured == nil {
		t.Fatal("listen never called")
	}
	if !pool.closed {
		t.Error("pool not closed on shutdown")
	}
	if loopsServer == nil {
		t.Fatal("background loops not started")
	}
	if loopsServer.AppContext != "repo" {
		t.Errorf("app context = %q", loopsServer.AppContext)
	}
	if len(loopsServer.BasicUsers) != 2 || loopsServer.BasicUsers["reader"] != "secret" {
		t.Errorf("basic users = %v", loopsServer.BasicUsers)
	}

	// The wired handler serves without a real listener.
	rr := httptest.NewRecorder()
	captured.Handler.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz via wired handler = %d", rr.Code)
	}
}

func TestRunGatewayDBFailure(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return nil, errors.New("no database") },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "db:") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunGatewayTelemetryFailure(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")

	err := runGateway(
		func(ctx context.Context, serviceName string) (func(context.Context) error, error) {
			return nil, fmt.Errorf("exporter unreachable")
		},
		func(ctx context.Context) (gatewayDBCloser, error) { return &fakePool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "otel:") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunGatewayHardeningBlocksProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("STRICT_PROD_SECURITY", "true")
	t.Setenv("DATABASE_REQUIRE_TLS", "")

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return &fakePool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil {
		t.Fatal("expected production hardening failure")
	}
}

func TestParseBasicUsers(t *testing.T) {
	t.Parallel()

	got := parseBasicUsers(" fedoraAdmin:pw , reader:s3:cret ,, :nouser , broken ")
	want := map[string]string{"fedoraAdmin": "pw", "reader": "s3:cret"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseBasicUsers = %v, want %v", got, want)
	}
	if len(parseBasicUsers("")) != 0 {
		t.Error("empty input should yield no users")
	}
}

func TestParseCIDRs(t *testing.T) {
	t.Parallel()

	nets := parseCIDRs("10.0.0.0/8, 192.168.1.5, garbage, 2001:db8::1")
	if len(nets) != 3 {
		t.Fatalf("parsed %d networks", len(nets))
	}
	if !nets[0].Contains(netIP(t, "10.3.4.5")) {
		t.Error("10.0.0.0/8 should contain 10.3.4.5")
	}
	if !nets[1].Contains(netIP(t, "192.168.1.5")) || nets[1].Contains(netIP(t, "192.168.1.6")) {
		t.Error("bare IPv4 should become a /32")
	}
	if !nets[2].Contains(netIP(t, "2001:db8::1")) {
		t.Error("bare IPv6 should become a /128")
	}
	if parseCIDRs("  ") != nil {
		t.Error("blank input should yield nil")
	}
}

func TestClientIPTrustedProxy(t *testing.T) {
	t.Parallel()

	s := &Server{TrustedProxyCIDRs: parseCIDRs("10.0.0.0/8")}

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.1.1:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.1.1")
	if got := s.clientIP(req); got != "203.0.113.9" {
		t.Errorf("trusted proxy clientIP = %q", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := s.clientIP(req); got != "198.51.100.7" {
		t.Errorf("untrusted proxy clientIP = %q, forwarded header must be ignored", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.1.1:4000"
	req.Header.Set("X-Real-IP", "203.0.113.10")
	if got := s.clientIP(req); got != "203.0.113.10" {
		t.Errorf("X-Real-IP fallback clientIP = %q", got)
	}
}

func TestAllowedStates(t *testing.T) {
	t.Setenv("DISSEMINATE_STATES", "A, I ,")
	got := allowedStates()
	if len(got) != 2 || string(got[0]) != "A" || string(got[1]) != "I" {
		t.Errorf("allowedStates = %v", got)
	}

	t.Setenv("DISSEMINATE_STATES", " ")
	if allowedStates() != nil {
		t.Error("blank configuration should yield nil")
	}
}

func TestWSOriginPatterns(t *testing.T) {
	t.Parallel()

	got := wsOriginPatterns("https://a.example, http://b.example:8080, *, c.example")
	want := []string{"a.example", "b.example:8080", "c.example"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("wsOriginPatterns = %v, want %v", got, want)
	}
	if wsOriginPatterns("") != nil {
		t.Error("empty config should yield nil")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("STRATA_TEST_STR", "value")
	t.Setenv("STRATA_TEST_INT", "42")
	t.Setenv("STRATA_TEST_BAD", "not-a-number")

	if got := env("STRATA_TEST_STR", "def"); got != "value" {
		t.Errorf("env = %q", got)
	}
	if got := env("STRATA_TEST_ABSENT", "def"); got != "def" {
		t.Errorf("env default = %q", got)
	}
	if got := envInt("STRATA_TEST_INT", 7); got != 42 {
		t.Errorf("envInt = %d", got)
	}
	if got := envInt("STRATA_TEST_BAD", 7); got != 7 {
		t.Errorf("envInt malformed = %d", got)
	}
	if got := envDurationSec("STRATA_TEST_INT", 7); got != 42*time.Second {
		t.Errorf("envDurationSec = %v", got)
	}
}

func TestMetricsMiddlewareRecordsStatus(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t, &fakeRepoDB{}, nil)
	handler := s.metricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/strata/getDS", nil))

	snap := s.Metrics.Snapshot()
	stat, ok := snap.Endpoints["GET /strata/getDS"]
	if !ok {
		t.Fatalf("endpoint not observed: %v", snap.Endpoints)
	}
	if stat.Count != 1 || stat.ErrorCount != 1 || stat.LastStatusCode != http.StatusTeapot {
		t.Errorf("stat = %+v", stat)
	}
}

func TestLimitRequestBody(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t, &fakeRepoDB{}, nil)
	s.MaxRequestBodyBytes = 8

	var readErr error
	handler := s.limitRequestBodyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		_, readErr = r.Body.Read(buf)
	}))

	req := httptest.NewRequest("POST", "/strata/getDS", strings.NewReader(strings.Repeat("x", 32)))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if readErr == nil {
		t.Fatal("oversized body should fail to read")
	}
}

func netIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad test ip %q", s)
	}
	return ip
}
