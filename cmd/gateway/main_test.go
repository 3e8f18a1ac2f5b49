package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SubinJosephArangathu/LiverCare/pkg/envelope"
	"github.com/redis/go-redis/v9"
)

type fakeGatewayDBCloser struct {
	*captureDB
	closed bool
}

func (f *fakeGatewayDBCloser) Close() {
	f.closed = true
}

func noopTelemetry(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func testCipherLoader(t *testing.T) gatewayLoadCipherFunc {
	t.Helper()
	key := make([]byte, envelope.KeySize)
	cipher, err := envelope.New(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return func(context.Context) (*envelope.Cipher, error) { return cipher, nil }
}

func TestRunGateway(t *testing.T) {
	t.Run("telemetry_error", func(t *testing.T) {
		err := runGateway(
			func(context.Context, string) (func(context.Context) error, error) {
				return nil, errors.New("otel down")
			},
			func(context.Context) (gatewayDBCloser, error) {
				t.Fatal("openDB must not be called on telemetry error")
				return nil, nil
			},
			func(context.Context) (*redis.Client, error) {
				t.Fatal("openRedis must not be called on telemetry error")
				return nil, nil
			},
			testCipherLoader(t),
			func(*http.Server) error {
				t.Fatal("listen must not be called on telemetry error")
				return nil
			},
		)
		if err == nil || !strings.Contains(err.Error(), "otel:") {
			t.Fatalf("expected wrapped telemetry error, got %v", err)
		}
	})

	t.Run("db_error", func(t *testing.T) {
		err := runGateway(
			noopTelemetry,
			func(context.Context) (gatewayDBCloser, error) {
				return nil, errors.New("db down")
			},
			func(context.Context) (*redis.Client, error) {
				t.Fatal("openRedis must not be called on db error")
				return nil, nil
			},
			testCipherLoader(t),
			func(*http.Server) error {
				t.Fatal("listen must not be called on db error")
				return nil
			},
		)
		if err == nil || !strings.Contains(err.Error(), "db:") {
			t.Fatalf("expected wrapped db error, got %v", err)
		}
	})

	t.Run("cipher_error", func(t *testing.T) {
		db := &fakeGatewayDBCloser{captureDB: &captureDB{}}
		err := runGateway(
			noopTelemetry,
			func(context.Context) (gatewayDBCloser, error) { return db, nil },
			func(context.Context) (*redis.Client, error) { return nil, nil },
			func(context.Context) (*envelope.Cipher, error) { return nil, errors.New("no key") },
			func(*http.Server) error {
				t.Fatal("listen must not be called on cipher error")
				return nil
			},
		)
		if err == nil || !strings.Contains(err.Error(), "envelope key:") {
			t.Fatalf("expected wrapped cipher error, got %v", err)
		}
		if !db.closed {
			t.Fatal("db must be closed on startup failure")
		}
	})

	t.Run("auth_off_guard", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "false")
		db := &fakeGatewayDBCloser{captureDB: &captureDB{}}
		listenCalled := false

		err := runGateway(
			noopTelemetry,
			func(context.Context) (gatewayDBCloser, error) { return db, nil },
			func(context.Context) (*redis.Client, error) { return nil, nil },
			testCipherLoader(t),
			func(*http.Server) error {
				listenCalled = true
				return nil
			},
		)
		if err == nil || !strings.Contains(err.Error(), "ALLOW_INSECURE_AUTH_OFF=true") {
			t.Fatalf("expected auth-off guard error, got %v", err)
		}
		if listenCalled {
			t.Fatal("listen should not be called when auth off guard fails")
		}
		if !db.closed {
			t.Fatal("db must be closed on startup failure")
		}
	})

	t.Run("auth_off_forbidden_in_production_like_env", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		t.Setenv("ENVIRONMENT", "production")
		db := &fakeGatewayDBCloser{captureDB: &captureDB{}}

		err := runGateway(
			noopTelemetry,
			func(context.Context) (gatewayDBCloser, error) { return db, nil },
			func(context.Context) (*redis.Client, error) { return nil, nil },
			testCipherLoader(t),
			func(*http.Server) error { return nil },
		)
		if err == nil || !strings.Contains(err.Error(), "forbidden in production-like") {
			t.Fatalf("expected production guard error, got %v", err)
		}
	})

	t.Run("kafka_config_error", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		t.Setenv("ENVIRONMENT", "test")
		t.Setenv("KAFKA_BROKERS", " , ")
		db := &fakeGatewayDBCloser{captureDB: &captureDB{}}

		err := runGateway(
			noopTelemetry,
			func(context.Context) (gatewayDBCloser, error) { return db, nil },
			func(context.Context) (*redis.Client, error) { return nil, nil },
			testCipherLoader(t),
			func(*http.Server) error { return nil },
		)
		if err == nil || !strings.Contains(err.Error(), "kafka:") {
			t.Fatalf("expected kafka config error, got %v", err)
		}
	})

	t.Run("serves_healthz", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		t.Setenv("ENVIRONMENT", "test")
		db := &fakeGatewayDBCloser{captureDB: &captureDB{}}
		var captured *http.Server

		err := runGateway(
			noopTelemetry,
			func(context.Context) (gatewayDBCloser, error) { return db, nil },
			func(context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
			testCipherLoader(t),
			func(server *http.Server) error {
				captured = server
				return nil
			},
		)
		if err != nil {
			t.Fatalf("runGateway: %v", err)
		}
		if captured == nil || captured.Addr != ":8080" {
			t.Fatalf("unexpected server: %+v", captured)
		}

		req := httptest.NewRequest("GET", "/healthz", nil)
		rr := httptest.NewRecorder()
		captured.Handler.ServeHTTP(rr, req)
		if rr.Code != 200 {
			t.Fatalf("healthz: expected 200, got %d", rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode healthz: %v", err)
		}
		if body["status"] != "ok" || body["service"] != "gateway" {
			t.Fatalf("unexpected healthz body: %v", body)
		}
	})

	t.Run("listen_nil", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		t.Setenv("ENVIRONMENT", "test")
		db := &fakeGatewayDBCloser{captureDB: &captureDB{}}
		err := runGateway(
			noopTelemetry,
			func(context.Context) (gatewayDBCloser, error) { return db, nil },
			func(context.Context) (*redis.Client, error) { return nil, nil },
			testCipherLoader(t),
			nil,
		)
		if err == nil || !strings.Contains(err.Error(), "listen function required") {
			t.Fatalf("expected listen error, got %v", err)
		}
	})
}

func TestMainExitsOnError(t *testing.T) {
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "false")

	fatalMsg := ""
	origFatal := logFatalf
	origListen := listenFnG
	origTelemetry := initTelemetryG
	origOpenDB := openDBFnG
	origOpenRedis := openRedisFnG
	origCipher := loadCipherFnG
	defer func() {
		logFatalf = origFatal
		listenFnG = origListen
		initTelemetryG = origTelemetry
		openDBFnG = origOpenDB
		openRedisFnG = origOpenRedis
		loadCipherFnG = origCipher
	}()
	logFatalf = func(format string, v ...any) { fatalMsg = format }
	initTelemetryG = noopTelemetry
	openDBFnG = func(context.Context) (gatewayDBCloser, error) {
		return &fakeGatewayDBCloser{captureDB: &captureDB{}}, nil
	}
	openRedisFnG = func(context.Context) (*redis.Client, error) { return nil, nil }
	loadCipherFnG = testCipherLoader(t)
	listenFnG = func(*http.Server) error { return nil }

	main()
	if !strings.Contains(fatalMsg, "gateway:") {
		t.Fatalf("expected fatal log, got %q", fatalMsg)
	}
}

func TestLoadCipher(t *testing.T) {
	t.Run("missing_key", func(t *testing.T) {
		t.Setenv("AUDIT_ENCRYPTION_KEY", "")
		t.Setenv("KEY_PROVIDER", "")
		if _, err := loadCipher(context.Background()); err == nil {
			t.Fatal("expected error for missing key")
		}
	})

	t.Run("env_key", func(t *testing.T) {
		key := make([]byte, envelope.KeySize)
		t.Setenv("AUDIT_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))
		cipher, err := loadCipher(context.Background())
		if err != nil {
			t.Fatalf("loadCipher: %v", err)
		}
		blob, err := cipher.Seal("P1")
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		got, err := cipher.Open(blob)
		if err != nil || got != "P1" {
			t.Fatalf("round trip: got %q err=%v", got, err)
		}
	})

	t.Run("vault_key", func(t *testing.T) {
		key := make([]byte, envelope.KeySize)
		encoded := base64.StdEncoding.EncodeToString(key)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"data":{"key":"` + encoded + `"}}}`))
		}))
		defer srv.Close()
		t.Setenv("KEY_PROVIDER", "vault")
		t.Setenv("VAULT_ADDR", srv.URL)
		t.Setenv("VAULT_TOKEN", "tok")
		if _, err := loadCipher(context.Background()); err != nil {
			t.Fatalf("loadCipher via vault: %v", err)
		}
	})
}

func TestEnvelopeKeyPresent(t *testing.T) {
	t.Setenv("AUDIT_ENCRYPTION_KEY", "")
	t.Setenv("KEY_PROVIDER", "")
	t.Setenv("VAULT_ADDR", "")
	if envelopeKeyPresent() != "" {
		t.Fatal("expected empty marker without key material")
	}
	t.Setenv("AUDIT_ENCRYPTION_KEY", "abc")
	if envelopeKeyPresent() != "set" {
		t.Fatal("expected marker with env key")
	}
	t.Setenv("AUDIT_ENCRYPTION_KEY", "")
	t.Setenv("KEY_PROVIDER", "vault")
	t.Setenv("VAULT_ADDR", "http://vault:8200")
	if envelopeKeyPresent() != "set" {
		t.Fatal("expected marker with vault provider")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GW_TEST_STR", "value")
	if env("GW_TEST_STR", "def") != "value" {
		t.Fatal("env should prefer the set value")
	}
	if env("GW_TEST_MISSING", "def") != "def" {
		t.Fatal("env should fall back to the default")
	}
	t.Setenv("GW_TEST_INT", "42")
	if envInt("GW_TEST_INT", 7) != 42 {
		t.Fatal("envInt should parse the set value")
	}
	t.Setenv("GW_TEST_INT", "bogus")
	if envInt("GW_TEST_INT", 7) != 7 {
		t.Fatal("envInt should fall back on parse failure")
	}
}

func TestEnvClassifiers(t *testing.T) {
	for _, v := range []string{"prod", "production", "staging", "stage", " Production "} {
		if !isProductionLikeEnv(v) {
			t.Fatalf("%q should be production-like", v)
		}
	}
	for _, v := range []string{"", "dev", "local", "qa"} {
		if isProductionLikeEnv(v) {
			t.Fatalf("%q should not be production-like", v)
		}
	}
	for _, v := range []string{"dev", "development", "local", "test", "testing"} {
		if !isExplicitNonProductionEnv(v) {
			t.Fatalf("%q should be explicit non-production", v)
		}
	}
	if isExplicitNonProductionEnv("qa") {
		t.Fatal("qa is not an explicit non-production env")
	}
}

func TestWsOriginPatterns(t *testing.T) {
	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	got := wsOriginPatterns(" https://a.example.com , ,https://b.example.com ")
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Fatalf("unexpected patterns: %v", got)
	}
}

func TestMetricsMiddlewareObserves(t *testing.T) {
	s, _, _ := testServer(t)
	handler := s.metricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	req := httptest.NewRequest("GET", "/v1/predictions", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	snap := s.Metrics.Snapshot()
	stat, ok := snap.Endpoints["GET /v1/predictions"]
	if !ok {
		t.Fatalf("expected endpoint stat, got %v", snap.Endpoints)
	}
	if stat.Count != 1 || stat.ErrorCount != 1 || stat.LastStatusCode != 404 {
		t.Fatalf("unexpected stat: %+v", stat)
	}
}
