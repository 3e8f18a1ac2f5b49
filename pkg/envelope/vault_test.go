package envelope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func validKeyB64() string {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestVaultKeySourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v1/secret/data/livercare/envelope") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "vault-token" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data": map[string]any{"key": validKeyB64()},
			},
		})
	}))
	defer srv.Close()

	src := VaultKeySource{
		Client:  srv.Client(),
		Addr:    srv.URL,
		Token:   "vault-token",
		Path:    "livercare/envelope",
		Timeout: time.Second,
	}
	c, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	blob, err := c.Seal("P1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if plain, err := c.Open(blob); err != nil || plain != "P1" {
		t.Fatalf("round trip: %q %v", plain, err)
	}
}

func TestVaultKeySourceFetchRetriesTransientFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "sealed", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data": map[string]any{"key": validKeyB64()},
			},
		})
	}))
	defer srv.Close()

	src := VaultKeySource{
		Client:     srv.Client(),
		Addr:       srv.URL,
		Token:      "vault-token",
		Path:       "livercare/envelope",
		Timeout:    time.Second,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}
	if _, err := src.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch after retry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestVaultKeySourceFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sealed", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	src := VaultKeySource{Client: srv.Client(), Addr: srv.URL, Token: "t", Path: "p", Timeout: time.Second}
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("expected status error")
	}
}

func TestVaultKeySourceFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()
	src := VaultKeySource{Client: srv.Client(), Addr: srv.URL, Token: "t", Path: "missing", Timeout: time.Second}
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestVaultKeySourceFetchBadKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"data":{"key":"dG9vc2hvcnQ="}}}`))
	}))
	defer srv.Close()
	src := VaultKeySource{Client: srv.Client(), Addr: srv.URL, Token: "t", Path: "p", Timeout: time.Second}
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("expected key size error")
	}
}

func TestVaultKeySourceValidation(t *testing.T) {
	tests := []struct {
		name string
		src  VaultKeySource
	}{
		{"missing addr", VaultKeySource{Token: "t", Path: "p"}},
		{"missing token", VaultKeySource{Addr: "http://v", Path: "p"}},
		{"missing path", VaultKeySource{Addr: "http://v", Token: "t"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.src.Fetch(context.Background()); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseVaultSecretFieldErrors(t *testing.T) {
	if _, err := parseVaultSecretField([]byte(`{bad`), "key"); err == nil {
		t.Fatal("expected unmarshal error")
	}
	if _, err := parseVaultSecretField([]byte(`{"data":{"data":{}}}`), "key"); err == nil {
		t.Fatal("expected missing field error")
	}
}
