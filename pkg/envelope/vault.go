package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SubinJosephArangathu/LiverCare/pkg/httpx"
)

// VaultKeySource resolves the sealing key from a Vault KV v2 secret, as an
// alternative to passing the key through the environment.
type VaultKeySource struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Mount      string // KV v2 mount, default "secret"
	Path       string // secret path under the mount
	Field      string // field holding the base64 key, default "key"
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Fetch reads the secret and returns a ready Cipher.
func (s VaultKeySource) Fetch(ctx context.Context) (*Cipher, error) {
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("vault token required")
	}
	if strings.TrimSpace(s.Path) == "" {
		return nil, errors.New("vault secret path required")
	}
	if s.Timeout <= 0 {
		s.Timeout = 1500 * time.Millisecond
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: s.Timeout}
	}
	mount := s.Mount
	if mount == "" {
		mount = "secret"
	}
	field := s.Field
	if field == "" {
		field = "key"
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	endpoint := addr + "/v1/" + strings.Trim(mount, "/") + "/data/" + escapePath(s.Path)

	headers := map[string]string{"X-Vault-Token": s.Token}
	if ns := strings.TrimSpace(s.Namespace); ns != "" {
		headers["X-Vault-Namespace"] = ns
	}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodGet, endpoint, nil, headers, s.MaxRetries, s.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("vault secret lookup: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("vault secret %q not found", s.Path)
	}
	if status >= 300 {
		return nil, fmt.Errorf("vault secret lookup failed status=%d", status)
	}
	encoded, err := parseVaultSecretField(body, field)
	if err != nil {
		return nil, err
	}
	return NewFromBase64(encoded)
}

func parseVaultSecretField(body []byte, field string) (string, error) {
	var payload struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("invalid vault response: %w", err)
	}
	val := strings.TrimSpace(payload.Data.Data[field])
	if val == "" {
		return "", fmt.Errorf("vault secret missing field %q", field)
	}
	return val, nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
