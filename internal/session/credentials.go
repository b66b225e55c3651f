package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// DefaultSessionTTL applies when the credential service returns no expiry.
const DefaultSessionTTL = 12 * time.Hour

// CredentialClient logs in through an external credential service that holds
// the browser automation for each forum.
type CredentialClient struct {
	endpoint string
	client   *http.Client
	clock    crawler.Clock
}

// NewCredentialClient builds a client posting to endpoint.
func NewCredentialClient(endpoint string, client *http.Client, clock crawler.Clock) *CredentialClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &CredentialClient{endpoint: strings.TrimRight(endpoint, "/"), client: client, clock: clock}
}

type loginRequest struct {
	Domain    string `json:"domain"`
	OriginURL string `json:"origin_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type loginResponse struct {
	Cookie    string     `json:"cookie"`
	ExpiresAt *time.Time `json:"expires_at"`
	Error     string     `json:"error"`
}

// Login posts the target's credentials and returns the session cookie.
func (c *CredentialClient) Login(ctx context.Context, target crawler.MonitoredTarget) (crawler.Session, error) {
	domain := crawler.DomainKey(target.Domain)
	payload, err := json.Marshal(loginRequest{
		Domain:    domain,
		OriginURL: target.OriginURL,
		Username:  target.Username,
		Password:  target.Password,
	})
	if err != nil {
		return crawler.Session{}, fmt.Errorf("marshal login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/login", bytes.NewReader(payload))
	if err != nil {
		return crawler.Session{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return crawler.Session{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return crawler.Session{}, fmt.Errorf("read login response: %w", err)
	}
	var out loginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return crawler.Session{}, fmt.Errorf("decode login response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return crawler.Session{}, fmt.Errorf("login status %d: %s", resp.StatusCode, out.Error)
	}
	expires := c.clock.Now().Add(DefaultSessionTTL)
	if out.ExpiresAt != nil {
		expires = *out.ExpiresAt
	}
	return crawler.Session{Domain: domain, Value: out.Cookie, ExpiresAt: expires}, nil
}
