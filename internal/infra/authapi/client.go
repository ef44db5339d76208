// Package authapi talks to the backend that exchanges host initData for a
// session token.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"school-assistant/internal/domain"
)

const authPath = "/auth/telegram"

// Client handles communication with the authentication endpoint.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a client for baseURL. A zero timeout leaves deadlines to ctx.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type authRequest struct {
	InitData string `json:"init_data"`
}

// Authenticate posts initData and returns the confirmed identity.
func (c *Client) Authenticate(ctx context.Context, initData string) (domain.AuthResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(authRequest{InitData: initData})
	if err != nil {
		return domain.AuthResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+authPath, bytes.NewReader(body))
	if err != nil {
		return domain.AuthResult{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.AuthResult{}, fmt.Errorf("call auth api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.AuthResult{}, fmt.Errorf("auth api returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var result domain.AuthResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.AuthResult{}, fmt.Errorf("decode auth response: %w", err)
	}
	if result.Token == "" || result.User.ID == 0 {
		return domain.AuthResult{}, fmt.Errorf("auth response missing token or user id")
	}
	return result, nil
}
