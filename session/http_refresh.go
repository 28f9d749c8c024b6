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
)

// RefreshPath is the refresh endpoint path relative to the server base URL.
const RefreshPath = "/auth/refresh"

// HTTPRefreshEndpoint calls POST /auth/refresh on the relay server.
type HTTPRefreshEndpoint struct {
	BaseURL string
	Client  *http.Client
	// RefreshToken returns the long-lived credential sent with each refresh.
	RefreshToken func() string
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	Code        string `json:"code"`
}

// Refresh implements RefreshEndpoint. 200 is success; 409, or any body with
// code "stale", is a stale credential; everything else is a failure.
func (e *HTTPRefreshEndpoint) Refresh(ctx context.Context) (Token, RefreshStatus, error) {
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	var body refreshRequest
	if e.RefreshToken != nil {
		body.RefreshToken = e.RefreshToken()
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return Token{}, StatusFailed, fmt.Errorf("marshal refresh request: %w", err)
	}

	url := strings.TrimRight(e.BaseURL, "/") + RefreshPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return Token{}, StatusFailed, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Token{}, StatusFailed, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Token{}, StatusFailed, fmt.Errorf("read refresh response: %w", err)
	}
	var decoded refreshResponse
	_ = json.Unmarshal(raw, &decoded)

	switch {
	case resp.StatusCode == http.StatusConflict, decoded.Code == "stale":
		return Token{}, StatusStale, nil
	case resp.StatusCode != http.StatusOK:
		return Token{}, StatusFailed, fmt.Errorf("refresh returned %s", resp.Status)
	case decoded.AccessToken == "":
		return Token{}, StatusFailed, fmt.Errorf("refresh response has no access token")
	}

	token := Token{AccessToken: decoded.AccessToken}
	if decoded.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(decoded.ExpiresIn) * time.Second)
	}
	return token, StatusOK, nil
}
