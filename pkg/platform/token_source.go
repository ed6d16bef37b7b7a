package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenSource fetches fresh access tokens from the platform's issuance
// endpoint. It satisfies token.Source.
type TokenSource struct {
	cfg    Config
	client *http.Client
}

func NewTokenSource(cfg Config, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &TokenSource{cfg: cfg, client: httpClient}
}

func (s *TokenSource) endpoint() (string, url.Values) {
	q := url.Values{}
	if s.cfg.Flavor == FlavorWeCom {
		q.Set("corpid", s.cfg.AppID)
		q.Set("corpsecret", s.cfg.Secret)
		return s.cfg.BaseURL + "/cgi-bin/gettoken", q
	}
	q.Set("grant_type", "client_credential")
	q.Set("appid", s.cfg.AppID)
	q.Set("secret", s.cfg.Secret)
	return s.cfg.BaseURL + "/cgi-bin/token", q
}

// Fetch returns a token and its lifetime as reported by the platform.
func (s *TokenSource) Fetch(ctx context.Context) (string, time.Duration, error) {
	if s.cfg.TokenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TokenTimeout)
		defer cancel()
	}

	endpoint, query := s.endpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if tr.ErrCode != 0 {
		return "", 0, &APIError{Endpoint: endpoint, ErrCode: tr.ErrCode, ErrMsg: tr.ErrMsg}
	}
	if tr.AccessToken == "" {
		return "", 0, ErrNoAccessToken
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}
