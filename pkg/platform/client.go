// Package platform talks to the messaging platform's server API: access
// tokens, temporary media and customer-service messages.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const maxJSONBody = 1 << 20

// Client is the subset of the platform API the relay needs.
type Client interface {
	Token(ctx context.Context) (string, error)
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, error)
	UploadMedia(ctx context.Context, data []byte, fileName, kind string) (string, error)
	SendFile(ctx context.Context, toUser, mediaID string) error
	SendText(ctx context.Context, toUser, content string) error
}

// TokenProvider hands out cached access tokens.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	InvalidateIf(rejected string) bool
}

type HTTPClient struct {
	cfg    Config
	tokens TokenProvider
	client *http.Client
	logger *logrus.Logger
}

func NewClient(cfg Config, tokens TokenProvider, httpClient *http.Client, logger *logrus.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorMP
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, tokens: tokens, client: httpClient, logger: logger}
}

func (c *HTTPClient) Token(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

// withToken runs call with a cached token, retrying once with a fresh token
// when the platform rejects the cached one.
func (c *HTTPClient) withToken(ctx context.Context, call func(token string) error) error {
	for attempt := 0; ; attempt++ {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		err = call(tok)
		if err == nil || !IsTokenRejected(err) {
			return err
		}
		dropped := c.tokens.InvalidateIf(tok)
		c.logger.WithError(err).WithField("cache_invalidated", dropped).Warn("Access token rejected by platform")
		if attempt > 0 {
			return err
		}
	}
}

func (c *HTTPClient) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.DownloadTimeout)
	defer cancel()

	var data []byte
	err := c.withToken(ctx, func(tok string) error {
		var err error
		data, err = c.download(ctx, tok, mediaID)
		return err
	})
	return data, err
}

func (c *HTTPClient) download(ctx context.Context, tok, mediaID string) ([]byte, error) {
	endpoint := c.cfg.BaseURL + "/cgi-bin/media/get"
	q := url.Values{"access_token": {tok}, "media_id": {mediaID}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}

	// the platform signals errors on this endpoint with a JSON body instead of the file
	if isJSON(resp.Header.Get("Content-Type")) {
		var status apiStatus
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBody)).Decode(&status); err != nil {
			return nil, fmt.Errorf("failed to decode error response: %w", err)
		}
		return nil, &APIError{Endpoint: endpoint, ErrCode: status.ErrCode, ErrMsg: status.ErrMsg}
	}

	limit := c.cfg.MaxDownloadBytes
	if limit > 0 && resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrMediaTooLarge, resp.ContentLength)
	}

	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrMediaTooLarge, limit)
	}
	if len(data) == 0 {
		return nil, ErrEmptyMedia
	}

	c.logger.WithFields(logrus.Fields{
		"bytes": len(data),
	}).Debug("Media downloaded")
	return data, nil
}

func (c *HTTPClient) UploadMedia(ctx context.Context, data []byte, fileName, kind string) (string, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	if kind == "" {
		kind = "file"
	}

	var mediaID string
	err := c.withToken(ctx, func(tok string) error {
		var err error
		mediaID, err = c.upload(ctx, tok, data, fileName, kind)
		return err
	})
	return mediaID, err
}

func (c *HTTPClient) upload(ctx context.Context, tok string, data []byte, fileName, kind string) (string, error) {
	endpoint := c.cfg.BaseURL + "/cgi-bin/media/upload"
	q := url.Values{"access_token": {tok}, "type": {kind}}

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("media", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+q.Encode(), buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result uploadResponse
	if err := c.doJSON(req, endpoint, &result); err != nil {
		return "", err
	}
	if result.ErrCode != 0 {
		return "", &APIError{Endpoint: endpoint, ErrCode: result.ErrCode, ErrMsg: result.ErrMsg}
	}
	if result.MediaID == "" {
		return "", &APIError{Endpoint: endpoint, ErrMsg: "response carried no media_id"}
	}
	return result.MediaID, nil
}

func (c *HTTPClient) SendFile(ctx context.Context, toUser, mediaID string) error {
	return c.send(ctx, sendRequest{ToUser: toUser, MsgType: "file", File: &mediaRef{MediaID: mediaID}})
}

func (c *HTTPClient) SendText(ctx context.Context, toUser, content string) error {
	return c.send(ctx, sendRequest{ToUser: toUser, MsgType: "text", Text: &textBody{Content: content}})
}

func (c *HTTPClient) sendEndpoint() string {
	if c.cfg.Flavor == FlavorWeCom {
		return c.cfg.BaseURL + "/cgi-bin/message/send"
	}
	return c.cfg.BaseURL + "/cgi-bin/message/custom/send"
}

func (c *HTTPClient) send(ctx context.Context, msg sendRequest) error {
	ctx, cancel := withTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	if c.cfg.Flavor == FlavorWeCom {
		msg.AgentID = c.cfg.AgentID
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	endpoint := c.sendEndpoint()

	return c.withToken(ctx, func(tok string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"?"+url.Values{"access_token": {tok}}.Encode(), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		var status apiStatus
		if err := c.doJSON(req, endpoint, &status); err != nil {
			return err
		}
		if status.ErrCode != 0 {
			return &APIError{Endpoint: endpoint, ErrCode: status.ErrCode, ErrMsg: status.ErrMsg}
		}
		return nil
	})
}

func (c *HTTPClient) doJSON(req *http.Request, endpoint string, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "application/json")
	}
	return mt == "application/json"
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
