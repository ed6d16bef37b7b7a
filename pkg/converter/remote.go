package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docrelay/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

const maxErrorBody = 4 << 10

// RemoteConverter posts the document to an HTTP conversion service which
// answers with the rendered PDF.
type RemoteConverter struct {
	name    string
	baseURL string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *logrus.Logger
}

// NewRemoteConverter builds a backend for the service at baseURL. breaker may be nil.
func NewRemoteConverter(name, baseURL string, timeout time.Duration, httpClient *http.Client, breaker *circuitbreaker.Breaker, logger *logrus.Logger) *RemoteConverter {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if name == "" {
		name = "remote"
	}
	return &RemoteConverter{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		client:  httpClient,
		breaker: breaker,
		logger:  logger,
	}
}

func (r *RemoteConverter) Name() string { return r.name }

func (r *RemoteConverter) Convert(ctx context.Context, inputPath string) (string, error) {
	if r.breaker == nil {
		return r.convert(ctx, inputPath)
	}
	var out string
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.convert(ctx, inputPath)
		return err
	})
	return out, err
}

func (r *RemoteConverter) convert(ctx context.Context, inputPath string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	body, contentType, err := documentForm(inputPath)
	if err != nil {
		return "", err
	}

	endpoint := r.baseURL + "/convert"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("converter api error: status %d, body: %s", resp.StatusCode, string(msg))
	}

	outputPath := outputPathFor(inputPath)
	if err := writeFile(outputPath, resp.Body); err != nil {
		return "", err
	}
	if err := checkOutput(outputPath); err != nil {
		_ = os.Remove(outputPath)
		return "", err
	}

	r.logger.WithFields(logrus.Fields{
		"backend":     r.name,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Remote conversion finished")

	return outputPath, nil
}

// Ping checks the service's health endpoint.
func (r *RemoteConverter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("converter health check failed: status %d", resp.StatusCode)
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&health); err == nil && health.Status != "" && health.Status != "ok" {
		return fmt.Errorf("converter reports status %q", health.Status)
	}
	return nil
}

// Breaker exposes the guarding circuit breaker, nil when unguarded.
func (r *RemoteConverter) Breaker() *circuitbreaker.Breaker { return r.breaker }

func documentForm(inputPath string) (*bytes.Buffer, string, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	defer f.Close()

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("document", filepath.Base(inputPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to read document: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create pdf file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to save pdf: %w", err)
	}
	return f.Close()
}
