package converter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AttemptObserver is told about every backend attempt.
type AttemptObserver func(backend string, err error, elapsed time.Duration)

// Chain tries its backends in order. The first success wins; when all fail
// the error of the last attempt is returned.
type Chain struct {
	backends []Converter
	logger   *logrus.Logger
	observe  AttemptObserver
}

func NewChain(logger *logrus.Logger, backends ...Converter) *Chain {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Chain{backends: backends, logger: logger}
}

// WithObserver sets the attempt observer and returns the chain.
func (c *Chain) WithObserver(fn AttemptObserver) *Chain {
	c.observe = fn
	return c
}

func (c *Chain) Name() string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Backends returns the configured backends in order.
func (c *Chain) Backends() []Converter { return c.backends }

func (c *Chain) Convert(ctx context.Context, inputPath string) (string, error) {
	out, _, err := c.ConvertWithBackend(ctx, inputPath)
	return out, err
}

// ConvertWithBackend is Convert that also reports which backend produced
// the output.
func (c *Chain) ConvertWithBackend(ctx context.Context, inputPath string) (string, string, error) {
	if !IsSupported(inputPath) {
		return "", "", &UnsupportedFormatError{Extension: strings.ToLower(filepath.Ext(inputPath))}
	}
	if len(c.backends) == 0 {
		return "", "", ErrNoBackends
	}

	var lastErr error
	for i, backend := range c.backends {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		start := time.Now()
		out, err := backend.Convert(ctx, inputPath)
		elapsed := time.Since(start)
		if c.observe != nil {
			c.observe(backend.Name(), err, elapsed)
		}
		if err == nil {
			return out, backend.Name(), nil
		}

		lastErr = fmt.Errorf("%s: %w", backend.Name(), err)
		fields := logrus.Fields{
			"backend":     backend.Name(),
			"attempt":     i + 1,
			"duration_ms": elapsed.Milliseconds(),
		}
		if i < len(c.backends)-1 {
			c.logger.WithFields(fields).WithError(err).Warn("Conversion backend failed, falling back")
		} else {
			c.logger.WithFields(fields).WithError(err).Error("Last conversion backend failed")
		}
	}
	return "", "", lastErr
}
