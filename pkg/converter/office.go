package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// OfficeConverter drives a local headless office suite (soffice).
type OfficeConverter struct {
	binary  string
	timeout time.Duration
	logger  *logrus.Logger
	run     commandRunner
}

func NewOfficeConverter(binary string, timeout time.Duration, logger *logrus.Logger) *OfficeConverter {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &OfficeConverter{binary: binary, timeout: timeout, logger: logger, run: execRunner}
}

func (o *OfficeConverter) Name() string { return "office" }

func (o *OfficeConverter) Convert(ctx context.Context, inputPath string) (string, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingInput, err)
	}

	outputPath := outputPathFor(inputPath)
	if err := os.Remove(outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to remove stale pdf: %w", err)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	out, err := o.run(ctx, o.binary,
		"--headless",
		"--convert-to", "pdf",
		"--outdir", filepath.Dir(inputPath),
		inputPath,
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("office conversion timed out after %s", o.timeout)
		}
		o.logger.WithFields(logrus.Fields{
			"binary": o.binary,
			"output": strings.TrimSpace(string(out)),
		}).Debug("Office conversion command failed")
		return "", fmt.Errorf("office conversion failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if err := checkOutput(outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}
