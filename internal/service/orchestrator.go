package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docrelay/internal/constants"
	apperrors "docrelay/internal/errors"
	"docrelay/internal/models"
	"docrelay/internal/security"
	"docrelay/internal/tracing"
	"docrelay/pkg/converter"
	"docrelay/pkg/platform"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// JobMetrics receives job lifecycle events.
type JobMetrics interface {
	JobStarted()
	JobFinished(outcome, stage string, d time.Duration)
	NoticeSent(kind string, err error)
}

type backendReporter interface {
	ConvertWithBackend(ctx context.Context, inputPath string) (string, string, error)
}

// Orchestrator drives one conversion job through download, conversion,
// upload and delivery.
type Orchestrator struct {
	platform  platform.Client
	converter converter.Converter
	tempDir   string
	metrics   JobMetrics
	logger    *logrus.Logger
	now       func() time.Time
}

func NewOrchestrator(client platform.Client, conv converter.Converter, tempDir string, metrics JobMetrics, logger *logrus.Logger) *Orchestrator {
	if tempDir == "" {
		tempDir = constants.DefaultTempDir
	}
	return &Orchestrator{
		platform:  client,
		converter: conv,
		tempDir:   tempDir,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes job to a terminal state. Temporary files are removed on every
// path. A failed job sends at most one best-effort text notice to the user.
func (o *Orchestrator) Run(ctx context.Context, job *models.ConversionJob) models.ConversionOutcome {
	start := o.now()
	ctx = tracing.WithJobID(ctx, job.ID)
	ctx, span := tracing.StartSpan(ctx, "job.run",
		attribute.String("job.id", job.ID),
		attribute.String("job.file_ext", fileExtension(job.FileName)),
	)
	defer span.End()

	if o.metrics != nil {
		o.metrics.JobStarted()
	}

	outcome := o.execute(ctx, job)
	outcome.JobID = job.ID
	outcome.Duration = o.now().Sub(start)
	job.State = outcome.State

	if o.metrics != nil {
		o.metrics.JobFinished(string(outcome.State), string(outcome.FailedStage), outcome.Duration)
	}

	if outcome.Err != nil {
		tracing.RecordError(ctx, outcome.Err, attribute.String("job.stage", string(outcome.FailedStage)))
		return outcome
	}
	logEntry(ctx, o.logger, logrus.Fields{
		LogFieldSourceUser: job.SourceUser,
		LogFieldBackend:    outcome.Backend,
		LogFieldSize:       outcome.PDFBytes,
		LogFieldDuration:   outcome.Duration.Milliseconds(),
	}).Info("Conversion job succeeded")
	return outcome
}

func (o *Orchestrator) execute(ctx context.Context, job *models.ConversionJob) models.ConversionOutcome {
	if err := os.MkdirAll(o.tempDir, 0o750); err != nil {
		return o.fail(ctx, job, models.JobDownloading, apperrors.NewJobError(apperrors.ErrCodeDownload,
			fmt.Errorf("failed to create temp dir: %w", err)))
	}
	workDir, err := os.MkdirTemp(o.tempDir, "job-")
	if err != nil {
		return o.fail(ctx, job, models.JobDownloading, apperrors.NewJobError(apperrors.ErrCodeDownload,
			fmt.Errorf("failed to create job workspace: %w", err)))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logEntry(ctx, o.logger, nil).WithError(err).Warn("Failed to remove job workspace")
		}
	}()

	o.enter(ctx, job, models.JobDownloading)
	data, err := o.download(ctx, job)
	if err != nil {
		return o.fail(ctx, job, models.JobDownloading, apperrors.NewJobError(apperrors.ErrCodeDownload, err))
	}

	inputPath := filepath.Join(workDir, fmt.Sprintf("input_%d%s", o.now().UnixMilli(), fileExtension(job.FileName)))
	if err := security.ValidateFilePathWithBase(filepath.Base(inputPath), workDir); err != nil {
		return o.fail(ctx, job, models.JobDownloading, apperrors.NewJobError(apperrors.ErrCodeDownload, err))
	}
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return o.fail(ctx, job, models.JobDownloading, apperrors.NewJobError(apperrors.ErrCodeDownload,
			fmt.Errorf("failed to write input document: %w", err)))
	}

	o.enter(ctx, job, models.JobConverting)
	pdf, backend, err := o.convert(ctx, inputPath)
	if err != nil {
		code := apperrors.ErrCodeConversion
		var unsupported *converter.UnsupportedFormatError
		if errors.As(err, &unsupported) {
			code = apperrors.ErrCodeUnsupportedFormat
		}
		return o.fail(ctx, job, models.JobConverting, apperrors.NewJobError(code, err))
	}

	o.enter(ctx, job, models.JobUploading)
	mediaID, err := o.upload(ctx, pdf, pdfName(job.FileName))
	if err != nil {
		return o.fail(ctx, job, models.JobUploading, apperrors.NewJobError(apperrors.ErrCodeUpload, err))
	}

	o.enter(ctx, job, models.JobDelivering)
	if err := o.deliver(ctx, job, mediaID); err != nil {
		// The PDF exists but could not be sent: tell the user once and
		// record the job as failed without a second notice.
		o.notify(ctx, job, NoticeDeliveryFailure, DeliveryFailedNotice)
		return models.ConversionOutcome{
			State:       models.JobFailed,
			FailedStage: models.JobDelivering,
			Backend:     backend,
			PDFBytes:    len(pdf),
			MediaID:     mediaID,
			Err:         apperrors.NewJobError(apperrors.ErrCodeDelivery, err),
		}
	}

	return models.ConversionOutcome{
		State:    models.JobSucceeded,
		Backend:  backend,
		PDFBytes: len(pdf),
		MediaID:  mediaID,
	}
}

func (o *Orchestrator) download(ctx context.Context, job *models.ConversionJob) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "job.download")
	defer span.End()

	data, err := o.platform.DownloadMedia(ctx, job.MediaRef)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, platformError(err)
	}
	tracing.AddAttributes(ctx, attribute.Int("document.bytes", len(data)))
	return data, nil
}

func (o *Orchestrator) convert(ctx context.Context, inputPath string) ([]byte, string, error) {
	ctx, span := tracing.StartSpan(ctx, "job.convert", attribute.String("converter", o.converter.Name()))
	defer span.End()

	var (
		outputPath string
		backend    string
		err        error
	)
	if r, ok := o.converter.(backendReporter); ok {
		outputPath, backend, err = r.ConvertWithBackend(ctx, inputPath)
	} else {
		backend = o.converter.Name()
		outputPath, err = o.converter.Convert(ctx, inputPath)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, "", err
	}

	pdf, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, backend, fmt.Errorf("failed to read converted pdf: %w", err)
	}
	if len(pdf) == 0 {
		return nil, backend, converter.ErrEmptyOutput
	}
	tracing.AddAttributes(ctx, attribute.String("backend", backend), attribute.Int("pdf.bytes", len(pdf)))
	return pdf, backend, nil
}

func (o *Orchestrator) upload(ctx context.Context, pdf []byte, name string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "job.upload")
	defer span.End()

	mediaID, err := o.platform.UploadMedia(ctx, pdf, name, "file")
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", platformError(err)
	}
	return mediaID, nil
}

func (o *Orchestrator) deliver(ctx context.Context, job *models.ConversionJob, mediaID string) error {
	ctx, span := tracing.StartSpan(ctx, "job.deliver")
	defer span.End()

	if err := o.platform.SendFile(ctx, job.SourceUser, mediaID); err != nil {
		tracing.RecordError(ctx, err)
		return platformError(err)
	}
	return nil
}

func (o *Orchestrator) enter(ctx context.Context, job *models.ConversionJob, state models.JobState) {
	job.State = state
	logEntry(ctx, o.logger, logrus.Fields{LogFieldState: state}).Debug("Job state changed")
}

// fail ends the job in stage and sends the failure notice.
func (o *Orchestrator) fail(ctx context.Context, job *models.ConversionJob, stage models.JobState, err error) models.ConversionOutcome {
	o.notify(ctx, job, NoticeFailure, FailureNotice(err))
	return models.ConversionOutcome{
		State:       models.JobFailed,
		FailedStage: stage,
		Err:         err,
	}
}

// notify sends a text notice. Failures are logged and otherwise ignored.
func (o *Orchestrator) notify(ctx context.Context, job *models.ConversionJob, kind, text string) {
	// The job context may already be cancelled by the time a failure is
	// reported; the notice gets its own budget.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultSendTimeoutSec*time.Second)
	defer cancel()

	err := o.platform.SendText(nctx, job.SourceUser, text)
	if o.metrics != nil {
		o.metrics.NoticeSent(kind, err)
	}
	if err != nil {
		logEntry(ctx, o.logger, logrus.Fields{
			LogFieldSourceUser: job.SourceUser,
			LogFieldNotice:     kind,
		}).WithError(err).Warn("Failed to send notice")
	}
}

// platformError maps platform client failures onto application errors.
// HTTP 5xx, 429 and 408 responses and timeouts come back retryable.
func platformError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		appErr := apperrors.Wrap(err, apperrors.ErrCodeTimeout, "platform call timed out")
		appErr.Retryable = true
		return appErr
	}
	var httpErr *platform.HTTPError
	if errors.As(err, &httpErr) {
		return apperrors.NewAPIError("platform", httpErr.Endpoint, httpErr.StatusCode, err)
	}
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		return apperrors.NewPlatformError(apiErr.Endpoint, apiErr.ErrCode, apiErr.ErrMsg, err)
	}
	return err
}

// fileExtension returns the lower-cased extension of name, defaulting to .docx.
func fileExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(security.SanitizeFileName(name)))
	if ext == "" || ext == "." {
		return constants.DefaultFileExtension
	}
	return ext
}

// pdfName is the name the PDF is uploaded under: the document's stem with a
// .pdf extension.
func pdfName(fileName string) string {
	base := security.SanitizeFileName(fileName)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." {
		stem = strings.TrimSuffix(constants.DefaultFileName, filepath.Ext(constants.DefaultFileName))
	}
	return stem + ".pdf"
}
