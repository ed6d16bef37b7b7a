package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"docrelay/internal/database"
	"docrelay/internal/dedup"
	"docrelay/internal/metrics"
	"docrelay/internal/models"
	"docrelay/internal/retry"
	"docrelay/internal/service"
	"docrelay/internal/token"
	"docrelay/internal/tracing"
	"docrelay/pkg/circuitbreaker"
	"docrelay/pkg/converter"
	"docrelay/pkg/platform"
	"docrelay/pkg/wxcrypt"

	"github.com/sirupsen/logrus"
)

// application holds the wired components shared by the server and run.
type application struct {
	cfg        *models.Config
	logger     *logrus.Logger
	recorder   *metrics.Recorder
	tokens     *token.MemoryCache
	client     platform.Client
	chain      *converter.Chain
	guard      dedup.Guard
	dispatcher *service.Dispatcher
	callback   *service.CallbackHandler
	scheduler  *service.Scheduler
	tracing    *tracing.Manager

	closers []func() error
}

func newApplication(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger, recorder: metrics.NewRecorder()}

	tracingCfg := tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}
	app.tracing = tracing.NewManager(tracingCfg, logger)
	if err := app.tracing.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	platformCfg := platform.Config{
		Flavor:           platform.Flavor(cfg.Platform.Flavor),
		BaseURL:          cfg.Platform.BaseURL,
		AppID:            cfg.Platform.AppID,
		Secret:           cfg.Platform.AppSecret,
		AgentID:          cfg.Platform.AgentID,
		MaxDownloadBytes: int64(cfg.Media.MaxSizeMB) << 20,
		TokenTimeout:     seconds(cfg.Platform.TokenTimeoutSec),
		SendTimeout:      seconds(cfg.Platform.TimeoutSec),
		DownloadTimeout:  seconds(cfg.Platform.DownloadTimeoutSec),
		UploadTimeout:    seconds(cfg.Platform.UploadTimeoutSec),
	}
	httpClient := &http.Client{}

	source := platform.NewTokenSource(platformCfg, httpClient)
	app.tokens = token.NewMemoryCache(token.SourceFunc(func(ctx context.Context) (string, time.Duration, error) {
		tok, ttl, err := source.Fetch(ctx)
		app.recorder.TokenRefreshed(err)
		return tok, ttl, err
	}), seconds(cfg.Platform.TokenSafetyMarginSec), logger)
	app.client = platform.NewClient(platformCfg, app.tokens, httpClient, logger)

	app.chain = converter.NewChain(logger, buildBackends(cfg.Converter.Backends, httpClient, app.recorder, logger)...).
		WithObserver(app.recorder.BackendAttempt)

	guard, err := app.openGuard(ctx)
	if err != nil {
		app.close()
		return nil, err
	}
	app.guard = guard

	orchestrator := service.NewOrchestrator(app.client, app.chain, cfg.Media.TempDir, app.recorder, logger)
	app.dispatcher = service.NewDispatcher(orchestrator, cfg.Jobs.MaxConcurrent, logger)

	var cipher *wxcrypt.Cipher
	if cfg.Callback.Encrypted() {
		cipher, err = wxcrypt.NewCipher(cfg.Callback.Token, cfg.Callback.EncodingAESKey, cfg.Callback.ReceiverID)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("failed to initialize message cipher: %w", err)
		}
	}

	app.callback = service.NewCallbackHandler(service.CallbackOptions{
		Token:        cfg.Callback.Token,
		Cipher:       cipher,
		Guard:        app.guard,
		Jobs:         app.dispatcher,
		Metrics:      app.recorder,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})
	app.scheduler = service.NewScheduler(app.guard, seconds(cfg.Dedup.SweepIntervalSec), app.recorder, logger)

	logger.WithFields(logrus.Fields{
		"flavor":    cfg.Platform.Flavor,
		"encrypted": cfg.Callback.Encrypted(),
		"converter": app.chain.Name(),
		"dedup":     cfg.Dedup.Backend,
	}).Info("Application initialized")
	return app, nil
}

func buildBackends(cfgs []models.BackendConfig, httpClient *http.Client, recorder *metrics.Recorder, logger *logrus.Logger) []converter.Converter {
	var backends []converter.Converter
	for _, b := range cfgs {
		if b.Disabled {
			continue
		}
		switch b.Type {
		case models.BackendTypeRemote:
			breaker := circuitbreaker.New(circuitbreaker.Config{
				Name:         b.Name,
				MaxFailures:  uint32(b.BreakerFailures),
				ResetTimeout: seconds(b.BreakerResetSec),
				OnStateChange: func(name string, _, to circuitbreaker.State) {
					recorder.BreakerState(name, int(to))
				},
			}, logger)
			backends = append(backends, converter.NewRemoteConverter(b.Name, b.URL, seconds(b.TimeoutSec), httpClient, breaker, logger))
		case models.BackendTypeOffice:
			backends = append(backends, converter.NewOfficeConverter(b.Binary, seconds(b.TimeoutSec), logger))
		}
	}
	return backends
}

// openGuard builds the idempotency guard for the configured backend. Stores
// that need a connection are opened with retry.
func (a *application) openGuard(ctx context.Context) (dedup.Guard, error) {
	cfg := a.cfg.Dedup
	ttl := seconds(cfg.TTLSec)
	logRetry := retry.OnRetry(func(at retry.Attempt) {
		a.logger.WithFields(logrus.Fields{
			"backend":  cfg.Backend,
			"attempt":  at.Number,
			"delay_ms": at.Delay.Milliseconds(),
		}).WithError(at.Err).Warn("Idempotency store not ready, retrying")
	})

	switch cfg.Backend {
	case models.DedupBackendRedis:
		var guard *dedup.RedisGuard
		err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
			g, err := dedup.NewRedisGuard(ctx, cfg.RedisURL, cfg.KeyPrefix, ttl, a.logger)
			guard = g
			return err
		}, logRetry)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, guard.Close)
		return guard, nil

	case models.DedupBackendSQLite:
		var db *database.Database
		err := retry.Do(ctx, retry.DefaultPolicy(), func(context.Context) error {
			d, err := database.New(cfg.DBPath)
			db = d
			return err
		}, logRetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return dedup.NewSQLGuard(db, ttl, a.logger), nil

	default:
		return dedup.NewMemoryGuard(ttl), nil
	}
}

// remotes returns the remote backends, used by the health check.
func (a *application) remotes() []*converter.RemoteConverter {
	var out []*converter.RemoteConverter
	for _, b := range a.chain.Backends() {
		if r, ok := b.(*converter.RemoteConverter); ok {
			out = append(out, r)
		}
	}
	return out
}

// close releases stores and flushes traces. It is safe to call on a
// partially built application.
func (a *application) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Error("Failed to close resource")
		}
	}
	a.closers = nil
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown tracing")
		}
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
