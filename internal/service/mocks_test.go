package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"docrelay/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

// mockPlatform is a testify mock of platform.Client.
type mockPlatform struct {
	mock.Mock
}

func (m *mockPlatform) Token(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockPlatform) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	args := m.Called(ctx, mediaID)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockPlatform) UploadMedia(ctx context.Context, data []byte, fileName, kind string) (string, error) {
	args := m.Called(ctx, data, fileName, kind)
	return args.String(0), args.Error(1)
}

func (m *mockPlatform) SendFile(ctx context.Context, toUser, mediaID string) error {
	args := m.Called(ctx, toUser, mediaID)
	return args.Error(0)
}

func (m *mockPlatform) SendText(ctx context.Context, toUser, content string) error {
	args := m.Called(ctx, toUser, content)
	return args.Error(0)
}

// stubConverter writes a fixed pdf next to its input or fails with err.
type stubConverter struct {
	name   string
	err    error
	pdf    string
	calls  atomic.Int32
	inputs []string
	mu     sync.Mutex
}

func (s *stubConverter) Name() string { return s.name }

func (s *stubConverter) Convert(_ context.Context, inputPath string) (string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.inputs = append(s.inputs, inputPath)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	out := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".pdf"
	pdf := s.pdf
	if pdf == "" {
		pdf = "%PDF-" + s.name
	}
	return out, os.WriteFile(out, []byte(pdf), 0o600)
}

func (s *stubConverter) lastInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) == 0 {
		return ""
	}
	return s.inputs[len(s.inputs)-1]
}

// recordingMetrics captures JobMetrics, CallbackMetrics and SweepMetrics events.
type recordingMetrics struct {
	mu         sync.Mutex
	started    int
	finished   []string
	notices    []string
	callbacks  []string
	duplicates int
	sweeps     int
}

func (r *recordingMetrics) JobStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingMetrics) JobFinished(outcome, stage string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, outcome+"/"+stage)
}

func (r *recordingMetrics) NoticeSent(kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := "sent"
	if err != nil {
		result = "failed"
	}
	r.notices = append(r.notices, kind+"/"+result)
}

func (r *recordingMetrics) CallbackReceived(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, eventType)
}

func (r *recordingMetrics) DuplicateSuppressed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates++
}

func (r *recordingMetrics) DedupSwept() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
}

func (r *recordingMetrics) sweepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps
}

// fakeSubmitter records submitted events instead of running them.
type fakeSubmitter struct {
	mu     sync.Mutex
	events []models.DecryptedEvent
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, ev *models.DecryptedEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.events = append(f.events, *ev)
	return "job-" + ev.MessageID, nil
}

func (f *fakeSubmitter) submitted() []models.DecryptedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DecryptedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
