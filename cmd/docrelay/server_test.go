package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"docrelay/internal/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Health(t *testing.T) {
	platformSrv := newFakePlatform(t)
	converterSrv := newFakeConverter(t, http.StatusOK)
	srv, _ := newTestServer(t, loadTestConfig(t, platformSrv.URL, converterSrv.URL))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "docrelay", body.Service)
	require.Len(t, body.Backends, 1)
	assert.Equal(t, "gotenberg", body.Backends[0].Name)
	assert.Equal(t, "up", body.Backends[0].Status)
	require.NotNil(t, body.Backends[0].Breaker)
	assert.Equal(t, "CLOSED", body.Backends[0].Breaker.State)
}

func TestServer_HealthReportsDownBackend(t *testing.T) {
	platformSrv := newFakePlatform(t)
	converterSrv := newFakeConverter(t, http.StatusOK)
	cfg := loadTestConfig(t, platformSrv.URL, converterSrv.URL)
	converterSrv.Close()
	srv, _ := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Backends, 1)
	assert.Equal(t, "down", body.Backends[0].Status)
	assert.NotEmpty(t, body.Backends[0].Error)
}

func TestServer_Index(t *testing.T) {
	platformSrv := newFakePlatform(t)
	converterSrv := newFakeConverter(t, http.StatusOK)
	srv, _ := newTestServer(t, loadTestConfig(t, platformSrv.URL, converterSrv.URL))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "/health", body["health"])
	assert.Equal(t, "/wechat", body["wechat"])
	assert.NotEmpty(t, body["message"])
}

func TestServer_MetricsEndpoints(t *testing.T) {
	platformSrv := newFakePlatform(t)
	converterSrv := newFakeConverter(t, http.StatusOK)
	srv, _ := newTestServer(t, loadTestConfig(t, platformSrv.URL, converterSrv.URL))

	// Generate one callback so the counters are non-empty.
	postCallback(t, srv.Handler(), signedQuery(),
		`<xml><ToUserName>gh</ToUserName><FromUserName>oUser</FromUserName><MsgType>text</MsgType><Content>help</Content><MsgId>1</MsgId></xml>`)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))

	var snapshot struct {
		Counters map[string]json.RawMessage `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.NotEmpty(t, snapshot.Counters)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docrelay_callbacks_total")
}

func TestServer_VerificationRateLimited(t *testing.T) {
	platformSrv := newFakePlatform(t)
	converterSrv := newFakeConverter(t, http.StatusOK)
	cfg := loadTestConfig(t, platformSrv.URL, converterSrv.URL)
	cfg.Server.RateLimitPerMinute = 3
	srv, _ := newTestServer(t, cfg)

	q := signedQuery()
	q.Set("echostr", "echo")
	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wechat?"+q.Encode(), nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)

	// Other routes are not limited.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MessageCallbacksAreNeverThrottled(t *testing.T) {
	platformSrv := newFakePlatform(t)
	converterSrv := newFakeConverter(t, http.StatusOK)
	cfg := loadTestConfig(t, platformSrv.URL, converterSrv.URL)
	cfg.Server.RateLimitPerMinute = 2
	srv, _ := newTestServer(t, cfg)

	for i := 0; i < 6; i++ {
		body := fmt.Sprintf(`<xml><ToUserName>gh</ToUserName><FromUserName>oUser</FromUserName>`+
			`<MsgType>text</MsgType><Content>help</Content><MsgId>%d</MsgId></xml>`, 100+i)
		rec := postCallback(t, srv.Handler(), signedQuery(), body)
		require.Equal(t, http.StatusOK, rec.Code, "callback %d", i)
		assert.Contains(t, rec.Body.String(), "<xml>", "callback %d was not answered with a reply", i)
	}
}

func TestServer_CallbackRejectsOtherMethods(t *testing.T) {
	platformSrv := newFakePlatform(t)
	converterSrv := newFakeConverter(t, http.StatusOK)
	srv, _ := newTestServer(t, loadTestConfig(t, platformSrv.URL, converterSrv.URL))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/wechat", strings.NewReader("x")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
