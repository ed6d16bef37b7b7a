package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"docrelay/internal/token"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type staticTokens struct {
	mu          sync.Mutex
	tokens      []string
	invalidated int
}

func (s *staticTokens) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[0], nil
}

func (s *staticTokens) InvalidateIf(rejected string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens[0] != rejected {
		return false
	}
	s.invalidated++
	if len(s.tokens) > 1 {
		s.tokens = s.tokens[1:]
	}
	return true
}

// fakePlatform emulates the subset of the platform API the client uses.
type fakePlatform struct {
	mu        sync.Mutex
	valid     string
	media     map[string][]byte
	uploads   map[string][]byte
	sent      []map[string]interface{}
	sendPaths []string
	issued    int
	sendCode  int
}

func newFakePlatform(valid string) *fakePlatform {
	return &fakePlatform{valid: valid, media: map[string][]byte{}, uploads: map[string][]byte{}}
}

func (f *fakePlatform) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/cgi-bin/token", "/cgi-bin/gettoken":
		f.issued++
		f.writeJSON(w, map[string]interface{}{"access_token": f.valid, "expires_in": 7200})
		return
	}

	if r.URL.Query().Get("access_token") != f.valid {
		f.writeJSON(w, map[string]interface{}{"errcode": 40001, "errmsg": "invalid credential"})
		return
	}

	switch r.URL.Path {
	case "/cgi-bin/media/get":
		data, ok := f.media[r.URL.Query().Get("media_id")]
		if !ok {
			f.writeJSON(w, map[string]interface{}{"errcode": 40007, "errmsg": "invalid media_id"})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	case "/cgi-bin/media/upload":
		file, header, err := r.FormFile("media")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		f.uploads[header.Filename] = data
		f.writeJSON(w, map[string]interface{}{"type": r.URL.Query().Get("type"), "media_id": "MEDIA_" + header.Filename, "created_at": 1700000000})
	case "/cgi-bin/message/custom/send", "/cgi-bin/message/send":
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.sent = append(f.sent, body)
		f.sendPaths = append(f.sendPaths, r.URL.Path)
		f.writeJSON(w, map[string]interface{}{"errcode": f.sendCode, "errmsg": "ok"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, fp *fakePlatform, flavor Flavor, tokens TokenProvider) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(fp)
	t.Cleanup(server.Close)
	cfg := Config{
		Flavor:           flavor,
		BaseURL:          server.URL,
		AppID:            "wxapp",
		Secret:           "s3cret",
		AgentID:          1000002,
		MaxDownloadBytes: 1024,
		SendTimeout:      time.Second,
		DownloadTimeout:  time.Second,
		UploadTimeout:    time.Second,
	}
	if tokens == nil {
		tokens = token.NewMemoryCache(NewTokenSource(cfg, server.Client()), token.DefaultSafetyMargin, quietLogger())
	}
	return NewClient(cfg, tokens, server.Client(), quietLogger())
}

func TestDownloadMedia(t *testing.T) {
	fp := newFakePlatform("tok")
	fp.media["m1"] = []byte("docx bytes")
	c := newTestClient(t, fp, FlavorMP, nil)

	data, err := c.DownloadMedia(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "docx bytes", string(data))
}

func TestDownloadMedia_JSONErrorBody(t *testing.T) {
	fp := newFakePlatform("tok")
	c := newTestClient(t, fp, FlavorMP, nil)

	_, err := c.DownloadMedia(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40007, apiErr.ErrCode)
	assert.False(t, apiErr.TokenRejected())
}

func TestDownloadMedia_TooLarge(t *testing.T) {
	fp := newFakePlatform("tok")
	fp.media["big"] = []byte(strings.Repeat("x", 2048))
	c := newTestClient(t, fp, FlavorMP, nil)

	_, err := c.DownloadMedia(context.Background(), "big")
	assert.ErrorIs(t, err, ErrMediaTooLarge)
}

func TestDownloadMedia_Empty(t *testing.T) {
	fp := newFakePlatform("tok")
	fp.media["empty"] = []byte{}
	c := newTestClient(t, fp, FlavorMP, nil)

	_, err := c.DownloadMedia(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrEmptyMedia)
}

func TestUploadMedia(t *testing.T) {
	fp := newFakePlatform("tok")
	c := newTestClient(t, fp, FlavorMP, nil)

	id, err := c.UploadMedia(context.Background(), []byte("%PDF-1.7"), "report.pdf", "")
	require.NoError(t, err)
	assert.Equal(t, "MEDIA_report.pdf", id)
	assert.Equal(t, "%PDF-1.7", string(fp.uploads["report.pdf"]))
}

func TestSendFile_MP(t *testing.T) {
	fp := newFakePlatform("tok")
	c := newTestClient(t, fp, FlavorMP, nil)

	require.NoError(t, c.SendFile(context.Background(), "openid-1", "MEDIA_1"))

	require.Len(t, fp.sent, 1)
	assert.Equal(t, "/cgi-bin/message/custom/send", fp.sendPaths[0])
	assert.Equal(t, "openid-1", fp.sent[0]["touser"])
	assert.Equal(t, "file", fp.sent[0]["msgtype"])
	assert.Equal(t, map[string]interface{}{"media_id": "MEDIA_1"}, fp.sent[0]["file"])
	assert.NotContains(t, fp.sent[0], "agentid")
}

func TestSendText_WeCom(t *testing.T) {
	fp := newFakePlatform("tok")
	c := newTestClient(t, fp, FlavorWeCom, nil)

	require.NoError(t, c.SendText(context.Background(), "zhangsan", "你好"))

	require.Len(t, fp.sent, 1)
	assert.Equal(t, "/cgi-bin/message/send", fp.sendPaths[0])
	assert.Equal(t, float64(1000002), fp.sent[0]["agentid"])
	assert.Equal(t, map[string]interface{}{"content": "你好"}, fp.sent[0]["text"])
}

func TestSend_RejectedByPlatform(t *testing.T) {
	fp := newFakePlatform("tok")
	fp.sendCode = 45015
	c := newTestClient(t, fp, FlavorMP, nil)

	err := c.SendFile(context.Background(), "openid-1", "MEDIA_1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 45015, apiErr.ErrCode)
}

func TestStaleTokenIsInvalidatedAndRetried(t *testing.T) {
	fp := newFakePlatform("fresh")
	fp.media["m1"] = []byte("data")
	tokens := &staticTokens{tokens: []string{"stale", "fresh"}}
	c := newTestClient(t, fp, FlavorMP, tokens)

	data, err := c.DownloadMedia(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Equal(t, 1, tokens.invalidated)
}

func TestRejectedTwiceGivesUp(t *testing.T) {
	fp := newFakePlatform("never")
	tokens := &staticTokens{tokens: []string{"a", "b", "c"}}
	c := newTestClient(t, fp, FlavorMP, tokens)

	err := c.SendText(context.Background(), "u", "hi")
	assert.True(t, IsTokenRejected(err))
	assert.Equal(t, 2, tokens.invalidated)
}

// refreshedTokens hands out "stale" once, after which another caller has
// already refreshed the shared cache to "fresh".
type refreshedTokens struct {
	mu      sync.Mutex
	issued  int
	current string
	dropped int
}

func (r *refreshedTokens) Token(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued++
	if r.issued == 1 {
		r.current = "fresh"
		return "stale", nil
	}
	return r.current, nil
}

func (r *refreshedTokens) InvalidateIf(rejected string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != rejected {
		return false
	}
	r.current = ""
	r.dropped++
	return true
}

func TestRejectedStaleTokenKeepsRefreshedToken(t *testing.T) {
	fp := newFakePlatform("fresh")
	fp.media["m1"] = []byte("data")
	tokens := &refreshedTokens{}
	c := newTestClient(t, fp, FlavorMP, tokens)

	data, err := c.DownloadMedia(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Equal(t, 2, tokens.issued)
	assert.Zero(t, tokens.dropped, "the refreshed token must survive")
	assert.Equal(t, "fresh", tokens.current)
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	fp := newFakePlatform("tok")
	c := newTestClient(t, fp, FlavorMP, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendText(context.Background(), "u", "hi"))
	}
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, 1, fp.issued)
}

func TestHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream"))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL}, &staticTokens{tokens: []string{"t"}}, server.Client(), nil)
	err := c.SendText(context.Background(), "u", "hi")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}

func TestIsJSON(t *testing.T) {
	assert.True(t, isJSON("application/json"))
	assert.True(t, isJSON("application/json; charset=utf-8"))
	assert.False(t, isJSON("application/octet-stream"))
	assert.False(t, isJSON(""))
}
