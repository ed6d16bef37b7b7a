package service

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"docrelay/internal/dedup"
	"docrelay/internal/models"
	"docrelay/pkg/wxcrypt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cbToken    = "callback-token"
	cbAESKey   = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8"
	cbAppID    = "wx0123456789"
	cbTime     = "1700000000"
	cbNonce    = "nonce42"
	cbAccount  = "gh_account"
	cbSender   = "oSender987654"
	cbMaxBytes = 4096
)

type plainReply struct {
	ToUserName   string `xml:"ToUserName"`
	FromUserName string `xml:"FromUserName"`
	CreateTime   int64  `xml:"CreateTime"`
	MsgType      string `xml:"MsgType"`
	Content      string `xml:"Content"`
}

type callbackFixture struct {
	handler *CallbackHandler
	cipher  *wxcrypt.Cipher
	jobs    *fakeSubmitter
	metrics *recordingMetrics
	guard   *dedup.MemoryGuard
}

func newCallbackFixture(t *testing.T, encrypted bool) *callbackFixture {
	t.Helper()
	f := &callbackFixture{
		jobs:    &fakeSubmitter{},
		metrics: &recordingMetrics{},
		guard:   dedup.NewMemoryGuard(60 * time.Second),
	}
	if encrypted {
		c, err := wxcrypt.NewCipher(cbToken, cbAESKey, cbAppID)
		require.NoError(t, err)
		f.cipher = c
	}
	f.handler = NewCallbackHandler(CallbackOptions{
		Token:        cbToken,
		Cipher:       f.cipher,
		Guard:        f.guard,
		Jobs:         f.jobs,
		Metrics:      f.metrics,
		MaxBodyBytes: cbMaxBytes,
		Logger:       quietLogger(),
	})
	f.handler.now = func() time.Time { return time.Unix(1700000100, 0) }
	return f
}

func messageXML(msgType, msgID, extra string) string {
	id := ""
	if msgID != "" {
		id = "<MsgId>" + msgID + "</MsgId>"
	}
	return fmt.Sprintf(`<xml><ToUserName><![CDATA[%s]]></ToUserName><FromUserName><![CDATA[%s]]></FromUserName>`+
		`<CreateTime>1700000000</CreateTime><MsgType><![CDATA[%s]]></MsgType>%s%s</xml>`,
		cbAccount, cbSender, msgType, id, extra)
}

func basicQuery(token string) url.Values {
	q := url.Values{}
	q.Set("signature", wxcrypt.Signature(token, cbTime, cbNonce))
	q.Set("timestamp", cbTime)
	q.Set("nonce", cbNonce)
	return q
}

func (f *callbackFixture) post(t *testing.T, q url.Values, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/wechat?"+q.Encode(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.HandleMessage(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec
}

func (f *callbackFixture) postEncrypted(t *testing.T, plaintext string) *httptest.ResponseRecorder {
	t.Helper()
	encrypted, err := f.cipher.Encrypt(plaintext)
	require.NoError(t, err)

	q := url.Values{}
	q.Set("msg_signature", wxcrypt.Signature(cbToken, cbTime, cbNonce, encrypted))
	q.Set("timestamp", cbTime)
	q.Set("nonce", cbNonce)
	body := fmt.Sprintf("<xml><ToUserName><![CDATA[%s]]></ToUserName><Encrypt><![CDATA[%s]]></Encrypt></xml>", cbAccount, encrypted)
	return f.post(t, q, body)
}

func parseReply(t *testing.T, body string) plainReply {
	t.Helper()
	var r plainReply
	require.NoError(t, xml.Unmarshal([]byte(body), &r), body)
	return r
}

func TestHandleVerify_Basic(t *testing.T) {
	f := newCallbackFixture(t, false)

	q := basicQuery(cbToken)
	q.Set("echostr", "challenge-123")
	rec := httptest.NewRecorder()
	f.handler.HandleVerify(rec, httptest.NewRequest(http.MethodGet, "/wechat?"+q.Encode(), nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "challenge-123", rec.Body.String())
}

func TestHandleVerify_BasicRejectsBadSignature(t *testing.T) {
	f := newCallbackFixture(t, false)

	q := basicQuery("wrong-token")
	q.Set("echostr", "challenge-123")
	rec := httptest.NewRecorder()
	f.handler.HandleVerify(rec, httptest.NewRequest(http.MethodGet, "/wechat?"+q.Encode(), nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "challenge-123")
}

func TestHandleVerify_Encrypted(t *testing.T) {
	f := newCallbackFixture(t, true)

	echo, err := f.cipher.Encrypt("plain-echo")
	require.NoError(t, err)

	tests := []struct {
		name     string
		sig      string
		wantCode int
		wantBody string
	}{
		{name: "valid", sig: wxcrypt.Signature(cbToken, cbTime, cbNonce, echo), wantCode: http.StatusOK, wantBody: "plain-echo"},
		{name: "bad signature", sig: wxcrypt.Signature("other", cbTime, cbNonce, echo), wantCode: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := url.Values{}
			q.Set("msg_signature", tt.sig)
			q.Set("timestamp", cbTime)
			q.Set("nonce", cbNonce)
			q.Set("echostr", echo)

			rec := httptest.NewRecorder()
			f.handler.HandleVerify(rec, httptest.NewRequest(http.MethodGet, "/wechat?"+q.Encode(), nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestHandleMessage_FileDispatchesJob(t *testing.T) {
	f := newCallbackFixture(t, false)

	body := messageXML("file", "1001", "<MediaId><![CDATA[media-abc]]></MediaId><Title><![CDATA[作业.docx]]></Title>")
	rec := f.post(t, basicQuery(cbToken), body)

	reply := parseReply(t, rec.Body.String())
	assert.Equal(t, cbSender, reply.ToUserName)
	assert.Equal(t, cbAccount, reply.FromUserName)
	assert.Equal(t, "text", reply.MsgType)
	assert.Equal(t, ProcessingReply, reply.Content)
	assert.Equal(t, int64(1700000100), reply.CreateTime)

	jobs := f.jobs.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, "1001", jobs[0].MessageID)
	assert.Equal(t, "media-abc", jobs[0].MediaRef)
	assert.Equal(t, "作业.docx", jobs[0].FileName)
	assert.Equal(t, cbSender, jobs[0].FromUser)
	assert.False(t, jobs[0].MessageIDFallback)
	assert.Equal(t, []string{models.EventFile}, f.metrics.callbacks)
}

func TestHandleMessage_FileNameProbeOrder(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{name: "FileName wins", extra: "<FileName>a.xlsx</FileName><Title>b.docx</Title><Name>c.pptx</Name>", want: "a.xlsx"},
		{name: "Title before Name", extra: "<Title>b.docx</Title><Name>c.pptx</Name>", want: "b.docx"},
		{name: "Name", extra: "<Name>c.pptx</Name>", want: "c.pptx"},
		{name: "default", extra: "", want: "document.docx"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallbackFixture(t, false)
			body := messageXML("file", fmt.Sprintf("id-%d", i), "<MediaId>m</MediaId>"+tt.extra)
			f.post(t, basicQuery(cbToken), body)

			jobs := f.jobs.submitted()
			require.Len(t, jobs, 1)
			assert.Equal(t, tt.want, jobs[0].FileName)
		})
	}
}

func TestHandleMessage_DuplicateIsSuppressed(t *testing.T) {
	f := newCallbackFixture(t, false)
	body := messageXML("file", "2002", "<MediaId>m</MediaId><FileName>a.docx</FileName>")

	first := f.post(t, basicQuery(cbToken), body)
	assert.Contains(t, first.Body.String(), ProcessingReply)

	second := f.post(t, basicQuery(cbToken), body)
	assert.Equal(t, AckBody, second.Body.String())

	assert.Len(t, f.jobs.submitted(), 1)
	assert.Equal(t, 1, f.metrics.duplicates)
}

func TestHandleMessage_ConcurrentRedeliveriesDispatchOnce(t *testing.T) {
	f := newCallbackFixture(t, false)
	body := messageXML("file", "3003", "<MediaId>m</MediaId><FileName>a.docx</FileName>")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/wechat?"+basicQuery(cbToken).Encode(), strings.NewReader(body))
			f.handler.HandleMessage(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	assert.Len(t, f.jobs.submitted(), 1)
}

func TestHandleMessage_MissingMsgIDFallsBackToSenderAndCreateTime(t *testing.T) {
	f := newCallbackFixture(t, false)

	f.post(t, basicQuery(cbToken), messageXML("file", "", "<MediaId>m</MediaId>"))

	jobs := f.jobs.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, cbSender+":1700000000", jobs[0].MessageID)
	assert.True(t, jobs[0].MessageIDFallback)

	// A redelivery repeats CreateTime and is suppressed.
	rec := f.post(t, basicQuery(cbToken), messageXML("file", "", "<MediaId>m</MediaId>"))
	assert.Equal(t, AckBody, rec.Body.String())
	assert.Len(t, f.jobs.submitted(), 1)
}

func TestHandleMessage_MissingMsgIDDistinctSendersBothDispatch(t *testing.T) {
	tests := []struct {
		name       string
		createTime string
	}{
		{name: "same create time", createTime: "<CreateTime>1700000000</CreateTime>"},
		{name: "no create time", createTime: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallbackFixture(t, false)

			for _, sender := range []string{"oUserAlice", "oUserBob"} {
				body := strings.Replace(messageXML("file", "", "<MediaId>m</MediaId>"), cbSender, sender, 1)
				body = strings.Replace(body, "<CreateTime>1700000000</CreateTime>", tt.createTime, 1)

				rec := f.post(t, basicQuery(cbToken), body)
				assert.Equal(t, ProcessingReply, parseReply(t, rec.Body.String()).Content, sender)
			}

			jobs := f.jobs.submitted()
			require.Len(t, jobs, 2)
			assert.Equal(t, "oUserAlice", jobs[0].FromUser)
			assert.Equal(t, "oUserBob", jobs[1].FromUser)
			assert.NotEqual(t, jobs[0].MessageID, jobs[1].MessageID)
			assert.Zero(t, f.metrics.duplicates)
		})
	}
}

func TestHandleMessage_DuplicateTextIsSuppressed(t *testing.T) {
	f := newCallbackFixture(t, false)
	body := messageXML("text", "8008", "<Content><![CDATA[帮助]]></Content>")

	first := f.post(t, basicQuery(cbToken), body)
	assert.Equal(t, HelpReply, parseReply(t, first.Body.String()).Content)

	second := f.post(t, basicQuery(cbToken), body)
	assert.Equal(t, AckBody, second.Body.String())
	assert.Equal(t, 1, f.metrics.duplicates)
}

func TestHandleMessage_EmptyTokenRejectsEverything(t *testing.T) {
	handler := NewCallbackHandler(CallbackOptions{
		Token:  "",
		Guard:  dedup.NewMemoryGuard(60 * time.Second),
		Jobs:   &fakeSubmitter{},
		Logger: quietLogger(),
	})

	// A signature over the empty token is computable by anyone.
	q := basicQuery("")
	req := httptest.NewRequest(http.MethodPost, "/wechat?"+q.Encode(),
		strings.NewReader(messageXML("text", "9", "<Content>help</Content>")))
	rec := httptest.NewRecorder()
	handler.HandleMessage(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AckBody, rec.Body.String())

	q.Set("echostr", "challenge")
	rec = httptest.NewRecorder()
	handler.HandleVerify(rec, httptest.NewRequest(http.MethodGet, "/wechat?"+q.Encode(), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "challenge")
}

func TestHandleMessage_TextAndOtherTypes(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		extra   string
		want    string
	}{
		{name: "help keyword", msgType: "text", extra: "<Content><![CDATA[帮助]]></Content>", want: HelpReply},
		{name: "help english padded", msgType: "text", extra: "<Content><![CDATA[  HELP ]]></Content>", want: HelpReply},
		{name: "full width question mark", msgType: "text", extra: "<Content><![CDATA[？]]></Content>", want: HelpReply},
		{name: "other text", msgType: "text", extra: "<Content><![CDATA[你好]]></Content>", want: TextHintReply},
		{name: "image", msgType: "image", extra: "<PicUrl>http://x</PicUrl>", want: OtherTypeReply},
		{name: "voice", msgType: "voice", extra: "", want: OtherTypeReply},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallbackFixture(t, false)
			rec := f.post(t, basicQuery(cbToken), messageXML(tt.msgType, fmt.Sprintf("t-%d", i), tt.extra))

			reply := parseReply(t, rec.Body.String())
			assert.Equal(t, tt.want, reply.Content)
			assert.Empty(t, f.jobs.submitted())
		})
	}
}

func TestHandleMessage_EncryptedRoundTrip(t *testing.T) {
	f := newCallbackFixture(t, true)

	rec := f.postEncrypted(t, messageXML("file", "4004", "<MediaId>m</MediaId><FileName>a.pptx</FileName>"))

	var env struct {
		Encrypt      string `xml:"Encrypt"`
		MsgSignature string `xml:"MsgSignature"`
		TimeStamp    string `xml:"TimeStamp"`
		Nonce        string `xml:"Nonce"`
	}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, cbTime, env.TimeStamp)
	assert.Equal(t, cbNonce, env.Nonce)
	assert.True(t, wxcrypt.Verify(env.MsgSignature, env.TimeStamp, env.Nonce, env.Encrypt, cbToken))

	inner, err := f.cipher.Decrypt(env.Encrypt)
	require.NoError(t, err)
	assert.Equal(t, ProcessingReply, parseReply(t, inner).Content)
	assert.Len(t, f.jobs.submitted(), 1)
}

func TestHandleMessage_EncryptedHelpReply(t *testing.T) {
	f := newCallbackFixture(t, true)

	rec := f.postEncrypted(t, messageXML("text", "4005", "<Content><![CDATA[帮助]]></Content>"))
	assert.NotContains(t, rec.Body.String(), HelpReply, "reply must not be sent in plaintext")

	var env struct {
		Encrypt      string `xml:"Encrypt"`
		MsgSignature string `xml:"MsgSignature"`
		TimeStamp    string `xml:"TimeStamp"`
		Nonce        string `xml:"Nonce"`
	}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &env))
	require.NotEmpty(t, env.Encrypt)
	assert.True(t, wxcrypt.Verify(env.MsgSignature, env.TimeStamp, env.Nonce, env.Encrypt, cbToken))

	inner, err := f.cipher.Decrypt(env.Encrypt)
	require.NoError(t, err)
	reply := parseReply(t, inner)
	assert.Equal(t, HelpReply, reply.Content)
	assert.Equal(t, cbSender, reply.ToUserName)
	assert.Empty(t, f.jobs.submitted())
}

func TestHandleMessage_FailuresAnswerSuccess(t *testing.T) {
	encryptedWrongReceiver := func(t *testing.T) (url.Values, string) {
		other, err := wxcrypt.NewCipher(cbToken, cbAESKey, "wx-someone-else")
		require.NoError(t, err)
		enc, err := other.Encrypt(messageXML("file", "5", "<MediaId>m</MediaId>"))
		require.NoError(t, err)
		q := url.Values{}
		q.Set("msg_signature", wxcrypt.Signature(cbToken, cbTime, cbNonce, enc))
		q.Set("timestamp", cbTime)
		q.Set("nonce", cbNonce)
		return q, "<xml><Encrypt>" + enc + "</Encrypt></xml>"
	}

	tests := []struct {
		name      string
		encrypted bool
		request   func(t *testing.T) (url.Values, string)
	}{
		{
			name: "bad basic signature",
			request: func(*testing.T) (url.Values, string) {
				return basicQuery("nope"), messageXML("file", "1", "<MediaId>m</MediaId>")
			},
		},
		{
			name: "missing basic signature",
			request: func(*testing.T) (url.Values, string) {
				return url.Values{}, messageXML("file", "1", "<MediaId>m</MediaId>")
			},
		},
		{
			name: "malformed xml",
			request: func(*testing.T) (url.Values, string) {
				return basicQuery(cbToken), "<xml><MsgType>file"
			},
		},
		{
			name: "body too large",
			request: func(*testing.T) (url.Values, string) {
				return basicQuery(cbToken), messageXML("file", "1", "<Content>"+strings.Repeat("a", cbMaxBytes)+"</Content>")
			},
		},
		{
			name: "file without media id",
			request: func(*testing.T) (url.Values, string) {
				return basicQuery(cbToken), messageXML("file", "1", "")
			},
		},
		{
			name: "media id with whitespace",
			request: func(*testing.T) (url.Values, string) {
				return basicQuery(cbToken), messageXML("file", "1", "<MediaId>m e d i a</MediaId>")
			},
		},
		{
			name: "message id too long",
			request: func(*testing.T) (url.Values, string) {
				return basicQuery(cbToken), messageXML("file", strings.Repeat("9", 65), "<MediaId>m</MediaId>")
			},
		},
		{
			name: "malformed sender",
			request: func(*testing.T) (url.Values, string) {
				body := strings.Replace(messageXML("file", "1", "<MediaId>m</MediaId>"), cbSender, "o<bad>", 1)
				return basicQuery(cbToken), body
			},
		},
		{
			name:      "encrypted bad signature",
			encrypted: true,
			request: func(*testing.T) (url.Values, string) {
				q := url.Values{}
				q.Set("msg_signature", "deadbeef")
				q.Set("timestamp", cbTime)
				q.Set("nonce", cbNonce)
				return q, "<xml><Encrypt>AAAA</Encrypt></xml>"
			},
		},
		{
			name:      "encrypted for another receiver",
			encrypted: true,
			request:   encryptedWrongReceiver,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallbackFixture(t, tt.encrypted)
			q, body := tt.request(t)

			rec := f.post(t, q, body)
			assert.Equal(t, AckBody, rec.Body.String())
			assert.Empty(t, f.jobs.submitted())
		})
	}
}

func TestHandleMessage_SubmitFailureAnswersSuccess(t *testing.T) {
	f := newCallbackFixture(t, false)
	f.jobs.err = errors.New("dispatcher is shut down")

	rec := f.post(t, basicQuery(cbToken), messageXML("file", "6006", "<MediaId>m</MediaId>"))
	assert.Equal(t, AckBody, rec.Body.String())
}

func TestHandleMessage_SweepsExpiredIDs(t *testing.T) {
	f := newCallbackFixture(t, false)
	body := messageXML("file", "7007", "<MediaId>m</MediaId>")

	f.post(t, basicQuery(cbToken), body)
	assert.Equal(t, 1, f.guard.Len())

	// The guard stamps entries with wall time; sweep from two minutes later.
	later := time.Now().Add(2 * time.Minute)
	f.handler.now = func() time.Time { return later }
	f.post(t, basicQuery(cbToken), messageXML("text", "7008", "<Content>hi</Content>"))
	// Only the new text message remains.
	assert.Equal(t, 1, f.guard.Len())
}
