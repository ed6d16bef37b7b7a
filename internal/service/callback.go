package service

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"docrelay/internal/constants"
	"docrelay/internal/dedup"
	apperrors "docrelay/internal/errors"
	"docrelay/internal/models"
	"docrelay/internal/tracing"
	"docrelay/internal/validation"
	"docrelay/pkg/wxcrypt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// AckBody is returned whenever a callback cannot or need not be answered
// with a reply. The platform treats it as delivered and does not retry.
const AckBody = "success"

const (
	channelEncrypted = "encrypted"
	channelBasic     = "basic"
)

// JobSubmitter accepts file events for background conversion.
type JobSubmitter interface {
	Submit(ctx context.Context, ev *models.DecryptedEvent) (string, error)
}

// CallbackMetrics receives callback events.
type CallbackMetrics interface {
	CallbackReceived(eventType string)
	DuplicateSuppressed()
}

// CallbackOptions wires a CallbackHandler.
type CallbackOptions struct {
	// Token is the shared secret configured on the platform console.
	Token string
	// Cipher is nil when the deployment uses the plaintext channel only.
	Cipher       *wxcrypt.Cipher
	Guard        dedup.Guard
	Jobs         JobSubmitter
	Metrics      CallbackMetrics
	MaxBodyBytes int64
	Logger       *logrus.Logger
}

// CallbackHandler serves the platform webhook: URL verification on GET and
// inbound messages on POST.
type CallbackHandler struct {
	token   string
	cipher  *wxcrypt.Cipher
	guard   dedup.Guard
	jobs    JobSubmitter
	metrics CallbackMetrics
	maxBody int64
	logger  *logrus.Logger
	errLog  *apperrors.Logger
	now     func() time.Time
}

func NewCallbackHandler(opts CallbackOptions) *CallbackHandler {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = constants.DefaultMaxCallbackBodyBytes
	}
	return &CallbackHandler{
		token:   opts.Token,
		cipher:  opts.Cipher,
		guard:   opts.Guard,
		jobs:    opts.Jobs,
		metrics: opts.Metrics,
		maxBody: maxBody,
		logger:  opts.Logger,
		errLog:  apperrors.NewLogger(opts.Logger),
		now:     time.Now,
	}
}

// HandleVerify answers the platform's callback URL check.
func (h *CallbackHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	echo, channel, err := h.verifyURL(q)
	if err != nil {
		h.errLog.LogWarn(err, "Callback URL verification failed", logrus.Fields{
			LogFieldChannel:   channel,
			LogFieldRequestID: tracing.RequestID(r.Context()),
		})
		status := apperrors.HTTPStatusCode(err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	logEntry(r.Context(), h.logger, logrus.Fields{LogFieldChannel: channel}).Info("Callback URL verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, echo)
}

func (h *CallbackHandler) verifyURL(q url.Values) (string, string, error) {
	timestamp, nonce, echostr := q.Get("timestamp"), q.Get("nonce"), q.Get("echostr")

	if msgSig := q.Get("msg_signature"); h.cipher != nil && msgSig != "" {
		echo, err := h.cipher.VerifyURL(msgSig, timestamp, nonce, echostr)
		if err != nil {
			return "", channelEncrypted, cryptoError(err)
		}
		return echo, channelEncrypted, nil
	}

	if !wxcrypt.VerifyBasic(q.Get("signature"), timestamp, nonce, h.token) {
		return "", channelBasic, apperrors.NewAuthError("signature mismatch")
	}
	return echostr, channelBasic, nil
}

// HandleMessage processes an inbound message. It always answers 200: either
// with a reply document or with AckBody.
func (h *CallbackHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "callback.message")
	defer span.End()

	reply, err := h.process(ctx, r)
	if err != nil {
		tracing.RecordError(ctx, err)
		h.errLog.LogRetryableError(err, "Callback processing failed", tracing.Fields(ctx))
		reply = ""
	}

	if reply == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, AckBody)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, reply)
}

// process authenticates, decodes and routes one message and returns the
// reply body, or "" when no reply is due.
func (h *CallbackHandler) process(ctx context.Context, r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		return "", apperrors.NewInvalidInputError("failed to read callback body", err)
	}
	if int64(len(body)) > h.maxBody {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "callback body too large").
			WithContext("limit_bytes", h.maxBody)
	}

	q := r.URL.Query()
	plaintext, channel, err := h.open(q, body)
	if err != nil {
		return "", err
	}

	var msg models.InboundMessage
	if err := xml.Unmarshal([]byte(plaintext), &msg); err != nil {
		return "", apperrors.NewInvalidInputError("failed to parse callback message", err)
	}

	now := h.now()
	if h.guard != nil {
		h.guard.Sweep(ctx, now)
	}

	ev := h.normalize(&msg, now)
	tracing.AddAttributes(ctx,
		attribute.String("callback.channel", channel),
		attribute.String("callback.event_type", ev.Type),
	)
	if h.metrics != nil {
		h.metrics.CallbackReceived(ev.Type)
	}
	logEntry(ctx, h.logger, logrus.Fields{
		LogFieldChannel:     channel,
		LogFieldEventType:   ev.Type,
		LogFieldMessageType: ev.RawType,
		LogFieldFromUser:    ev.FromUser,
		LogFieldMessageID:   ev.MessageID,
	}).Info("Callback received")

	if !h.firstDelivery(ctx, ev) {
		return "", nil
	}

	content, err := h.route(ctx, ev)
	if err != nil || content == "" {
		return "", err
	}
	return h.seal(ev, content, channel, q)
}

// open authenticates the request and returns the plaintext message.
func (h *CallbackHandler) open(q url.Values, body []byte) (string, string, error) {
	timestamp, nonce := q.Get("timestamp"), q.Get("nonce")

	if msgSig := q.Get("msg_signature"); h.cipher != nil && msgSig != "" {
		var env wxcrypt.EncryptedRequest
		if err := xml.Unmarshal(body, &env); err != nil {
			return "", channelEncrypted, apperrors.NewInvalidInputError("failed to parse encrypted envelope", err)
		}
		if env.Encrypt == "" {
			return "", channelEncrypted, apperrors.New(apperrors.ErrCodeInvalidInput, "encrypted envelope has no Encrypt element")
		}
		plain, err := h.cipher.DecryptMessage(msgSig, timestamp, nonce, env.Encrypt)
		if err != nil {
			return "", channelEncrypted, cryptoError(err)
		}
		return plain, channelEncrypted, nil
	}

	if !wxcrypt.VerifyBasic(q.Get("signature"), timestamp, nonce, h.token) {
		return "", channelBasic, apperrors.NewAuthError("signature mismatch")
	}
	return string(body), channelBasic, nil
}

func (h *CallbackHandler) normalize(msg *models.InboundMessage, now time.Time) *models.DecryptedEvent {
	ev := &models.DecryptedEvent{
		Type:      models.EventType(msg.MsgType),
		RawType:   msg.MsgType,
		FromUser:  msg.FromUserName,
		ToUser:    msg.ToUserName,
		MessageID: strings.TrimSpace(msg.MsgID),
		Content:   msg.Content,
	}
	if ev.MessageID == "" {
		ev.MessageID = fallbackMessageID(msg, now)
		ev.MessageIDFallback = true
	}
	if ev.Type == models.EventFile {
		ev.MediaRef = strings.TrimSpace(msg.MediaID)
		ev.FileName = msg.ProbeFileName()
		if ev.FileName == "" {
			ev.FileName = constants.DefaultFileName
		}
	}
	return ev
}

// fallbackMessageID keys a message without MsgId on its sender and CreateTime,
// which platform redeliveries repeat. Without CreateTime the receive time in
// nanoseconds is used.
func fallbackMessageID(msg *models.InboundMessage, now time.Time) string {
	if msg.CreateTime > 0 {
		return msg.FromUserName + ":" + strconv.FormatInt(msg.CreateTime, 10)
	}
	return msg.FromUserName + ":" + strconv.FormatInt(now.UnixNano(), 10)
}

// firstDelivery reports whether ev has not been seen within the dedup window.
func (h *CallbackHandler) firstDelivery(ctx context.Context, ev *models.DecryptedEvent) bool {
	fields := logrus.Fields{
		LogFieldMessageID: ev.MessageID,
		LogFieldFromUser:  ev.FromUser,
		LogFieldEventType: ev.Type,
	}
	if ev.MessageIDFallback {
		logEntry(ctx, h.logger, fields).WithField(LogFieldWeakDedup, true).
			Warn("Message has no MsgId, deduplicating on sender and create time")
	}
	if h.guard == nil || h.guard.ShouldProcess(ctx, ev.MessageID) {
		return true
	}
	if h.metrics != nil {
		h.metrics.DuplicateSuppressed()
	}
	logEntry(ctx, h.logger, fields).Info("Duplicate message suppressed")
	return false
}

// route decides the reply content for ev, dispatching a job for files.
func (h *CallbackHandler) route(ctx context.Context, ev *models.DecryptedEvent) (string, error) {
	switch ev.Type {
	case models.EventFile:
		return h.routeFile(ctx, ev)
	case models.EventText:
		return TextReplyFor(ev.Content), nil
	default:
		return OtherTypeReply, nil
	}
}

func (h *CallbackHandler) routeFile(ctx context.Context, ev *models.DecryptedEvent) (string, error) {
	fields := logrus.Fields{
		LogFieldMessageID: ev.MessageID,
		LogFieldFromUser:  ev.FromUser,
		LogFieldMediaRef:  ev.MediaRef,
		LogFieldFileName:  ev.FileName,
	}

	if ev.MediaRef == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "file message has no MediaId")
	}
	if err := validation.ValidateMediaID(ev.MediaRef); err != nil {
		return "", err
	}
	if err := validation.ValidateUserID(ev.FromUser); err != nil {
		return "", err
	}
	if !ev.MessageIDFallback {
		if err := validation.ValidateMessageID(ev.MessageID); err != nil {
			return "", err
		}
	}

	jobID, err := h.jobs.Submit(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("failed to dispatch conversion job: %w", err)
	}
	logEntry(ctx, h.logger, fields).WithField(LogFieldJobID, jobID).Info("Conversion job dispatched")
	return ProcessingReply, nil
}

// seal renders the reply document, encrypting it on the encrypted channel.
func (h *CallbackHandler) seal(ev *models.DecryptedEvent, content, channel string, q url.Values) (string, error) {
	out, err := xml.Marshal(models.NewTextReply(ev, content, h.now().Unix()))
	if err != nil {
		return "", fmt.Errorf("failed to marshal reply: %w", err)
	}
	if channel != channelEncrypted {
		return string(out), nil
	}

	sealed, err := h.cipher.EncryptEnvelope(string(out), q.Get("nonce"), q.Get("timestamp"))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encrypt reply")
	}
	return sealed, nil
}

func cryptoError(err error) error {
	if errors.Is(err, wxcrypt.ErrSignatureMismatch) {
		return apperrors.NewAuthError("msg_signature mismatch")
	}
	return apperrors.NewDecryptError(err)
}
