package middleware

import (
	"fmt"
	"net/http"
	"time"

	"docrelay/internal/httputil"
	"docrelay/internal/service"
	"docrelay/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the request id back to the caller.
const RequestIDHeader = "X-Request-ID"

// HTTPMetrics receives one event per completed request.
type HTTPMetrics interface {
	HTTPRequest(method, route string, status int, d time.Duration)
}

// Observability starts a span and a request id for each request, logs its
// start and completion and records it to metrics. It expects to run as
// router middleware so the matched route template is known.
func Observability(logger *logrus.Logger, metrics HTTPMetrics, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeTemplate(r)
			clientIP := httputil.ClientIP(r, trustProxy)

			ctx, span := tracing.StartSpan(r.Context(), fmt.Sprintf("%s %s", r.Method, route),
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", clientIP),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
			)
			defer span.End()

			requestID := tracing.NewRequestID()
			ctx = tracing.WithRequestID(ctx, requestID)
			r = r.WithContext(ctx)
			w.Header().Set(RequestIDHeader, requestID)

			fields := tracing.Fields(ctx)
			fields[service.LogFieldMethod] = r.Method
			fields[service.LogFieldRoute] = route
			fields[service.LogFieldRemoteIP] = clientIP

			logger.WithFields(fields).
				WithField(service.LogFieldUserAgent, r.Header.Get("User-Agent")).
				Debug("HTTP request started")

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := time.Since(start)
			span.SetAttributes(
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			setSpanStatus(span, wrapper.statusCode)

			if metrics != nil {
				metrics.HTTPRequest(r.Method, route, wrapper.statusCode, duration)
			}

			level := logrus.InfoLevel
			switch {
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			}
			logger.WithFields(fields).WithFields(logrus.Fields{
				service.LogFieldStatusCode: wrapper.statusCode,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldSize:       wrapper.responseSize,
			}).Log(level, "HTTP request completed")
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func setSpanStatus(span oteltrace.Span, status int) {
	if status >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// responseWrapper captures the status code and body size.
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
