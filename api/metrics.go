package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "build-earn/api"
	requestSpanName     = "api.request"
	requestEventName    = "buildearn.api.request"
	requestEventDomain  = "buildearn.api"
	observabilityEvent  = "observability.event"
	metricsKey          = "request.metrics"
	attrPrefix          = "buildearn.request."
	severityInfoNumber  = 9
	severityWarnNumber  = 13
	severityErrorNumber = 17
)

// requestMetrics collects per-request timings and outcome details and
// reports them once as a span plus a structured log entry. A nil receiver
// is a no-op.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	method string
	start  time.Time
	now    func() time.Time

	authDuration time.Duration
	callDuration time.Duration
	taskID       string
	taskStatus   string
	txHash       string
	returned     int
	listed       bool
	errorStage   string
	err          error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("http.method", method),
		))
	return &requestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		method: method,
		start:  time.Now(),
		now:    time.Now,
	}, ctx
}

// observeRequests wraps every route in a requestMetrics.
func observeRequests(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsKey, m)

			err := next(c)
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			m.Log(status, err)
			return err
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsKey).(*requestMetrics)
	return m
}

func (m *requestMetrics) clock() time.Time {
	if m == nil {
		return time.Now()
	}
	return m.now()
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.authDuration = d
}

// ObserveCall records time spent in the task or payout service.
func (m *requestMetrics) ObserveCall(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.callDuration = d
}

func (m *requestMetrics) SetTask(id, status string) {
	if m == nil {
		return
	}
	m.taskID = id
	m.taskStatus = status
}

func (m *requestMetrics) SetTxHash(hash string) {
	if m == nil {
		return
	}
	m.txHash = hash
}

func (m *requestMetrics) SetTasksReturned(n int) {
	if m == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	m.listed = true
	m.returned = n
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

// SetError keeps the error a handler answered with, for requests that
// still complete with a written response.
func (m *requestMetrics) SetError(err error) {
	if m == nil || err == nil {
		return
	}
	m.err = err
}

func (m *requestMetrics) attributes(status int, err error) map[string]any {
	attrs := map[string]any{
		"http.route":       m.route,
		"http.method":      m.method,
		"http.status_code": status,
	}
	attrs[attrPrefix+"total_ms"] = durationToMillis(m.now().Sub(m.start))
	if m.authDuration > 0 {
		attrs[attrPrefix+"auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.callDuration > 0 {
		attrs[attrPrefix+"call_ms"] = durationToMillis(m.callDuration)
	}
	if m.taskID != "" {
		attrs[attrPrefix+"task_id"] = m.taskID
	}
	if m.taskStatus != "" {
		attrs[attrPrefix+"task_status"] = m.taskStatus
	}
	if m.txHash != "" {
		attrs[attrPrefix+"tx_hash"] = m.txHash
	}
	if m.listed {
		attrs[attrPrefix+"tasks_returned"] = m.returned
	}
	if m.errorStage != "" {
		attrs[attrPrefix+"error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}
	return attrs
}

// Log ends the request span and emits the observability event.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.err
	}
	attrs := m.attributes(status, err)
	sevText, sevNumber := severityForStatus(status, err)

	if m.span != nil {
		kvs := []attribute.KeyValue{
			attribute.String("event.name", requestEventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", sevText),
			attribute.Int("severity_number", sevNumber),
		}
		kvs = append(kvs, toAttributes(attrs)...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(kvs...))
		m.span.SetAttributes(attribute.Int("http.status_code", status))
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String(attrPrefix+"error_stage", m.errorStage))
		}
		if sevText == "ERROR" {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"attributes":      attrs,
		"severity_text":   sevText,
		"severity_number": sevNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch sevText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

// severityForStatus maps an HTTP outcome onto OpenTelemetry log severities.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", severityErrorNumber
	case status >= http.StatusBadRequest:
		return "WARN", severityWarnNumber
	case status == 0 && err != nil:
		return "ERROR", severityErrorNumber
	default:
		return "INFO", severityInfoNumber
	}
}

func toAttributes(m map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
