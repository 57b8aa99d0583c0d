package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	itemsSpanName    = "kanban.items.list"
	itemsEventName   = "kanban.items.request"
	itemsEventDomain = "kanban"
	itemsRoute       = "/api/v1/accounts/:account_id/kanban/items"
)

// itemRequestMetrics instruments the item listing endpoint. It feeds
// the same measurements into a structured log entry and an OpenTelemetry
// span so both pipelines see one consistent record per request.
type itemRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	authDuration   time.Duration
	fetchDuration  time.Duration
	encodeDuration time.Duration
	itemsReturned  int
	total          int
	errorStage     string
}

func newItemRequestMetrics(ctx context.Context, logger *log.Logger) (*itemRequestMetrics, context.Context) {
	tracer := otel.GetTracerProvider().Tracer("chathub360-kanban/api")
	spanCtx, span := tracer.Start(ctx, itemsSpanName, trace.WithSpanKind(trace.SpanKindServer))
	m := &itemRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}
	return m, spanCtx
}

func (m *itemRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *itemRequestMetrics) ObserveFetch(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.fetchDuration = duration
}

func (m *itemRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *itemRequestMetrics) SetItemsReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.itemsReturned = count
}

func (m *itemRequestMetrics) SetTotal(total int) {
	if total < 0 {
		total = 0
	}
	m.total = total
}

func (m *itemRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log emits the observability event and closes the span. It must run
// exactly once, in a deferred call at the end of the request.
func (m *itemRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	totalMs := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":                  itemsRoute,
		"http.status_code":            status,
		"kanban.items.total_ms":       totalMs,
		"kanban.items.items_returned": m.itemsReturned,
		"kanban.items.total":          m.total,
	}
	if m.authDuration > 0 {
		attrs["kanban.items.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		attrs["kanban.items.fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.encodeDuration > 0 {
		attrs["kanban.items.encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		attrs["kanban.items.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	if m.span != nil {
		spanAttrs := []attribute.KeyValue{
			attribute.String("http.route", itemsRoute),
			attribute.Int64("http.status_code", int64(status)),
			attribute.Float64("kanban.items.total_ms", totalMs),
			attribute.Int("kanban.items.items_returned", m.itemsReturned),
			attribute.Int("kanban.items.total", m.total),
		}
		if m.errorStage != "" {
			spanAttrs = append(spanAttrs, attribute.String("kanban.items.error_stage", m.errorStage))
		}
		m.span.SetAttributes(spanAttrs...)

		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", itemsEventName),
			attribute.String("event.domain", itemsEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
			attribute.Float64("kanban.items.total_ms", totalMs),
		}, spanAttrsForEvent(m, err)...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

		if err != nil || status >= http.StatusInternalServerError {
			msg := "request failed"
			if err != nil {
				msg = err.Error()
			}
			m.span.SetStatus(codes.Error, msg)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      itemsEventName,
		"event.domain":    itemsEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func spanAttrsForEvent(m *itemRequestMetrics, err error) []attribute.KeyValue {
	var extra []attribute.KeyValue
	if m.errorStage != "" {
		extra = append(extra, attribute.String("kanban.items.error_stage", m.errorStage))
	}
	if err != nil {
		extra = append(extra, attribute.String("error.message", err.Error()))
	}
	return extra
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
