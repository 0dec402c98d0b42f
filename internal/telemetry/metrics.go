package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names shared with the histogram views.
const (
	MetricBackendDuration = "hiveproxy.backend.request.duration"
	MetricBroadcastFanout = "hiveproxy.broadcast.fanout.size"
)

// GatewayMetrics bundles the instruments recorded by the gateway core.
// A nil *GatewayMetrics is valid and records nothing.
type GatewayMetrics struct {
	connections     metric.Int64UpDownCounter
	sessions        metric.Int64UpDownCounter
	framesSent      metric.Int64Counter
	sendFailures    metric.Int64Counter
	broadcasts      metric.Int64Counter
	fanout          metric.Int64Histogram
	pruned          metric.Int64Counter
	pollCycles      metric.Int64Counter
	backendDuration metric.Float64Histogram
	orders          metric.Int64Counter
}

// NewGatewayMetrics registers gateway instruments on the global meter provider.
func NewGatewayMetrics() *GatewayMetrics {
	return NewGatewayMetricsWithMeter(otel.Meter("hiveproxy"))
}

// NewGatewayMetricsWithMeter registers gateway instruments on meter.
func NewGatewayMetricsWithMeter(meter metric.Meter) *GatewayMetrics {
	m := new(GatewayMetrics)
	m.connections, _ = meter.Int64UpDownCounter("hiveproxy.connections",
		metric.WithDescription("Open client connections"),
		metric.WithUnit("{connection}"))
	m.sessions, _ = meter.Int64UpDownCounter("hiveproxy.sessions",
		metric.WithDescription("Authenticated sessions"),
		metric.WithUnit("{session}"))
	m.framesSent, _ = meter.Int64Counter("hiveproxy.frames.sent",
		metric.WithDescription("Frames written to client connections"),
		metric.WithUnit("{frame}"))
	m.sendFailures, _ = meter.Int64Counter("hiveproxy.frames.send_failures",
		metric.WithDescription("Frame writes that failed and tore down the connection"),
		metric.WithUnit("{frame}"))
	m.broadcasts, _ = meter.Int64Counter("hiveproxy.broadcasts",
		metric.WithDescription("Market-data broadcasts triggered by a changed snapshot"),
		metric.WithUnit("{broadcast}"))
	m.fanout, _ = meter.Int64Histogram(MetricBroadcastFanout,
		metric.WithDescription("Subscribers reached per broadcast"),
		metric.WithUnit("{subscriber}"))
	m.pruned, _ = meter.Int64Counter("hiveproxy.subscribers.pruned",
		metric.WithDescription("Subscribers removed lazily during broadcast"),
		metric.WithUnit("{subscriber}"))
	m.pollCycles, _ = meter.Int64Counter("hiveproxy.poll.cycles",
		metric.WithDescription("Polling engine cycles by task and result"),
		metric.WithUnit("{cycle}"))
	m.backendDuration, _ = meter.Float64Histogram(MetricBackendDuration,
		metric.WithDescription("Backend request round-trip latency"),
		metric.WithUnit("ms"))
	m.orders, _ = meter.Int64Counter("hiveproxy.orders",
		metric.WithDescription("Order submit and cancel outcomes"),
		metric.WithUnit("{order}"))
	return m
}

// ConnectionOpened records an accepted connection.
func (m *GatewayMetrics) ConnectionOpened(ctx context.Context) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// ConnectionClosed records a terminated connection.
func (m *GatewayMetrics) ConnectionClosed(ctx context.Context) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Add(ctx, -1, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// SessionDelta adjusts the authenticated session gauge.
func (m *GatewayMetrics) SessionDelta(ctx context.Context, delta int64) {
	if m == nil || m.sessions == nil || delta == 0 {
		return
	}
	m.sessions.Add(ctx, delta, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// FrameSent records a written frame of the given type.
func (m *GatewayMetrics) FrameSent(ctx context.Context, frameType string) {
	if m == nil || m.framesSent == nil {
		return
	}
	m.framesSent.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrFrameType.String(frameType)))
}

// SendFailed records a failed frame write.
func (m *GatewayMetrics) SendFailed(ctx context.Context, frameType string) {
	if m == nil || m.sendFailures == nil {
		return
	}
	m.sendFailures.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrFrameType.String(frameType)))
}

// Broadcast records one broadcast pass for symbol reaching n subscribers.
func (m *GatewayMetrics) Broadcast(ctx context.Context, symbol string, n int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(SymbolAttributes(symbol)...)
	if m.broadcasts != nil {
		m.broadcasts.Add(ctx, 1, attrs)
	}
	if m.fanout != nil {
		m.fanout.Record(ctx, int64(n), attrs)
	}
}

// Pruned records subscribers removed from symbol's channel.
func (m *GatewayMetrics) Pruned(ctx context.Context, symbol string, n int) {
	if m == nil || m.pruned == nil || n == 0 {
		return
	}
	m.pruned.Add(ctx, int64(n), metric.WithAttributes(SymbolAttributes(symbol)...))
}

// PollCycle records one polling engine cycle.
func (m *GatewayMetrics) PollCycle(ctx context.Context, task, result string) {
	if m == nil || m.pollCycles == nil {
		return
	}
	m.pollCycles.Add(ctx, 1, metric.WithAttributes(TaskAttributes(task, result)...))
}

// BackendRequest records one backend round trip.
func (m *GatewayMetrics) BackendRequest(ctx context.Context, method string, elapsed time.Duration, err error) {
	if m == nil || m.backendDuration == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.backendDuration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrMethod.String(method),
		AttrResult.String(result)))
}

// Order records an order gateway outcome; reason is empty on success.
func (m *GatewayMetrics) Order(ctx context.Context, operation, reason string) {
	if m == nil || m.orders == nil {
		return
	}
	if reason == "" {
		m.orders.Add(ctx, 1, metric.WithAttributes(ResultAttributes(operation, ResultSuccess)...))
		return
	}
	attrs := append(ResultAttributes(operation, ResultError), AttrReason.String(reason))
	m.orders.Add(ctx, 1, metric.WithAttributes(attrs...))
}
