package relay

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/steveyegge/linearbridge/relay"

// relayMetrics holds lazily-initialized instruments. They bind to whatever
// meter provider is global at first use, which is a no-op unless telemetry
// was initialized.
var relayMetrics struct {
	forwarded metric.Int64Counter
	dropped   metric.Int64Counter
	loops     metric.Int64Counter
	lookups   metric.Int64Counter
}

var relayMetricsOnce sync.Once

func initRelayMetrics() {
	m := otel.Meter(scopeName)
	relayMetrics.forwarded, _ = m.Int64Counter("lbridge.relay.forwarded",
		metric.WithDescription("Events relayed to the other system"),
	)
	relayMetrics.dropped, _ = m.Int64Counter("lbridge.relay.dropped",
		metric.WithDescription("Events dropped without relaying, by reason"),
	)
	relayMetrics.loops, _ = m.Int64Counter("lbridge.relay.loops_suppressed",
		metric.WithDescription("Webhook deliveries dropped because they carry the provenance marker"),
	)
	relayMetrics.lookups, _ = m.Int64Counter("lbridge.mapping.lookups",
		metric.WithDescription("Thread resolutions, by result (hit, search, miss)"),
	)
}

func recordResult(ctx context.Context, direction string, res Result) {
	relayMetricsOnce.Do(initRelayMetrics)
	dir := attribute.String("direction", direction)
	switch res {
	case Forwarded:
		relayMetrics.forwarded.Add(ctx, 1, metric.WithAttributes(dir))
	case DroppedLoop:
		relayMetrics.loops.Add(ctx, 1)
		fallthrough
	default:
		relayMetrics.dropped.Add(ctx, 1, metric.WithAttributes(dir, attribute.String("reason", res.String())))
	}
}

func recordLookup(ctx context.Context, result string) {
	relayMetricsOnce.Do(initRelayMetrics)
	relayMetrics.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
