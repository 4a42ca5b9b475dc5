package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/marcelsud/webhook-relay/connection"
	"github.com/marcelsud/webhook-relay/ledger"
)

// OTelExporter publishes snapshots and dispatch instruments in Prometheus format
type OTelExporter struct {
	meterProvider *sdkmetric.MeterProvider
	registry      *promclient.Registry
	meter         metric.Meter

	// Push instruments, fed by the dispatcher
	attempts metric.Int64Counter
	retries  metric.Int64Counter
	duration metric.Float64Histogram

	// Observable instruments, fed by a Collector on every scrape
	connectionState  metric.Int64ObservableGauge
	outcomeCount     metric.Int64ObservableGauge
	destinationCount metric.Int64ObservableGauge
	queueLength      metric.Int64ObservableGauge
	activeClients    metric.Int64ObservableGauge
	registration     metric.Registration
}

// NewOTelExporter creates an exporter writing to its own Prometheus registry
func NewOTelExporter(service string) (*OTelExporter, error) {
	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	meter := meterProvider.Meter(
		service,
		metric.WithInstrumentationVersion("1.0.0"),
	)

	oe := &OTelExporter{
		meterProvider: meterProvider,
		registry:      registry,
		meter:         meter,
	}

	if err := oe.registerInstruments(); err != nil {
		return nil, fmt.Errorf("registering instruments: %w", err)
	}

	return oe, nil
}

// MeterProvider exposes the provider so it can be installed globally
func (oe *OTelExporter) MeterProvider() *sdkmetric.MeterProvider {
	return oe.meterProvider
}

func (oe *OTelExporter) registerInstruments() error {
	var err error

	oe.attempts, err = oe.meter.Int64Counter(
		"webhook.dispatch.attempts",
		metric.WithDescription("Delivery attempts by destination and outcome"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return fmt.Errorf("creating attempts counter: %w", err)
	}

	oe.retries, err = oe.meter.Int64Counter(
		"webhook.dispatch.retries",
		metric.WithDescription("Retries scheduled by destination"),
		metric.WithUnit("{retries}"),
	)
	if err != nil {
		return fmt.Errorf("creating retries counter: %w", err)
	}

	oe.duration, err = oe.meter.Float64Histogram(
		"webhook.dispatch.duration",
		metric.WithDescription("Duration of delivery attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("creating duration histogram: %w", err)
	}

	return nil
}

/* Observe registers the snapshot gauges and reads them from collector
 * One Collect call serves every gauge of a scrape
 * Calling Observe again replaces the previous collector
 */
func (oe *OTelExporter) Observe(collector Collector) error {
	if oe.registration != nil {
		if err := oe.registration.Unregister(); err != nil {
			return fmt.Errorf("unregistering callback: %w", err)
		}
		oe.registration = nil
	}

	var err error
	if oe.connectionState == nil {
		if err = oe.registerGauges(); err != nil {
			return err
		}
	}

	oe.registration, err = oe.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			m, err := collector.Collect(ctx)
			if err != nil {
				return err
			}
			oe.observe(o, m)
			return nil
		},
		oe.connectionState,
		oe.outcomeCount,
		oe.destinationCount,
		oe.queueLength,
		oe.activeClients,
	)
	if err != nil {
		return fmt.Errorf("registering callback: %w", err)
	}
	return nil
}

func (oe *OTelExporter) registerGauges() error {
	var err error

	oe.connectionState, err = oe.meter.Int64ObservableGauge(
		"webhook.connection.state",
		metric.WithDescription("1 for the current relay connection state, 0 for the others"),
	)
	if err != nil {
		return fmt.Errorf("creating connection state gauge: %w", err)
	}

	oe.outcomeCount, err = oe.meter.Int64ObservableGauge(
		"webhook.outcome.count",
		metric.WithDescription("Recorded attempts by outcome"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return fmt.Errorf("creating outcome gauge: %w", err)
	}

	oe.destinationCount, err = oe.meter.Int64ObservableGauge(
		"webhook.destination.count",
		metric.WithDescription("Recorded attempts by destination"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return fmt.Errorf("creating destination gauge: %w", err)
	}

	oe.queueLength, err = oe.meter.Int64ObservableGauge(
		"webhook.queue.length",
		metric.WithDescription("Number of events held in the stream per webhook"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return fmt.Errorf("creating queue length gauge: %w", err)
	}

	oe.activeClients, err = oe.meter.Int64ObservableGauge(
		"webhook.clients.active",
		metric.WithDescription("Number of clients attached per webhook"),
		metric.WithUnit("{clients}"),
	)
	if err != nil {
		return fmt.Errorf("creating active clients gauge: %w", err)
	}

	return nil
}

func (oe *OTelExporter) observe(o metric.Observer, m Metrics) {
	if m.ConnectionState != "" {
		for kind := connection.Disconnected; kind <= connection.Error; kind++ {
			var v int64
			if kind.String() == m.ConnectionState {
				v = 1
			}
			o.ObserveInt64(oe.connectionState, v, metric.WithAttributes(
				attribute.String("connection.state", kind.String()),
			))
		}
	}

	for outcome, n := range m.OutcomeCounts {
		o.ObserveInt64(oe.outcomeCount, n, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}

	for dest, n := range m.DestinationCounts {
		o.ObserveInt64(oe.destinationCount, n, metric.WithAttributes(
			attribute.String("destination", dest),
		))
	}

	for webhookID, n := range m.QueueLengths {
		o.ObserveInt64(oe.queueLength, n, metric.WithAttributes(
			attribute.String("webhook.id", webhookID),
		))
	}

	for webhookID, clients := range m.Clients {
		o.ObserveInt64(oe.activeClients, int64(len(clients)), metric.WithAttributes(
			attribute.String("webhook.id", webhookID),
		))
	}
}

// AttemptCompleted implements dispatch.MetricsSink
func (oe *OTelExporter) AttemptCompleted(destination string, outcome ledger.Outcome, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("outcome", outcome.Kind.String()),
	)
	oe.attempts.Add(ctx, 1, attrs)
	oe.duration.Record(ctx, d.Seconds(), attrs)
}

// RetryScheduled implements dispatch.MetricsSink
func (oe *OTelExporter) RetryScheduled(destination string) {
	oe.retries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("destination", destination),
	))
}

// Handler serves Prometheus-formatted metrics from the exporter's registry
func (oe *OTelExporter) Handler() http.Handler {
	return promhttp.HandlerFor(oe.registry, promhttp.HandlerOpts{})
}

// Shutdown gracefully shuts down the meter provider
func (oe *OTelExporter) Shutdown(ctx context.Context) error {
	if oe.meterProvider != nil {
		return oe.meterProvider.Shutdown(ctx)
	}
	return nil
}
