// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics records proxy request measurements following the Semantic
// Conventions for Generative AI Metrics, published through a Prometheus
// registry scraped at GET /metrics.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewMeter builds a MeterProvider that exports through a dedicated
// Prometheus registry. It returns the meter instruments register on, the
// registry the /metrics handler serves, and a shutdown that flushes the
// provider.
func NewMeter() (metric.Meter, *prometheus.Registry, func(context.Context) error, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return mp.Meter("shadowproxy-io/shadowproxy"), registry, mp.Shutdown, nil
}

// mustRegisterHistogram registers a histogram with the meter and panics if it fails.
func mustRegisterHistogram(meter metric.Meter, name string, options ...metric.Float64HistogramOption) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, options...)
	if err != nil {
		panic(err)
	}
	return h
}
