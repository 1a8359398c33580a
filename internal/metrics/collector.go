// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes engine activity as Prometheus series. Query and
// lifecycle series are fed through the hook registry; CDC dispatch is
// observed via the engine's dispatch callback; subscription counts are read
// from the live databases at scrape time.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirannon/sirannon/internal/engine"
	"github.com/sirannon/sirannon/internal/hooks"
)

type Collector struct {
	registry *prometheus.Registry

	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	databasesOpen prometheus.Gauge
	cdcEvents     *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sirannon_queries_total",
			Help: "Statements executed, by database.",
		}, []string{"database"}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sirannon_query_duration_seconds",
			Help:    "Statement latency, by database.",
			Buckets: prometheus.DefBuckets,
		}, []string{"database"}),
		databasesOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sirannon_databases_open",
			Help: "Databases currently open.",
		}),
		cdcEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sirannon_cdc_events_total",
			Help: "CDC events dispatched to subscribers, by database.",
		}, []string{"database"}),
	}
}

// Bind attaches the collector to a hook registry. The returned disposers are
// discarded: the collector lives as long as the process.
func (c *Collector) Bind(reg *hooks.Registry) {
	reg.On(hooks.AfterQuery, func(_ context.Context, p hooks.Payload) error {
		c.queries.WithLabelValues(p.Database).Inc()
		c.queryDuration.WithLabelValues(p.Database).Observe(p.Duration.Seconds())
		return nil
	})
	reg.On(hooks.DatabaseOpen, func(_ context.Context, _ hooks.Payload) error {
		c.databasesOpen.Inc()
		return nil
	})
	reg.On(hooks.DatabaseClose, func(_ context.Context, _ hooks.Payload) error {
		c.databasesOpen.Dec()
		return nil
	})
}

// BindRegistry registers the scrape-time subscription gauge over the engine
// registry's live databases.
func (c *Collector) BindRegistry(registry *engine.Registry) {
	c.registry.MustRegister(&subscriptionsCollector{
		desc: prometheus.NewDesc(
			"sirannon_subscriptions",
			"Live subscriptions, by database.",
			[]string{"database"}, nil,
		),
		databases: registry.Databases,
	})
}

// ObserveDispatch counts a dispatched CDC batch; wire it through
// engine.Options.OnDispatch.
func (c *Collector) ObserveDispatch(database string, count int) {
	c.cdcEvents.WithLabelValues(database).Add(float64(count))
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// subscriptionsCollector reads subscription counts from the live databases
// on every scrape instead of tracking increments, so the gauge can never
// drift from the subscription manager's state.
type subscriptionsCollector struct {
	desc      *prometheus.Desc
	databases func() []*engine.Database
}

func (s *subscriptionsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.desc
}

func (s *subscriptionsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, db := range s.databases() {
		if db.Closed() {
			continue
		}
		ch <- prometheus.MustNewConstMetric(s.desc, prometheus.GaugeValue, float64(db.Subscriptions()), db.ID())
	}
}
