// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package metrics implements pubsafe.Statter on prometheus.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names. Tags passed to the Statter are "key:value" strings; keys that
// match a metric's labels fill those labels and the rest are ignored.
const (
	MetricRecordsFetched       = "records_fetched_total"
	MetricRecordsNormalized    = "records_normalized_total"
	MetricRecordsDropped       = "records_dropped_total"
	MetricRecordsExcluded      = "records_excluded_total"
	MetricRowsWritten          = "rows_written_total"
	MetricValidationViolations = "validation_violations_total"
	MetricQueries              = "queries_total"
	MetricQueryFailures        = "query_failures_total"
	MetricQueryDuration        = "query_duration_seconds"
	MetricFetchRetries         = "fetch_retries_total"
)

const namespace = "pubsafe"

type counterDef struct {
	name   string
	help   string
	labels []string
}

var counterDefs = []counterDef{
	{MetricRecordsFetched, "Raw records read from a source.", []string{"source"}},
	{MetricRecordsNormalized, "Records mapped onto a canonical schema.", []string{"source"}},
	{MetricRecordsDropped, "Malformed records dropped by the normalizer.", []string{"source"}},
	{MetricRecordsExcluded, "Records removed by an exclusion predicate.", []string{"source", "rule"}},
	{MetricRowsWritten, "Rows written to staged snapshots.", []string{"class"}},
	{MetricValidationViolations, "Validation violations found.", []string{"check", "severity"}},
	{MetricQueries, "Queries answered.", []string{"class", "plan"}},
	{MetricQueryFailures, "Queries which failed, by kind.", []string{"kind"}},
	{MetricFetchRetries, "HTTP requests retried by a fetcher.", []string{"source"}},
}

var _ pubsafe.Statter = &PromStatter{}

// PromStatter is a pubsafe.Statter recording into its own prometheus
// registry.
type PromStatter struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	labels     map[string][]string
	histograms map[string]*prometheus.HistogramVec
}

// NewPromStatter returns a PromStatter with every pubsafe metric registered.
func NewPromStatter() *PromStatter {
	p := &PromStatter{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		labels:     make(map[string][]string),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	for _, d := range counterDefs {
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      d.name,
			Help:      d.help,
		}, d.labels)
		p.registry.MustRegister(cv)
		p.counters[d.name] = cv
		p.labels[d.name] = d.labels
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricQueryDuration,
		Help:      "Query wall-clock duration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"class"})
	p.registry.MustRegister(hv)
	p.histograms[MetricQueryDuration] = hv
	p.labels[MetricQueryDuration] = []string{"class"}
	return p
}

// Registry returns the registry metrics are recorded in.
func (p *PromStatter) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the prometheus exposition format.
func (p *PromStatter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PromStatter) labelValues(name string, tags []string) []string {
	names := p.labels[name]
	vals := make([]string, len(names))
	for _, tag := range tags {
		kv := strings.SplitN(tag, ":", 2)
		if len(kv) != 2 {
			continue
		}
		for i, n := range names {
			if n == kv[0] {
				vals[i] = kv[1]
			}
		}
	}
	return vals
}

// Count adds value to the named counter. Unknown names are ignored.
func (p *PromStatter) Count(name string, value int64, rate float64, tags ...string) {
	cv, ok := p.counters[name]
	if !ok {
		return
	}
	cv.WithLabelValues(p.labelValues(name, tags)...).Add(float64(value))
}

// Gauge is not recorded.
func (p *PromStatter) Gauge(name string, value float64, rate float64, tags ...string) {}

// Histogram observes value in the named histogram.
func (p *PromStatter) Histogram(name string, value float64, rate float64, tags ...string) {
	hv, ok := p.histograms[name]
	if !ok {
		return
	}
	hv.WithLabelValues(p.labelValues(name, tags)...).Observe(value)
}

// Set is not recorded.
func (p *PromStatter) Set(name string, value string, rate float64, tags ...string) {}

// Timing observes value, in seconds, in the named histogram.
func (p *PromStatter) Timing(name string, value time.Duration, rate float64, tags ...string) {
	p.Histogram(name, value.Seconds(), rate, tags...)
}

// Tag formats a "key:value" tag.
func Tag(key, value string) string { return key + ":" + value }
