// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package promutil

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Factory is the interface to create some native prometheus metric
type Factory interface {
	// NewCounter works like the function of the same name in the prometheus
	// package, but it automatically registers the Counter with the Factory's
	// Registerer. Panic if it can't register successfully.
	NewCounter(opts prometheus.CounterOpts) prometheus.Counter

	// NewCounterVec works like the function of the same name in the
	// prometheus package, but it automatically registers the CounterVec with
	// the Factory's Registerer. Panic if it can't register successfully.
	NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec

	// NewGauge works like the function of the same name in the prometheus
	// package, but it automatically registers the Gauge with the Factory's
	// Registerer. Panic if it can't register successfully.
	NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge

	// NewGaugeVec works like the function of the same name in the prometheus
	// package but it automatically registers the GaugeVec with the Factory's
	// Registerer. Panic if it can't register successfully.
	NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec

	// NewHistogram works like the function of the same name in the prometheus
	// package but it automatically registers the Histogram with the Factory's
	// Registerer. Panic if it can't register successfully.
	NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram

	// NewHistogramVec works like the function of the same name in the
	// prometheus package but it automatically registers the HistogramVec
	// with the Factory's Registerer. Panic if it can't register successfully.
	NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec
}

// NewFactory returns a Factory registering every created metric with r.
// A nil r creates metrics without registering them, which is what unit
// tests of individual components usually want.
func NewFactory(r prometheus.Registerer) Factory {
	return &autoRegisterFactory{r: r}
}

// NewWrappingFactory returns a Factory that attaches constLabels to every
// metric it creates before registering it with r.
func NewWrappingFactory(r prometheus.Registerer, constLabels prometheus.Labels) Factory {
	if r != nil && len(constLabels) > 0 {
		r = prometheus.WrapRegistererWith(constLabels, r)
	}
	return &autoRegisterFactory{r: r}
}

type autoRegisterFactory struct {
	r prometheus.Registerer
}

func (f *autoRegisterFactory) register(c prometheus.Collector) {
	if f.r != nil {
		f.r.MustRegister(c)
	}
}

func (f *autoRegisterFactory) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.register(c)
	return c
}

func (f *autoRegisterFactory) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labelNames)
	f.register(c)
	return c
}

func (f *autoRegisterFactory) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.register(g)
	return g
}

func (f *autoRegisterFactory) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(opts, labelNames)
	f.register(g)
	return g
}

func (f *autoRegisterFactory) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	f.register(h)
	return h
}

func (f *autoRegisterFactory) NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labelNames)
	f.register(h)
	return h
}
