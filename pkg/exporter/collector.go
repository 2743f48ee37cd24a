// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// Package exporter exposes the SMU metrics export and DPM table to Prometheus.
package exporter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Seagate/gpuiov-lib/pkg/smu"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

const namespace = "smu"

// MetricsSource is the decoded firmware metrics export, normally *smu.MetricsEngine
type MetricsSource interface {
	Export() []smu.MetricEntry
}

// DpmSource is the cached DPM table, normally *smu.DpmManager
type DpmSource interface {
	Table() smu.DpmTable
}

type Option func(*Collector)

// WithRefresh runs refresh before every scrape. A failed refresh reports up 0 and
// exports the last decoded values.
func WithRefresh(refresh func() error) Option {
	return func(c *Collector) { c.refresh = refresh }
}

func WithDpm(dpm DpmSource) Option {
	return func(c *Collector) { c.dpm = dpm }
}

// Collector implements prometheus.Collector for one GPU
type Collector struct {
	gpu     string
	metrics MetricsSource
	dpm     DpmSource
	refresh func() error

	descs   map[smu.MetricName]*prometheus.Desc
	up      *prometheus.Desc
	dpmMin  *prometheus.Desc
	dpmMax  *prometheus.Desc
	dpmLvl  *prometheus.Desc
	dpmFine *prometheus.Desc
}

// metricName maps a metric code to a Prometheus name, suffixed with its unit
func metricName(code smu.MetricCode) string {
	name := code.Name().String()
	unit := code.Unit().String()
	if unit != "" && !strings.HasSuffix(name, "_"+unit) {
		name += "_" + unit
	}
	if code.Accumulated() {
		name += "_total"
	}
	return prometheus.BuildFQName(namespace, "", name)
}

// New creates the collector. The metric set is fixed by the first export, which
// never changes length for a given engine.
func New(gpu string, metrics MetricsSource, opts ...Option) *Collector {
	c := &Collector{
		gpu:     gpu,
		metrics: metrics,
		descs:   map[smu.MetricName]*prometheus.Desc{},
		up:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "up"), "Whether the last metrics table fetch succeeded.", []string{"gpu"}, nil),
		dpmMin:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "dpm", "min_mhz"), "Lowest DPM level frequency.", []string{"gpu", "domain"}, nil),
		dpmMax:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "dpm", "max_mhz"), "Highest DPM level frequency.", []string{"gpu", "domain"}, nil),
		dpmLvl:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "dpm", "level_mhz"), "DPM level frequency.", []string{"gpu", "domain", "level"}, nil),
		dpmFine: prometheus.NewDesc(prometheus.BuildFQName(namespace, "dpm", "fine_grain"), "1 when the domain is continuously adjustable between min and max.", []string{"gpu", "domain"}, nil),
	}
	for _, o := range opts {
		o(c)
	}
	for _, e := range metrics.Export() {
		if _, ok := c.descs[e.Code.Name()]; ok {
			continue
		}
		help := fmt.Sprintf("SMU metric %s/%s.", e.Code.Category(), e.Code.Name())
		c.descs[e.Code.Name()] = prometheus.NewDesc(metricName(e.Code), help, []string{"gpu", "index"}, nil)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	for _, d := range c.descs {
		ch <- d
	}
	if c.dpm != nil {
		ch <- c.dpmMin
		ch <- c.dpmMax
		ch <- c.dpmLvl
		ch <- c.dpmFine
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	up := 1.0
	if c.refresh != nil {
		if err := c.refresh(); err != nil {
			klog.ErrorS(err, "exporter: metrics refresh failed", "gpu", c.gpu)
			up = 0
		}
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, c.gpu)

	for _, e := range c.metrics.Export() {
		if e.Value == smu.METRIC_VALUE_UNAVAILABLE {
			continue
		}
		desc, ok := c.descs[e.Code.Name()]
		if !ok {
			continue
		}
		vt := prometheus.GaugeValue
		if e.Code.Accumulated() {
			vt = prometheus.CounterValue
		}
		m, err := prometheus.NewConstMetric(desc, vt, float64(e.Value), c.gpu, strconv.Itoa(e.Code.Instance()))
		if err != nil {
			klog.Warningf("exporter: const metric %s: %v", e.Code, err)
			continue
		}
		ch <- m
	}

	if c.dpm != nil {
		c.collectDpm(ch)
	}
}

func (c *Collector) collectDpm(ch chan<- prometheus.Metric) {
	tbl := c.dpm.Table()
	for d := smu.DpmDomain(0); d < smu.DPM_DOMAIN_COUNT; d++ {
		e := tbl[d]
		if e.Count == 0 {
			continue
		}
		domain := d.String()
		ch <- prometheus.MustNewConstMetric(c.dpmMin, prometheus.GaugeValue, float64(e.Min), c.gpu, domain)
		ch <- prometheus.MustNewConstMetric(c.dpmMax, prometheus.GaugeValue, float64(e.Max), c.gpu, domain)
		fine := 0.0
		if e.FineGrain {
			fine = 1
		}
		ch <- prometheus.MustNewConstMetric(c.dpmFine, prometheus.GaugeValue, fine, c.gpu, domain)
		for i := uint32(0); i < e.Count && i < smu.MAX_DPM_LEVELS; i++ {
			if !e.Levels[i].Enabled {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.dpmLvl, prometheus.GaugeValue, float64(e.Levels[i].Value), c.gpu, domain, strconv.Itoa(int(i)))
		}
	}
}
