// Package metrics exposes engine counters on a private Prometheus
// registry. Every recording method is safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nvrstore"

type Metrics struct {
	registry *prometheus.Registry

	framesWritten  *prometheus.CounterVec
	bytesWritten   *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	flushes        prometheus.Counter
	rollovers      *prometheus.CounterVec
	aviDropped     prometheus.Counter
	recoveries     *prometheus.CounterVec
	foldersRemoved prometheus.Counter
	searches       *prometheus.CounterVec
	backupBytes    prometheus.Counter
	backupTasks    *prometheus.CounterVec
	diskErrors     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
		m.registry.MustRegister(c)
		return c
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		m.registry.MustRegister(c)
		return c
	}

	m.framesWritten = counterVec("frames_written_total", "Frames accepted into a channel buffer.", "channel")
	m.bytesWritten = counterVec("bytes_written_total", "Stream bytes flushed to disk.", "channel")
	m.framesDropped = counterVec("frames_dropped_total", "Frames dropped, by reason.", "reason")
	m.flushes = counter("flushes_total", "Buffer flushes performed by the writer.")
	m.rollovers = counterVec("rollovers_total", "Stream file rollovers, by trigger.", "trigger")
	m.aviDropped = counter("avi_queue_dropped_total", "Closed files not queued for AVI conversion because the queue was full.")
	m.recoveries = counterVec("recoveries_total", "Hour folders processed by recovery, by outcome.", "outcome")
	m.foldersRemoved = counter("folders_removed_total", "Hour folders deleted by recovery or retention.")
	m.searches = counterVec("searches_total", "Search requests, by kind.", "kind")
	m.backupBytes = counter("backup_bytes_total", "Bytes exported by backup tasks.")
	m.backupTasks = counterVec("backup_tasks_total", "Backup tasks, by outcome.", "outcome")
	m.diskErrors = counterVec("disk_errors_total", "Errors escalated through HandleDiskError, by class.", "class")
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn))
}

func (m *Metrics) FrameWritten(channel int) {
	if m != nil {
		m.framesWritten.WithLabelValues(strconv.Itoa(channel)).Inc()
	}
}

func (m *Metrics) Flushed(channel, n int) {
	if m != nil {
		m.flushes.Inc()
		m.bytesWritten.WithLabelValues(strconv.Itoa(channel)).Add(float64(n))
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Rollover(trigger string) {
	if m != nil {
		m.rollovers.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) AVIDropped() {
	if m != nil {
		m.aviDropped.Inc()
	}
}

func (m *Metrics) Recovered(outcome string) {
	if m != nil {
		m.recoveries.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) FolderRemoved() {
	if m != nil {
		m.foldersRemoved.Inc()
	}
}

func (m *Metrics) Search(kind string) {
	if m != nil {
		m.searches.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) BackupBytes(n int) {
	if m != nil {
		m.backupBytes.Add(float64(n))
	}
}

func (m *Metrics) BackupTask(outcome string) {
	if m != nil {
		m.backupTasks.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) DiskError(class string) {
	if m != nil {
		m.diskErrors.WithLabelValues(class).Inc()
	}
}
