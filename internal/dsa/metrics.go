package dsa

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts HTTP activity of the transport. It implements
// prometheus.Collector so it can be registered and scraped during a sync.
type Metrics struct {
	TotalRequests     atomic.Int64
	TotalRetries      atomic.Int64
	TotalBackoffNanos atomic.Int64
	ReadRequests      atomic.Int64
	WriteRequests     atomic.Int64

	mu         sync.Mutex
	hostCounts map[string]int64
	statuses   map[int]int64

	requestsDesc *prometheus.Desc
	retriesDesc  *prometheus.Desc
	backoffDesc  *prometheus.Desc
	statusDesc   *prometheus.Desc
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		hostCounts: make(map[string]int64),
		statuses:   make(map[int]int64),
		requestsDesc: prometheus.NewDesc("dsawrangler_dsa_requests_total",
			"DSA HTTP requests by host and kind.", []string{"host", "kind"}, nil),
		retriesDesc: prometheus.NewDesc("dsawrangler_dsa_retries_total",
			"Transport retries against the DSA API.", nil, nil),
		backoffDesc: prometheus.NewDesc("dsawrangler_dsa_backoff_seconds_total",
			"Time spent sleeping between retries.", nil, nil),
		statusDesc: prometheus.NewDesc("dsawrangler_dsa_responses_total",
			"DSA HTTP responses by status code.", []string{"code"}, nil),
	}
}

func (m *Metrics) IncRequest(host, method string) {
	m.TotalRequests.Add(1)
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		m.ReadRequests.Add(1)
	default:
		m.WriteRequests.Add(1)
	}
	m.mu.Lock()
	m.hostCounts[host]++
	m.mu.Unlock()
}

func (m *Metrics) IncRetry() { m.TotalRetries.Add(1) }

func (m *Metrics) AddBackoff(d time.Duration) { m.TotalBackoffNanos.Add(d.Nanoseconds()) }

func (m *Metrics) IncStatus(code int) {
	m.mu.Lock()
	m.statuses[code]++
	m.mu.Unlock()
}

// MetricsSnapshot is a read-only copy of Metrics.
type MetricsSnapshot struct {
	TotalRequests int64
	TotalRetries  int64
	Backoff       time.Duration
	ReadRequests  int64
	WriteRequests int64
	HostCounts    map[string]int64
	Status2xx     int64
	Status4xx     int64
	Status429     int64
	Status5xx     int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		TotalRequests: m.TotalRequests.Load(),
		TotalRetries:  m.TotalRetries.Load(),
		Backoff:       time.Duration(m.TotalBackoffNanos.Load()),
		ReadRequests:  m.ReadRequests.Load(),
		WriteRequests: m.WriteRequests.Load(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.HostCounts = make(map[string]int64, len(m.hostCounts))
	for k, v := range m.hostCounts {
		s.HostCounts[k] = v
	}
	for code, n := range m.statuses {
		switch {
		case code == http.StatusTooManyRequests:
			s.Status429 += n
		case code >= 500:
			s.Status5xx += n
		case code >= 400:
			s.Status4xx += n
		case code >= 200 && code < 300:
			s.Status2xx += n
		}
	}
	return s
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.requestsDesc
	ch <- m.retriesDesc
	ch <- m.backoffDesc
	ch <- m.statusDesc
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.retriesDesc, prometheus.CounterValue, float64(m.TotalRetries.Load()))
	ch <- prometheus.MustNewConstMetric(m.backoffDesc, prometheus.CounterValue,
		time.Duration(m.TotalBackoffNanos.Load()).Seconds())

	m.mu.Lock()
	hosts := make([]string, 0, len(m.hostCounts))
	for h := range m.hostCounts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	hostCounts := make([]int64, len(hosts))
	for i, h := range hosts {
		hostCounts[i] = m.hostCounts[h]
	}
	statuses := make(map[int]int64, len(m.statuses))
	for k, v := range m.statuses {
		statuses[k] = v
	}
	m.mu.Unlock()

	for i, h := range hosts {
		ch <- prometheus.MustNewConstMetric(m.requestsDesc, prometheus.CounterValue, float64(hostCounts[i]), h, "all")
	}
	ch <- prometheus.MustNewConstMetric(m.requestsDesc, prometheus.CounterValue, float64(m.ReadRequests.Load()), "", "read")
	ch <- prometheus.MustNewConstMetric(m.requestsDesc, prometheus.CounterValue, float64(m.WriteRequests.Load()), "", "write")
	for code, n := range statuses {
		ch <- prometheus.MustNewConstMetric(m.statusDesc, prometheus.CounterValue, float64(n), strconv.Itoa(code))
	}
}
