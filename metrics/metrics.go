// ABOUTME: Prometheus metrics for session and API activity
// ABOUTME: Provides a Recorder interface, a no-op recorder and a registry-backed collector
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
	RefreshNoToken = "no_token"
	RefreshStale   = "stale"
)

// Recorder is what the session, pipeline and caches report to.
type Recorder interface {
	RecordRefresh(outcome string)
	RecordResponse(method string, status int)
	RecordCalendarFetchFailure(calendarID string)
	RecordCacheReload(reason string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRefresh(string)              {}
func (Nop) RecordResponse(string, int)        {}
func (Nop) RecordCalendarFetchFailure(string) {}
func (Nop) RecordCacheReload(string)          {}

// Collector records into Prometheus counters.
type Collector struct {
	refreshes        *prometheus.CounterVec
	responses        *prometheus.CounterVec
	calendarFailures *prometheus.CounterVec
	cacheReloads     *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calclient_token_refresh_total",
			Help: "Token refresh attempts by outcome",
		}, []string{"outcome"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calclient_api_responses_total",
			Help: "API responses by method and status class",
		}, []string{"method", "status_class"}),
		calendarFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calclient_calendar_fetch_failures_total",
			Help: "Per-calendar event fetch failures",
		}, []string{"calendar_id"}),
		cacheReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calclient_event_cache_reloads_total",
			Help: "Event cache reloads by reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(c.refreshes, c.responses, c.calendarFailures, c.cacheReloads)
	return c
}

func (c *Collector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordResponse(method string, status int) {
	c.responses.WithLabelValues(method, StatusClass(status)).Inc()
}

func (c *Collector) RecordCalendarFetchFailure(calendarID string) {
	c.calendarFailures.WithLabelValues(calendarID).Inc()
}

func (c *Collector) RecordCacheReload(reason string) {
	c.cacheReloads.WithLabelValues(reason).Inc()
}

// StatusClass buckets a status code as "2xx", "4xx" and so on. Zero means the
// request never got a response.
func StatusClass(status int) string {
	if status <= 0 {
		return "network_error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Handler serves the gathered metrics for scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
