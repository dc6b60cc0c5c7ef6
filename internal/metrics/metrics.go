// Package metrics collects and exposes Prometheus metrics for the command
// surface, the store and the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all instrument handles. Engines and transports record
// through it; nothing else in the tree imports prometheus directly.
type Collector struct {
	registry *prometheus.Registry

	commands      *prometheus.CounterVec
	storeCommits  prometheus.Counter
	brokerEvents  prometheus.Counter
	subscriptions prometheus.GaugeFunc
	wsClients     prometheus.Gauge
}

// NewCollector builds a Collector on its own registry. subscriberCount is
// sampled on scrape.
func NewCollector(subscriberCount func() int) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_commands_total",
			Help: "Commands processed, by command name and outcome code.",
		}, []string{"command", "code"}),
		storeCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_store_commits_total",
			Help: "Multi-path commits applied to the store.",
		}),
		brokerEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_broker_events_total",
			Help: "Change events dispatched by the subscription broker.",
		}),
		subscriptions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chatsync_active_subscriptions",
			Help: "Live queries currently registered with the broker.",
		}, func() float64 { return float64(subscriberCount()) }),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_ws_clients",
			Help: "Connected websocket clients.",
		}),
	}
	reg.MustRegister(c.commands, c.storeCommits, c.brokerEvents, c.subscriptions, c.wsClients)
	return c
}

func (c *Collector) RecordCommand(command, code string) {
	c.commands.WithLabelValues(command, code).Inc()
}

func (c *Collector) RecordCommit()          { c.storeCommits.Inc() }
func (c *Collector) RecordBrokerEvent()     { c.brokerEvents.Inc() }
func (c *Collector) AddWSClients(delta int) { c.wsClients.Add(float64(delta)) }

// Handler serves the scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
