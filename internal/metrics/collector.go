// Package metrics exposes server and connection telemetry to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a prometheus.Collector fed by a server's connections. Live
// gauges are read through callbacks at scrape time; everything else is a
// counter kept here.
type Collector struct {
	GetConnections func() int
	GetPeers       func() int

	info              *prometheus.Desc
	connectionsOpen   *prometheus.Desc
	connectionsTotal  *prometheus.Desc
	peers             *prometheus.Desc
	bytesTx           *prometheus.Desc
	bytesRx           *prometheus.Desc
	messagesReceived  *prometheus.Desc
	protocolErrors    *prometheus.Desc
	disconnects       *prometheus.Desc
	redirectsForward  *prometheus.Desc
	redirectsDropped  *prometheus.Desc
	redirectsCanceled *prometheus.Desc

	role string

	mu                sync.RWMutex
	connectionsCount  float64
	bytesTxCount      float64
	bytesRxCount      float64
	messagesByType    map[string]float64
	errorsByKind      map[string]float64
	disconnectsReason map[string]float64
	forwarded         float64
	dropped           float64
	canceled          float64
}

// NewCollector creates a collector. role labels the info metric ("server" or
// "client"); the callbacks may be nil.
func NewCollector(role string, getConnections, getPeers func() int) *Collector {
	return &Collector{
		GetConnections: getConnections,
		GetPeers:       getPeers,
		role:           role,
		info: prometheus.NewDesc(
			"peerlink_info",
			"Process info metric (always 1).",
			[]string{"role"},
			nil,
		),
		connectionsOpen: prometheus.NewDesc(
			"peerlink_connections_open",
			"Number of currently open connections.",
			nil, nil,
		),
		connectionsTotal: prometheus.NewDesc(
			"peerlink_connections_total",
			"Total connections accepted or dialed.",
			nil, nil,
		),
		peers: prometheus.NewDesc(
			"peerlink_peers",
			"Number of identified peers in the directory.",
			nil, nil,
		),
		bytesTx: prometheus.NewDesc(
			"peerlink_bytes_sent_total",
			"Total bytes written to streams.",
			nil, nil,
		),
		bytesRx: prometheus.NewDesc(
			"peerlink_bytes_received_total",
			"Total bytes read from streams.",
			nil, nil,
		),
		messagesReceived: prometheus.NewDesc(
			"peerlink_messages_received_total",
			"Decoded application messages by type name.",
			[]string{"type"},
			nil,
		),
		protocolErrors: prometheus.NewDesc(
			"peerlink_protocol_errors_total",
			"Inbound messages rejected, by error kind.",
			[]string{"kind"},
			nil,
		),
		disconnects: prometheus.NewDesc(
			"peerlink_disconnects_total",
			"Closed connections by disconnection reason.",
			[]string{"reason"},
			nil,
		),
		redirectsForward: prometheus.NewDesc(
			"peerlink_redirects_forwarded_total",
			"Redirect envelopes forwarded to a recipient connection.",
			nil, nil,
		),
		redirectsDropped: prometheus.NewDesc(
			"peerlink_redirects_dropped_total",
			"Redirect envelopes addressed to an unknown peer or refused by a hub with relaying disabled.",
			nil, nil,
		),
		redirectsCanceled: prometheus.NewDesc(
			"peerlink_redirects_canceled_total",
			"Redirect envelopes dropped by a handler.",
			nil, nil,
		),
		messagesByType:    make(map[string]float64),
		errorsByKind:      make(map[string]float64),
		disconnectsReason: make(map[string]float64),
	}
}

// ConnectionOpened counts a new connection.
func (c *Collector) ConnectionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionsCount++
}

// ConnectionClosed records why a connection ended.
func (c *Collector) ConnectionClosed(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectsReason[reason]++
}

func (c *Collector) BytesSent(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesTxCount += float64(n)
}

func (c *Collector) BytesReceived(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesRxCount += float64(n)
}

func (c *Collector) MessageReceived(typeName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesByType[typeName]++
}

// ProtocolError records a rejected inbound message.
func (c *Collector) ProtocolError(kind string) {
	if kind == "" {
		kind = "other"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorsByKind[kind]++
}

func (c *Collector) RedirectForwarded(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forwarded += float64(n)
}

func (c *Collector) RedirectDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
}

func (c *Collector) RedirectCanceled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled++
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.connectionsOpen
	ch <- c.connectionsTotal
	ch <- c.peers
	ch <- c.bytesTx
	ch <- c.bytesRx
	ch <- c.messagesReceived
	ch <- c.protocolErrors
	ch <- c.disconnects
	ch <- c.redirectsForward
	ch <- c.redirectsDropped
	ch <- c.redirectsCanceled
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, c.role)

	if c.GetConnections != nil {
		ch <- prometheus.MustNewConstMetric(c.connectionsOpen, prometheus.GaugeValue, float64(c.GetConnections()))
	}
	if c.GetPeers != nil {
		ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(c.GetPeers()))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.connectionsTotal, prometheus.CounterValue, c.connectionsCount)
	ch <- prometheus.MustNewConstMetric(c.bytesTx, prometheus.CounterValue, c.bytesTxCount)
	ch <- prometheus.MustNewConstMetric(c.bytesRx, prometheus.CounterValue, c.bytesRxCount)

	for name, v := range c.messagesByType {
		ch <- prometheus.MustNewConstMetric(c.messagesReceived, prometheus.CounterValue, v, name)
	}
	for kind, v := range c.errorsByKind {
		ch <- prometheus.MustNewConstMetric(c.protocolErrors, prometheus.CounterValue, v, kind)
	}
	for reason, v := range c.disconnectsReason {
		ch <- prometheus.MustNewConstMetric(c.disconnects, prometheus.CounterValue, v, reason)
	}

	ch <- prometheus.MustNewConstMetric(c.redirectsForward, prometheus.CounterValue, c.forwarded)
	ch <- prometheus.MustNewConstMetric(c.redirectsDropped, prometheus.CounterValue, c.dropped)
	ch <- prometheus.MustNewConstMetric(c.redirectsCanceled, prometheus.CounterValue, c.canceled)
}
