// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

var associationLabels = []string{"name", "type", "channel_type", "server"}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collector exports the state and counters of a Management's servers and
// associations, including anonymous ones, as Prometheus metrics. Each scrape
// works on fresh snapshots.
type Collector struct {
	management *assoc.Management

	associationStarted *prometheus.Desc
	associationUp      *prometheus.Desc

	packetsSent            *prometheus.Desc
	bytesSent              *prometheus.Desc
	packetsReceived        *prometheus.Desc
	bytesReceived          *prometheus.Desc
	communicationsUp       *prometheus.Desc
	communicationsDown     *prometheus.Desc
	communicationsLost     *prometheus.Desc
	communicationsRestarts *prometheus.Desc

	serverStarted      *prometheus.Desc
	serverAssociations *prometheus.Desc
	serverAnonymous    *prometheus.Desc
}

// NewCollector for the given Management.
func NewCollector(m *assoc.Management) *Collector {
	associationDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("assoc", "association", name), help, associationLabels, nil)
	}
	serverDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("assoc", "server", name), help, []string{"name", "channel_type"}, nil)
	}

	return &Collector{
		management: m,

		associationStarted: associationDesc("started", "Whether the association is administratively started."),
		associationUp:      associationDesc("up", "Whether the association's communication is up."),

		packetsSent:            associationDesc("packets_sent_total", "Payloads sent over the association."),
		bytesSent:              associationDesc("bytes_sent_total", "Payload bytes sent over the association."),
		packetsReceived:        associationDesc("packets_received_total", "Payloads received over the association."),
		bytesReceived:          associationDesc("bytes_received_total", "Payload bytes received over the association."),
		communicationsUp:       associationDesc("communications_up_total", "Times the communication went up."),
		communicationsDown:     associationDesc("communications_down_total", "Times the communication went down."),
		communicationsLost:     associationDesc("communications_lost_total", "Times the communication was lost."),
		communicationsRestarts: associationDesc("communications_restarts_total", "Times the peer restarted the communication."),

		serverStarted:      serverDesc("started", "Whether the server is listening."),
		serverAssociations: serverDesc("associations", "Provisioned associations of the server."),
		serverAnonymous:    serverDesc("anonymous_associations", "Live anonymous associations of the server."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.associationStarted, c.associationUp,
		c.packetsSent, c.bytesSent, c.packetsReceived, c.bytesReceived,
		c.communicationsUp, c.communicationsDown, c.communicationsLost, c.communicationsRestarts,
		c.serverStarted, c.serverAssociations, c.serverAnonymous,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	associations := c.management.Associations()

	for _, s := range c.management.Servers() {
		info := s.Info()
		labels := []string{info.Name, info.ChannelType.String()}

		ch <- prometheus.MustNewConstMetric(c.serverStarted, prometheus.GaugeValue, boolValue(info.Started), labels...)
		ch <- prometheus.MustNewConstMetric(c.serverAssociations, prometheus.GaugeValue, float64(len(info.Associations)), labels...)
		ch <- prometheus.MustNewConstMetric(c.serverAnonymous, prometheus.GaugeValue, float64(len(info.AnonymousAssociations)), labels...)

		associations = append(associations, s.AnonymousAssociations()...)
	}

	for _, a := range associations {
		c.collectAssociation(ch, a.Info())
	}
}

func (c *Collector) collectAssociation(ch chan<- prometheus.Metric, info assoc.AssociationInfo) {
	labels := []string{info.Name, info.Type.String(), info.ChannelType.String(), info.ServerName}

	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.associationStarted, boolValue(info.Started))
	gauge(c.associationUp, boolValue(info.Up))

	counter(c.packetsSent, info.Counters.PacketsSent)
	counter(c.bytesSent, info.Counters.BytesSent)
	counter(c.packetsReceived, info.Counters.PacketsReceived)
	counter(c.bytesReceived, info.Counters.BytesReceived)
	counter(c.communicationsUp, info.Counters.CommunicationsUp)
	counter(c.communicationsDown, info.Counters.CommunicationsDown)
	counter(c.communicationsLost, info.Counters.CommunicationsLost)
	counter(c.communicationsRestarts, info.Counters.CommunicationsRestarts)
}
