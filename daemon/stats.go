/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	ptp "github.com/opensync/ptpd/ptp/protocol"
)

// Counters is the full per-port error and message accounting. The port
// loop is single threaded, so plain integers suffice; Monitoring.Collect
// copies them into prometheus gauges on each statistics update.
type Counters struct {
	MessagesSent     map[ptp.MessageType]uint64
	MessagesReceived map[ptp.MessageType]uint64

	DiscardedMessages      uint64
	MessageFormatErrors    uint64
	VersionMismatchErrors  uint64
	DomainMismatchErrors   uint64
	SequenceMismatchErrors uint64

	ACLTimingDiscardedMessages     uint64
	ACLManagementDiscardedMessages uint64

	TXTimestampFailures uint64
	MaxDelayDrops       uint64

	MessageSendErrors uint64
	MessageRecvErrors uint64

	StateTransitions uint64
	ResetCount       uint64
	AnnounceTimeouts uint64
	BestMasterChanges uint64
}

// NewCounters creates a zeroed counter set
func NewCounters() *Counters {
	return &Counters{
		MessagesSent:     map[ptp.MessageType]uint64{},
		MessagesReceived: map[ptp.MessageType]uint64{},
	}
}

// Reset zeroes every counter
func (c *Counters) Reset() {
	*c = *NewCounters()
}

// Monitoring exposes the port state and counters over HTTP for scraping
type Monitoring struct {
	port *Port

	portState     prometheus.GaugeFunc
	offsetNs      prometheus.GaugeFunc
	meanPathDelay prometheus.GaugeFunc
	counters      *prometheus.GaugeVec
}

// NewMonitoring builds the prometheus collectors around a port
func NewMonitoring(p *Port) *Monitoring {
	m := &Monitoring{port: p}
	m.portState = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ptpd",
		Name:      "port_state",
		Help:      "Current port state, numeric PortState value",
	}, func() float64 { return float64(p.State()) })
	m.offsetNs = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ptpd",
		Name:      "offset_from_master_ns",
		Help:      "Current offset from master in nanoseconds",
	}, func() float64 { return float64(p.CurrentDS().OffsetFromMaster.Nanoseconds + p.CurrentDS().OffsetFromMaster.Seconds*1e9) })
	m.meanPathDelay = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ptpd",
		Name:      "mean_path_delay_ns",
		Help:      "Current mean path delay in nanoseconds",
	}, func() float64 { return float64(p.CurrentDS().MeanPathDelay.Nanoseconds + p.CurrentDS().MeanPathDelay.Seconds*1e9) })
	m.counters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ptpd",
		Name:      "port_counter",
		Help:      "Port error and message counters",
	}, []string{"counter"})
	return m
}

// Collect copies the port counters into the gauge vector
func (m *Monitoring) Collect() {
	c := m.port.Counters()
	set := map[string]uint64{
		"discarded_messages":                c.DiscardedMessages,
		"message_format_errors":             c.MessageFormatErrors,
		"version_mismatch_errors":           c.VersionMismatchErrors,
		"domain_mismatch_errors":            c.DomainMismatchErrors,
		"sequence_mismatch_errors":          c.SequenceMismatchErrors,
		"acl_timing_discarded_messages":     c.ACLTimingDiscardedMessages,
		"acl_management_discarded_messages": c.ACLManagementDiscardedMessages,
		"tx_timestamp_failures":             c.TXTimestampFailures,
		"max_delay_drops":                   c.MaxDelayDrops,
		"message_send_errors":               c.MessageSendErrors,
		"message_recv_errors":               c.MessageRecvErrors,
		"state_transitions":                 c.StateTransitions,
		"reset_count":                       c.ResetCount,
		"announce_timeouts":                 c.AnnounceTimeouts,
		"best_master_changes":               c.BestMasterChanges,
	}
	for name, v := range set {
		m.counters.WithLabelValues(name).Set(float64(v))
	}
	for t, v := range c.MessagesSent {
		m.counters.WithLabelValues(fmt.Sprintf("sent_%s", t)).Set(float64(v))
	}
	for t, v := range c.MessagesReceived {
		m.counters.WithLabelValues(fmt.Sprintf("received_%s", t)).Set(float64(v))
	}
}

// Serve starts the monitoring HTTP listener; it never returns unless the
// listener dies
func (m *Monitoring) Serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Infof("monitoring listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("monitoring listener: %v", err)
	}
}
