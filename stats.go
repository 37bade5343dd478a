package sdp

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// nodeCounters are the raw counters a node maintains while running. All
// fields are atomic : rxBytes and overflows are incremented from the
// receive context, the rest from the cooperative context, and the
// collector reads them from yet another goroutine.
type nodeCounters struct {
	rxBytes          atomic.Uint64
	txBytes          atomic.Uint64
	rxFrames         atomic.Uint64
	txFrames         atomic.Uint64
	crcErrors        atomic.Uint64
	framingErrors    atomic.Uint64
	rxTimeouts       atomic.Uint64
	responseTimeouts atomic.Uint64
	retransmits      atomic.Uint64
	overflows        atomic.Uint64
}

type counterDesc struct {
	desc     *prometheus.Desc
	supplier func(c *nodeCounters) uint64
}

// Collector exposes the counters of one or more nodes as prometheus
// metrics, labelled by node id.
type Collector struct {
	nodes []*Node
	descs []counterDesc
}

// NewCollector builds a collector over the given nodes. Register it with
// a prometheus registry to scrape it.
func NewCollector(nodes ...*Node) *Collector {
	counter := func(name, help string, supplier func(c *nodeCounters) uint64) counterDesc {
		return counterDesc{
			desc:     prometheus.NewDesc("sdp_"+name, help, []string{"node"}, nil),
			supplier: supplier,
		}
	}
	return &Collector{
		nodes: nodes,
		descs: []counterDesc{
			counter("rx_bytes_total", "Bytes received from the wire", func(c *nodeCounters) uint64 { return c.rxBytes.Load() }),
			counter("tx_bytes_total", "Bytes transmitted on the wire", func(c *nodeCounters) uint64 { return c.txBytes.Load() }),
			counter("rx_frames_total", "Valid frames received", func(c *nodeCounters) uint64 { return c.rxFrames.Load() }),
			counter("tx_frames_total", "Frames transmitted", func(c *nodeCounters) uint64 { return c.txFrames.Load() }),
			counter("crc_errors_total", "Frames dropped on CRC mismatch", func(c *nodeCounters) uint64 { return c.crcErrors.Load() }),
			counter("framing_errors_total", "Frames dropped on invalid escape sequences", func(c *nodeCounters) uint64 { return c.framingErrors.Load() }),
			counter("rx_timeouts_total", "Partial frames dropped on receive timeout", func(c *nodeCounters) uint64 { return c.rxTimeouts.Load() }),
			counter("response_timeouts_total", "Response waits that timed out", func(c *nodeCounters) uint64 { return c.responseTimeouts.Load() }),
			counter("retransmits_total", "Data frames retransmitted", func(c *nodeCounters) uint64 { return c.retransmits.Load() }),
			counter("rx_overflows_total", "Receive ring buffer overflows", func(c *nodeCounters) uint64 { return c.overflows.Load() }),
		},
	}
}

func (col *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, d := range col.descs {
		descs <- d.desc
	}
}

func (col *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, node := range col.nodes {
		label := strconv.Itoa(int(node.id))
		for _, d := range col.descs {
			metrics <- prometheus.MustNewConstMetric(
				d.desc,
				prometheus.CounterValue,
				float64(d.supplier(&node.counters)),
				label,
			)
		}
	}
}
