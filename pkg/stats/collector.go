package stats

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/ringcap/pkg/device"
)

// Collector implements prometheus.Collector over the counter registry
// and the live device records, reading the atomics on each scrape.
type Collector struct {
	stats   *Registry
	devices *device.Registry

	counterDesc *prometheus.Desc

	ifacePackets  *prometheus.Desc
	ifaceDrops    *prometheus.Desc
	ifaceInvalid  *prometheus.Desc
	ifaceChecksum *prometheus.Desc
}

// NewCollector creates a Collector over the given registries.
func NewCollector(stats *Registry, devices *device.Registry) *Collector {
	return &Collector{
		stats:   stats,
		devices: devices,

		counterDesc: prometheus.NewDesc(
			"ringcap_counter_total",
			"Engine counter value.",
			[]string{"name"}, nil,
		),
		ifacePackets: prometheus.NewDesc(
			"ringcap_iface_packets_total",
			"Packets captured per interface.",
			[]string{"iface"}, nil,
		),
		ifaceDrops: prometheus.NewDesc(
			"ringcap_iface_drops_total",
			"Packets dropped per interface.",
			[]string{"iface"}, nil,
		),
		ifaceInvalid: prometheus.NewDesc(
			"ringcap_iface_invalid_checksums_total",
			"Frames with invalid checksums per interface.",
			[]string{"iface"}, nil,
		),
		ifaceChecksum: prometheus.NewDesc(
			"ringcap_iface_checksum_ignored",
			"Whether checksum validation is switched off for the interface.",
			[]string{"iface"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.counterDesc
	ch <- c.ifacePackets
	ch <- c.ifaceDrops
	ch <- c.ifaceInvalid
	ch <- c.ifaceChecksum
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.stats.Each(func(name string, value uint64) {
		ch <- prometheus.MustNewConstMetric(c.counterDesc,
			prometheus.CounterValue, float64(value),
			strings.ReplaceAll(name, ".", "_"))
	})

	for _, live := range c.devices.All() {
		ch <- prometheus.MustNewConstMetric(c.ifacePackets,
			prometheus.CounterValue, float64(live.Pkts.Load()), live.Name())
		ch <- prometheus.MustNewConstMetric(c.ifaceDrops,
			prometheus.CounterValue, float64(live.Drops.Load()), live.Name())
		ch <- prometheus.MustNewConstMetric(c.ifaceInvalid,
			prometheus.CounterValue, float64(live.InvalidChecksums.Load()), live.Name())
		ignored := 0.0
		if live.IgnoreChecksum() {
			ignored = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.ifaceChecksum,
			prometheus.GaugeValue, ignored, live.Name())
	}
}
