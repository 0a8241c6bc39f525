package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of calls currently running.
type ActiveCallsProvider interface {
	ActiveCalls() int64
}

// PortPoolProvider exposes RTP port pool occupancy.
type PortPoolProvider interface {
	Capacity() int
	InUse() int
}

// CDRDirectionCounter returns CDR counts grouped by direction.
type CDRDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// RegistryProvider exposes the number of Call-IDs waiting on the
// inbound listener for a BYE.
type RegistryProvider interface {
	Len() int
}

// Collector is a prometheus.Collector that gathers bridge metrics at
// scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	pool        PortPoolProvider
	cdrs        CDRDirectionCounter
	registry    RegistryProvider
	startTime   time.Time

	// Metric descriptors.
	activeCallsDesc     *prometheus.Desc
	portsCapacityDesc   *prometheus.Desc
	portsInUseDesc      *prometheus.Desc
	callsTotalDesc      *prometheus.Desc
	registeredCallsDesc *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil
// if unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	pool PortPoolProvider,
	cdrs CDRDirectionCounter,
	registry RegistryProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		pool:        pool,
		cdrs:        cdrs,
		registry:    registry,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"sipbridge_active_calls",
			"Number of calls currently bridged",
			nil, nil,
		),
		portsCapacityDesc: prometheus.NewDesc(
			"sipbridge_rtp_ports_capacity",
			"Total RTP ports in the pool",
			nil, nil,
		),
		portsInUseDesc: prometheus.NewDesc(
			"sipbridge_rtp_ports_in_use",
			"RTP ports currently allocated to calls",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"sipbridge_calls_total",
			"Total number of calls processed (from CDR)",
			[]string{"direction"}, nil,
		),
		registeredCallsDesc: prometheus.NewDesc(
			"sipbridge_registered_call_ids",
			"Call-IDs registered with the inbound listener for BYE routing",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipbridge_uptime_seconds",
			"Seconds since the bridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.portsCapacityDesc
	ch <- c.portsInUseDesc
	ch <- c.callsTotalDesc
	ch <- c.registeredCallsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCalls()),
		)
	}

	if c.pool != nil {
		ch <- prometheus.MustNewConstMetric(
			c.portsCapacityDesc, prometheus.GaugeValue,
			float64(c.pool.Capacity()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.portsInUseDesc, prometheus.GaugeValue,
			float64(c.pool.InUse()),
		)
	}

	if c.cdrs != nil {
		counts, err := c.cdrs.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cdrs by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	if c.registry != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registeredCallsDesc, prometheus.GaugeValue,
			float64(c.registry.Len()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
