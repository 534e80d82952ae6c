package tiervm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// INSTRUMENTATION
// ═══════════════════════════════════════════════════════════════════════════
//
// Every counter here moves on the fire path or slower; the per-occurrence
// hot path (observe + advance, the overwhelmingly common case) touches no
// metric at all. Occupancy and eviction figures are refreshed from the site
// table on fires and invalidations rather than sampled by the scraper,
// because the table is single-threaded and a scrape-time read would race
// with the interpreter.
//
// ═══════════════════════════════════════════════════════════════════════════

// metrics holds the Prometheus instruments for one Controller. Constructed
// with promauto.With, so a nil registerer yields working but unregistered
// instruments.
type metrics struct {
	// fires counts counter exhaustions by site kind. Fires are attempts,
	// not successes; compare against installs for the hit rate.
	fires *prometheus.CounterVec

	// installs counts optimizer hand-offs that installed a trace.
	installs *prometheus.CounterVec

	// failures counts hand-offs that did not install, split by whether the
	// optimizer declined or errored.
	failures *prometheus.CounterVec

	// chainsBlocked counts side-exit fires stopped by the chain gate
	// before reaching the optimizer, split by which brake engaged.
	chainsBlocked *prometheus.CounterVec

	// sitesOccupied is the live-site count of the metadata table.
	sitesOccupied prometheus.Gauge

	// evictions counts sites displaced from the table to make room.
	evictions prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		fires: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiervm_fires_total",
			Help: "Backoff counter exhaustions, by site kind.",
		}, []string{"kind"}),
		installs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiervm_installs_total",
			Help: "Optimization attempts that installed a trace, by site kind.",
		}, []string{"kind"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiervm_failures_total",
			Help: "Optimization attempts that did not install a trace, by site kind and reason.",
		}, []string{"kind", "reason"}),
		chainsBlocked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiervm_chains_blocked_total",
			Help: "Side-exit fires stopped by the chain gate, by reason.",
		}, []string{"reason"}),
		sitesOccupied: f.NewGauge(prometheus.GaugeOpts{
			Name: "tiervm_sites_occupied",
			Help: "Live sites in the metadata table.",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "tiervm_evictions_total",
			Help: "Sites evicted from the metadata table to make room for new ones.",
		}),
	}
}

// Label values. Kept as constants so the reason vocabulary is visible in one
// place; kind labels come from backoff.Kind.String.
const (
	reasonError      = "error"      // optimizer returned an error
	reasonDeclined   = "declined"   // optimizer ran but produced no trace
	reasonDepth      = "depth"      // chain gate: parent depth at the cap
	reasonConfidence = "confidence" // chain gate: parent confidence below the floor
)
