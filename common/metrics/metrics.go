package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all engine-level Prometheus collectors.
// A fresh set can be created per registry so tests and multi-tenant
// facades do not share collector state.
type Metrics struct {
	CasesLaunched  *prometheus.CounterVec
	CasesFinished  *prometheus.CounterVec
	FiringsTotal   *prometheus.CounterVec
	ItemsByState   *prometheus.GaugeVec
	QueueDepth     *prometheus.GaugeVec
	LeaseReclaims  prometheus.Counter
	EventsRejected *prometheus.CounterVec
}

// New registers engine collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CasesLaunched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yawl_cases_launched_total",
			Help: "Cases launched, by engine variant",
		}, []string{"engine"}),
		CasesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yawl_cases_finished_total",
			Help: "Cases reaching a terminal lifecycle, by outcome",
		}, []string{"outcome"}),
		FiringsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yawl_firings_total",
			Help: "Task firings, by task kind",
		}, []string{"kind"}),
		ItemsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yawl_work_items",
			Help: "Live work items, by state",
		}, []string{"state"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yawl_allocator_queue_depth",
			Help: "Pending offers queued per capability tag",
		}, []string{"tag"}),
		LeaseReclaims: factory.NewCounter(prometheus.CounterOpts{
			Name: "yawl_lease_reclaims_total",
			Help: "Work item leases reclaimed after missed heartbeats",
		}),
		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yawl_events_rejected_total",
			Help: "External events rejected, by error kind",
		}, []string{"kind"}),
	}
}

// Default returns metrics registered on the global registry
func Default() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// Nop returns metrics backed by a private registry, for tests
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
