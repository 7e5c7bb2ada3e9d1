package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the identity ledger.
type Metrics struct {
	IdentitiesRegistered prometheus.Counter
	Touches              *prometheus.CounterVec
	RoleMutations        *prometheus.CounterVec
	TagUpdates           prometheus.Counter
}

// New registers the ledger metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IdentitiesRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustcore_identities_registered_total",
			Help: "Total number of identities registered",
		}),
		Touches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustcore_identity_touches_total",
			Help: "Identity touches partitioned by trust outcome",
		}, []string{"suspicious"}),
		RoleMutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustcore_role_mutations_total",
			Help: "Role mutation attempts by operation and outcome (applied, denied, invalid)",
		}, []string{"op", "outcome"}),
		TagUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustcore_tag_updates_total",
			Help: "Total number of tag merges",
		}),
	}
}

func (m *Metrics) IncRegistered() {
	m.IdentitiesRegistered.Inc()
}

func (m *Metrics) IncTouched(suspicious bool) {
	label := "false"
	if suspicious {
		label = "true"
	}
	m.Touches.WithLabelValues(label).Inc()
}

func (m *Metrics) IncRoleMutation(op string, outcome string) {
	m.RoleMutations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) IncTagsUpdated() {
	m.TagUpdates.Inc()
}
