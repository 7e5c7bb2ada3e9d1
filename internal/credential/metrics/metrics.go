package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the credential lifecycle.
type Metrics struct {
	Issued           *prometheus.CounterVec
	Validations      *prometheus.CounterVec
	Revoked          prometheus.Counter
	ValidateDuration prometheus.Histogram
}

// New registers the credential metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Issued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustcore_credentials_issued_total",
			Help: "Credentials issued, labelled by whether an active key was rotated out",
		}, []string{"rotated"}),
		Validations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustcore_credential_validations_total",
			Help: "Credential validations by result",
		}, []string{"valid"}),
		Revoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustcore_credentials_revoked_total",
			Help: "Total number of credential revocations",
		}),
		ValidateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustcore_credential_validate_duration_seconds",
			Help:    "Duration of credential validation (bcrypt dominated)",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *Metrics) IncIssued(rotated bool) {
	m.Issued.WithLabelValues(boolLabel(rotated)).Inc()
}

func (m *Metrics) IncValidation(valid bool) {
	m.Validations.WithLabelValues(boolLabel(valid)).Inc()
}

func (m *Metrics) IncRevoked() {
	m.Revoked.Inc()
}

// ObserveValidateDuration records the time since start.
func (m *Metrics) ObserveValidateDuration(start time.Time) {
	m.ValidateDuration.Observe(time.Since(start).Seconds())
}
