package classification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	approvals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trapper_classification_approvals_total",
		Help: "User classifications promoted to approved classifications.",
	})

	submissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trapper_classification_submissions_total",
		Help: "User classifications created or replaced.",
	})
)
