package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PairsVerified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxverify_pairs_verified_total",
			Help: "Forecast-observation pairs scored and persisted",
		},
		[]string{"model", "variable"},
	)

	PairsAlreadyVerified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxverify_pairs_already_verified_total",
			Help: "Pairs skipped because a score row already existed",
		},
		[]string{"model", "variable"},
	)

	ObservationsUnmatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxverify_observations_unmatched_total",
			Help: "Observations with no forecast inside the match windows",
		},
		[]string{"model", "variable"},
	)

	ObservationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxverify_observations_skipped_total",
			Help: "Observations rejected before matching",
		},
		[]string{"model", "reason"},
	)
)
