package testutil

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtroode/deskauth/internal/metrics"
)

// MakeMetrics returns collectors registered on a throwaway registry.
func MakeMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return metrics.New(reg), reg
}
