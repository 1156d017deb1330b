package controllers

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counter for status corrections applied by the reconciler
	vmReconcileCorrectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmorch_vm_reconcile_corrections_total",
			Help: "Total number of VM status corrections applied by the reconciler",
		},
		[]string{"old_status", "new_status"},
	)

	// Counter for VM reconciliation errors
	vmReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmorch_vm_reconcile_errors_total",
			Help: "Total number of VM reconciliation errors",
		},
		[]string{"error_type"},
	)

	// Histogram for time taken by one reconcile pass
	vmReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmorch_vm_reconcile_duration_seconds",
			Help:    "Time taken by a reconcile pass over all tracked VMs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pass"},
	)

	// Gauge for VMs checked in the last pass
	vmTrackedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmorch_vm_tracked_total",
			Help: "Number of VMs checked against the hypervisor in the last reconcile pass",
		},
	)

	// Gauge for controller health status
	controllerHealthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmorch_vm_controller_healthy",
			Help: "Whether the VM status reconciler is healthy (1) or not (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		vmReconcileCorrectionsTotal,
		vmReconcileErrorsTotal,
		vmReconcileDuration,
		vmTrackedGauge,
		controllerHealthGauge,
	)

	controllerHealthGauge.Set(1)
}

// recordCorrection records a status correction
func recordCorrection(oldStatus, newStatus string) {
	vmReconcileCorrectionsTotal.WithLabelValues(oldStatus, newStatus).Inc()
}

// recordVMReconcileError records metrics for a reconciliation error
func recordVMReconcileError(errorType string) {
	vmReconcileErrorsTotal.WithLabelValues(errorType).Inc()
}

func recordPass(pass string, tracked int, duration float64) {
	vmTrackedGauge.Set(float64(tracked))
	vmReconcileDuration.WithLabelValues(pass).Observe(duration)
}

// setControllerHealth sets the controller health metric
func setControllerHealth(healthy bool) {
	if healthy {
		controllerHealthGauge.Set(1)
	} else {
		controllerHealthGauge.Set(0)
	}
}
