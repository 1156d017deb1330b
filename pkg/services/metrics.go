package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counter for VM lifecycle operations by outcome
	vmOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmorch_vm_operations_total",
			Help: "Total number of VM lifecycle operations processed",
		},
		[]string{"operation", "result"},
	)

	// Histogram for time spent in VM lifecycle operations, hypervisor calls included
	vmOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmorch_vm_operation_duration_seconds",
			Help:    "Time taken by VM lifecycle operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Counter for disk registry operations by outcome
	diskOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmorch_disk_operations_total",
			Help: "Total number of disk registry operations processed",
		},
		[]string{"operation", "result"},
	)

	// Histogram for disk operation latency
	diskOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmorch_disk_operation_duration_seconds",
			Help:    "Time taken by disk registry operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Gauge for guest addresses currently handed out
	addressesAssignedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmorch_addresses_assigned",
			Help: "Number of guest IP addresses currently assigned",
		},
	)
)

func init() {
	prometheus.MustRegister(
		vmOperationsTotal,
		vmOperationDuration,
		diskOperationsTotal,
		diskOperationDuration,
		addressesAssignedGauge,
	)
}

// recordVMOperation records metrics for a VM lifecycle operation
func recordVMOperation(operation, result string, duration time.Duration) {
	vmOperationsTotal.WithLabelValues(operation, result).Inc()
	vmOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// recordDiskOperation records metrics for a disk registry operation
func recordDiskOperation(operation, result string, duration time.Duration) {
	diskOperationsTotal.WithLabelValues(operation, result).Inc()
	diskOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// setAddressesAssigned updates the assigned address gauge
func setAddressesAssigned(n int) {
	addressesAssignedGauge.Set(float64(n))
}
