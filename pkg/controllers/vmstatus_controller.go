package controllers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mhrivnak/vmorch/pkg/database/models"
	"github.com/mhrivnak/vmorch/pkg/services"
)

// VMStatusController keeps recorded VM status in line with the hypervisor. VMs recorded
// as running whose instance has gone away are returned to stopped, and transitions that
// never finished are resolved from the instance's actual state.
type VMStatusController struct {
	VMs      services.ReconcilerServiceInterface
	Interval time.Duration
	Logger   *slog.Logger
}

// PassResult summarizes one reconcile pass
type PassResult struct {
	Checked     int
	Corrections []services.Correction
	Errors      int
}

func NewVMStatusController(vms services.ReconcilerServiceInterface, interval time.Duration, logger *slog.Logger) *VMStatusController {
	return &VMStatusController{
		VMs:      vms,
		Interval: interval,
		Logger:   logger,
	}
}

// Startup restores the address pool from recorded VMs and runs the startup pass. It
// must finish before lifecycle requests are served, since the startup pass treats every
// starting or stopping VM as left behind by a previous process.
func (r *VMStatusController) Startup(ctx context.Context) (*PassResult, error) {
	if err := r.VMs.RestoreAddresses(ctx); err != nil {
		setControllerHealth(false)
		return nil, fmt.Errorf("failed to restore guest addresses: %w", err)
	}
	return r.ReconcileOnce(ctx, true)
}

// RunPeriodic reconciles on every tick until ctx is cancelled
func (r *VMStatusController) RunPeriodic(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("VM status controller stopping")
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx, false); err != nil {
				r.Logger.Error("Reconcile pass failed", "error", err)
			}
		}
	}
}

// ReconcileOnce checks every VM that may need correcting. On the startup pass VMs left
// in starting or stopping by an interrupted process are resolved right away; periodic
// passes leave them to the operation in flight until it has timed out.
func (r *VMStatusController) ReconcileOnce(ctx context.Context, startup bool) (*PassResult, error) {
	start := time.Now()
	pass := "periodic"
	if startup {
		pass = "startup"
	}

	vms, err := r.VMs.ListByStatus(ctx, models.VMStatusRunning, models.VMStatusStarting, models.VMStatusStopping)
	if err != nil {
		recordVMReconcileError("list_error")
		setControllerHealth(false)
		return nil, err
	}

	result := &PassResult{Checked: len(vms)}
	for _, vm := range vms {
		if ctx.Err() != nil {
			break
		}

		correction, err := r.VMs.ReconcileVM(ctx, vm.ID, startup)
		if err != nil {
			if services.IsKind(err, services.KindNotFound) {
				// deleted since the listing
				continue
			}
			r.Logger.Error("Failed to reconcile VM", "vmID", vm.ID, "name", vm.Name, "error", err)
			recordVMReconcileError(errorType(err))
			result.Errors++
			continue
		}
		if correction == nil {
			continue
		}

		r.Logger.Warn("Corrected VM status",
			"vmID", correction.VMID,
			"name", correction.Name,
			"oldStatus", correction.From,
			"newStatus", correction.To)
		recordCorrection(string(correction.From), string(correction.To))
		result.Corrections = append(result.Corrections, *correction)
	}

	recordPass(pass, result.Checked, time.Since(start).Seconds())
	setControllerHealth(result.Errors == 0)

	if len(result.Corrections) > 0 || result.Errors > 0 {
		r.Logger.Info("Reconcile pass finished",
			"pass", pass,
			"checked", result.Checked,
			"corrected", len(result.Corrections),
			"errors", result.Errors,
			"duration", time.Since(start).String())
	}
	return result, nil
}

func errorType(err error) string {
	switch services.KindOf(err) {
	case services.KindProvisioning:
		return "hypervisor_error"
	default:
		return "database_error"
	}
}
