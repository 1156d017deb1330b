package controllers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mhrivnak/vmorch/pkg/database/models"
	"github.com/mhrivnak/vmorch/pkg/services"
)

// MockVMService mocks the reconciler's view of the VM state machine
type MockVMService struct {
	mock.Mock
}

func (m *MockVMService) RestoreAddresses(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockVMService) ListByStatus(ctx context.Context, statuses ...models.VMStatus) ([]models.VM, error) {
	args := m.Called(ctx, statuses)
	if vms := args.Get(0); vms != nil {
		return vms.([]models.VM), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockVMService) ReconcileVM(ctx context.Context, id string, startup bool) (*services.Correction, error) {
	args := m.Called(ctx, id, startup)
	if c := args.Get(0); c != nil {
		return c.(*services.Correction), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestController(svc *MockVMService) *VMStatusController {
	return NewVMStatusController(svc, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReconcileOnce_Periodic(t *testing.T) {
	svc := new(MockVMService)
	ctrl := newTestController(svc)

	svc.On("ListByStatus", mock.Anything, []models.VMStatus{models.VMStatusRunning, models.VMStatusStarting, models.VMStatusStopping}).
		Return([]models.VM{{ID: "vm-1", Name: "alive"}, {ID: "vm-2", Name: "crashed"}}, nil)
	svc.On("ReconcileVM", mock.Anything, "vm-1", false).Return(nil, nil)
	svc.On("ReconcileVM", mock.Anything, "vm-2", false).Return(&services.Correction{
		VMID: "vm-2", Name: "crashed", From: models.VMStatusRunning, To: models.VMStatusStopped,
	}, nil)

	before := testutil.ToFloat64(vmReconcileCorrectionsTotal.WithLabelValues("running", "stopped"))

	result, err := ctrl.ReconcileOnce(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Checked)
	require.Len(t, result.Corrections, 1)
	assert.Equal(t, "vm-2", result.Corrections[0].VMID)
	assert.Zero(t, result.Errors)
	assert.Equal(t, before+1, testutil.ToFloat64(vmReconcileCorrectionsTotal.WithLabelValues("running", "stopped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(controllerHealthGauge))
	svc.AssertExpectations(t)
}

func TestReconcileOnce_PeriodicPassesTransientVMsWithoutStartup(t *testing.T) {
	svc := new(MockVMService)
	ctrl := newTestController(svc)

	svc.On("ListByStatus", mock.Anything, mock.Anything).
		Return([]models.VM{{ID: "vm-1", Status: models.VMStatusStopping}}, nil)
	svc.On("ReconcileVM", mock.Anything, "vm-1", false).Return(&services.Correction{
		VMID: "vm-1", From: models.VMStatusStopping, To: models.VMStatusStopped,
	}, nil)

	result, err := ctrl.ReconcileOnce(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, result.Corrections, 1)
	assert.Equal(t, models.VMStatusStopped, result.Corrections[0].To)
	svc.AssertExpectations(t)
}

func TestReconcileOnce_StartupIncludesTransientStates(t *testing.T) {
	svc := new(MockVMService)
	ctrl := newTestController(svc)

	svc.On("ListByStatus", mock.Anything, []models.VMStatus{models.VMStatusRunning, models.VMStatusStarting, models.VMStatusStopping}).
		Return([]models.VM{{ID: "vm-1", Status: models.VMStatusStarting}}, nil)
	svc.On("ReconcileVM", mock.Anything, "vm-1", true).Return(&services.Correction{
		VMID: "vm-1", From: models.VMStatusStarting, To: models.VMStatusStopped,
	}, nil)

	result, err := ctrl.ReconcileOnce(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, result.Corrections, 1)
	svc.AssertExpectations(t)
}

func TestReconcileOnce_ErrorsAreCountedNotFatal(t *testing.T) {
	svc := new(MockVMService)
	ctrl := newTestController(svc)

	hypervisorDown := &services.Error{Kind: services.KindProvisioning, Message: "libvirt unreachable"}
	deleted := &services.Error{Kind: services.KindNotFound, Message: "vm gone"}

	svc.On("ListByStatus", mock.Anything, mock.Anything).
		Return([]models.VM{{ID: "vm-1"}, {ID: "vm-2"}, {ID: "vm-3"}}, nil)
	svc.On("ReconcileVM", mock.Anything, "vm-1", false).Return(nil, hypervisorDown)
	svc.On("ReconcileVM", mock.Anything, "vm-2", false).Return(nil, deleted)
	svc.On("ReconcileVM", mock.Anything, "vm-3", false).Return(nil, nil)

	result, err := ctrl.ReconcileOnce(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Errors, "a VM deleted mid-pass is not an error")
	assert.Empty(t, result.Corrections)
	assert.Equal(t, 0.0, testutil.ToFloat64(controllerHealthGauge))
	assert.Greater(t, testutil.ToFloat64(vmReconcileErrorsTotal.WithLabelValues("hypervisor_error")), 0.0)
	svc.AssertExpectations(t)
}

func TestReconcileOnce_ListFailure(t *testing.T) {
	svc := new(MockVMService)
	ctrl := newTestController(svc)

	svc.On("ListByStatus", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	_, err := ctrl.ReconcileOnce(context.Background(), false)
	assert.Error(t, err)
	svc.AssertNotCalled(t, "ReconcileVM", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartup_RestoresThenReconciles(t *testing.T) {
	svc := new(MockVMService)
	ctrl := newTestController(svc)

	svc.On("RestoreAddresses", mock.Anything).Return(nil).Once()
	svc.On("ListByStatus", mock.Anything, mock.Anything).
		Return([]models.VM{{ID: "vm-1", Status: models.VMStatusStarting}}, nil)
	svc.On("ReconcileVM", mock.Anything, "vm-1", true).Return(&services.Correction{
		VMID: "vm-1", From: models.VMStatusStarting, To: models.VMStatusRunning,
	}, nil)

	result, err := ctrl.Startup(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Corrections, 1)
	svc.AssertExpectations(t)
}

func TestStartup_RestoreFailureAborts(t *testing.T) {
	svc := new(MockVMService)
	ctrl := newTestController(svc)

	svc.On("RestoreAddresses", mock.Anything).Return(errors.New("db down"))

	_, err := ctrl.Startup(context.Background())
	assert.Error(t, err)
	svc.AssertNotCalled(t, "ListByStatus", mock.Anything, mock.Anything)
}

func TestRunPeriodic_ReconcilesUntilCancelled(t *testing.T) {
	svc := new(MockVMService)
	ctrl := newTestController(svc)

	var passes int32
	svc.On("ListByStatus", mock.Anything, mock.Anything).Return([]models.VM{}, nil).
		Run(func(mock.Arguments) { atomic.AddInt32(&passes, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.RunPeriodic(ctx)
	}()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&passes) >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
	svc.AssertNotCalled(t, "RestoreAddresses", mock.Anything)
}
