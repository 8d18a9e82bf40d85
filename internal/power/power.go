// Package power defines how VMs are powered on and off.
package power

import (
	"context"
	"fmt"
	"strings"

	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/opstatus"
)

// Step keys recorded by controllers.
const (
	StepPowerOn  = "power.on"
	StepPowerOff = "power.off"
)

// Controller changes the power state of VMs.
type Controller interface {
	// SetPowerState requests the given state for vmIDs and returns the
	// VMs that accepted it. A nil result with an error means the request
	// could not be made at all. Powering off must not wait for completion.
	SetPowerState(ctx context.Context, vmIDs []string, on bool) ([]string, error)
}

// StepKey returns the step recorded for a power change.
func StepKey(on bool) string {
	if on {
		return StepPowerOn
	}
	return StepPowerOff
}

// RecordOutcome records the power step into the context status: success
// when every requested VM accepted, otherwise a non-fatal failure naming
// the VMs that did not.
func RecordOutcome(ctx context.Context, requested, accepted []string, on bool, err error) {
	st := opstatus.FromContext(ctx)
	key := StepKey(on)

	if err != nil {
		st.RegisterStepFailed(key, false, fmt.Sprintf("power request failed: %v", err))
		return
	}
	missing := models.Subtract(requested, accepted)
	if len(missing) > 0 {
		st.RegisterStepFailed(key, false, "VMs did not accept power change: "+strings.Join(missing, ", "))
		return
	}
	st.RegisterStepSucceeded(key)
}

// Func adapts a function to a Controller.
type Func func(ctx context.Context, vmIDs []string, on bool) ([]string, error)

// SetPowerState calls f.
func (f Func) SetPowerState(ctx context.Context, vmIDs []string, on bool) ([]string, error) {
	return f(ctx, vmIDs, on)
}
