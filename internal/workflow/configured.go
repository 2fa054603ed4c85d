package workflow

import (
	"context"
	"fmt"
)

// CapabilityCheck reports whether a named capability is available for use.
type CapabilityCheck func(ctx context.Context, capability string) (bool, error)

// ConfiguredStep is a sequence step bound only by name. It requires the
// "<name>-tool" capability; until that capability exists the step reports the
// gap so provisioning can fill it. Once available it records an invocation
// with no revenue. Live integrations replace Invoke.
type ConfiguredStep struct {
	StepName string
	Has      CapabilityCheck

	// Invoke, when set, performs the real work after the capability check.
	Invoke func(ctx context.Context, in Input) Result
}

func NewConfiguredStep(name string, has CapabilityCheck) ConfiguredStep {
	return ConfiguredStep{StepName: name, Has: has}
}

func (s ConfiguredStep) Name() string { return s.StepName }

func (s ConfiguredStep) Capability() string { return s.StepName + "-tool" }

func (s ConfiguredStep) Execute(ctx context.Context, in Input) Result {
	capability := s.Capability()
	if s.Has != nil {
		ok, err := s.Has(ctx, capability)
		if err != nil {
			return Result{Status: StatusError, Err: fmt.Sprintf("capability lookup %s: %v", capability, err)}
		}
		if !ok {
			return Result{Status: StatusMissingCapability, MissingCapability: capability}
		}
	}
	if s.Invoke != nil {
		return s.Invoke(ctx, in)
	}
	return Result{
		Status: StatusSuccess,
		Data: map[string]any{
			"capability": capability,
			"invoked":    true,
		},
	}
}
