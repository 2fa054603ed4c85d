package workflow

import (
	"context"
	"fmt"

	"github.com/mitchellfyi/launchonomy/internal/domain"
)

// GapHandler resolves a missing capability reported by a step. A nil return
// means the capability was provisioned and the step may be retried once; an
// error means the gap stays unresolved and the step is recorded as failed.
type GapHandler func(ctx context.Context, capability, step string) error

// Pipeline runs steps strictly in order, feeding each step's output forward.
// Stop is consulted at each step boundary; in-flight steps always complete.
type Pipeline struct {
	Steps []Step
	Gap   GapHandler
	Stop  func() bool
}

// Summary aggregates a full pipeline run.
type Summary struct {
	Outputs []domain.StepOutput
	Cost    float64
	Revenue float64
	Stopped bool
}

// Run executes every step once. A step failure does not abort the pipeline;
// remaining steps still run against the context accumulated so far.
func (p Pipeline) Run(ctx context.Context, objective, focus string) Summary {
	var sum Summary
	prior := make(map[string]map[string]any, len(p.Steps))
	for _, step := range p.Steps {
		if p.Stop != nil && p.Stop() {
			sum.Stopped = true
			return sum
		}
		in := Input{Objective: objective, Focus: focus, Prior: prior}
		res := step.Execute(ctx, in)
		if res.Status == StatusMissingCapability && p.Gap != nil {
			if err := p.Gap(ctx, res.MissingCapability, step.Name()); err != nil {
				res = Result{
					Status: StatusError,
					Cost:   res.Cost,
					Err:    fmt.Sprintf("capability gap unresolved: %v", err),
				}
			} else {
				retry := step.Execute(ctx, in)
				retry.Cost += res.Cost
				res = retry
				if res.Status == StatusMissingCapability {
					res.Status = StatusError
					res.Err = fmt.Sprintf("capability %s still missing after provisioning", res.MissingCapability)
				}
			}
		}
		out := domain.StepOutput{
			Step:    step.Name(),
			Status:  res.Status,
			Data:    res.Data,
			Cost:    res.Cost,
			Revenue: ExtractRevenue(res.Data),
			Error:   res.Err,
		}
		if res.Status == StatusSuccess && res.Data != nil {
			prior[step.Name()] = res.Data
		}
		sum.Outputs = append(sum.Outputs, out)
		sum.Cost += out.Cost
		sum.Revenue += out.Revenue
	}
	return sum
}
