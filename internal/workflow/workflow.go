// Package workflow defines the execution contract for operational mission
// steps and the sequential pipeline that runs them. Step internals are
// pluggable; the pipeline only depends on the contract.
package workflow

import (
	"context"
	"strconv"
)

// Step result statuses.
const (
	StatusSuccess           = "success"
	StatusError             = "error"
	StatusMissingCapability = "missing_capability"
)

// Input is the context a step executes against. Prior holds the data of every
// already-completed step in this cycle, keyed by step name, so each step can
// build on the previous one's output.
type Input struct {
	Objective string
	Focus     string
	Prior     map[string]map[string]any
}

// Result is one step execution outcome. A missing_capability status must name
// the capability so provisioning can be attempted.
type Result struct {
	Status            string
	Data              map[string]any
	Cost              float64
	MissingCapability string
	Err               string
}

// Step is one operational unit in the mission pipeline.
type Step interface {
	Name() string
	Execute(ctx context.Context, in Input) Result
}

// FuncStep adapts a plain function into a Step.
type FuncStep struct {
	StepName string
	Fn       func(ctx context.Context, in Input) Result
}

func (s FuncStep) Name() string { return s.StepName }

func (s FuncStep) Execute(ctx context.Context, in Input) Result {
	return s.Fn(ctx, in)
}

// ExtractRevenue pulls a revenue figure out of step data if one is present.
// Numeric and numeric-string values are accepted; anything else counts as
// zero rather than failing the step.
func ExtractRevenue(data map[string]any) float64 {
	v, ok := data["revenue"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
