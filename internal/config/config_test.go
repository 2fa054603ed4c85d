package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Guardrail.MaxCostRatio != 0.20 {
		t.Fatalf("max_cost_ratio = %v", cfg.Guardrail.MaxCostRatio)
	}
	if got := cfg.RosterNames(); len(got) != 4 || got[0] != "CEO-Agent" {
		t.Fatalf("roster names = %v", got)
	}
}

func TestTieBreakMustBeRosterMember(t *testing.T) {
	cfg := Default()
	cfg.Roster.TieBreakRole = "COO-Agent"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "tie_break_role") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoopWindowLowerBound(t *testing.T) {
	cfg := Default()
	cfg.Mission.LoopWindow = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected loop_window validation error")
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := FromYAML([]byte("mission: [nope")); err == nil {
		t.Fatal("expected parse error")
	}
}
