// Package provision turns missing-capability signals from workflow steps into
// consensus-gated registry stubs. The triviality gate in front of consensus
// keeps auto-provisioning from ever being a channel for privileged or
// high-risk capabilities.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mitchellfyi/launchonomy/internal/consensus"
	"github.com/mitchellfyi/launchonomy/internal/domain"
	"github.com/mitchellfyi/launchonomy/internal/registry"
	"github.com/mitchellfyi/launchonomy/internal/repo"
)

// ErrNotTrivial marks a gap rejected by the triviality gate, before any
// consensus round was spent on it.
var ErrNotTrivial = errors.New("capability not trivially provisionable")

// ErrGapUnresolved marks a gap that reached consensus and was voted down.
// The stub stays in the registry as retired for audit.
var ErrGapUnresolved = errors.New("capability gap unresolved")

// Provisioner synthesizes capability stubs and submits them to consensus.
type Provisioner struct {
	Allow     []string
	Deny      []string
	Registry  *registry.Service
	Consensus *consensus.Engine
	Repo      repo.Repo
	Log       zerolog.Logger
	Now       func() time.Time
}

func (p *Provisioner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Assess scores a capability name against the deny and allow pattern lists.
// Deny patterns win over allow patterns. The score is 0 for anything outside
// the allow-list; ambiguity is treated as non-trivial.
func (p *Provisioner) Assess(name string) (float64, error) {
	lower := strings.ToLower(name)
	for _, pat := range p.Deny {
		if strings.Contains(lower, pat) {
			return 0, fmt.Errorf("%w: %q matches deny pattern %q", ErrNotTrivial, name, pat)
		}
	}
	for _, pat := range p.Allow {
		if strings.Contains(lower, pat) {
			return 0.9, nil
		}
	}
	return 0, fmt.Errorf("%w: %q matches no allowed category", ErrNotTrivial, name)
}

// HandleGap resolves one missing capability: triviality gate, stub synthesis,
// then a consensus round. On acceptance the stub is active and usable and the
// error is nil. On rejection the stub is retired and ErrGapUnresolved is
// returned; a later gap for a retired capability reports the same error
// without another consensus round. The cost of the consensus round is
// returned either way.
func (p *Provisioner) HandleGap(ctx context.Context, capability, requestingStep, missionID string) (float64, error) {
	score, err := p.Assess(capability)
	if err != nil {
		p.Log.Info().Str("capability", capability).Str("step", requestingStep).Err(err).Msg("gap rejected by triviality gate")
		return 0, err
	}

	kind := classify(capability)
	entry, err := p.Registry.Get(ctx, capability)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		stub := domain.RegistryEntry{
			Name:   capability,
			Kind:   kind,
			Spec:   synthesizeSpec(capability, kind, requestingStep),
			Source: domain.SourceAutoProvisioned,
		}
		if err := p.Registry.InsertStub(ctx, stub, missionID, "auto-provisioner"); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	case entry.Status == domain.StatusRetired:
		return 0, fmt.Errorf("%w: %s was retired after a rejected proposal", ErrGapUnresolved, capability)
	case entry.Status != domain.StatusStub:
		// Already approved; the step just needs to retry against it.
		return 0, nil
	}
	// A stub left over from an interrupted earlier round is reused as-is.

	payload, _ := json.Marshal(map[string]string{
		"requesting_step": requestingStep,
		"reason":          fmt.Sprintf("step %s reported missing capability %s", requestingStep, capability),
	})
	prop := domain.Proposal{
		ID:         uuid.NewString(),
		MissionID:  missionID,
		Kind:       proposalKind(kind),
		Name:       capability,
		Payload:    string(payload),
		Triviality: score,
		Status:     domain.ProposalPending,
		CreatedAt:  p.now().UTC().Format(time.RFC3339),
	}
	if err := p.Repo.InsertProposal(ctx, prop); err != nil {
		return 0, err
	}

	ballot, cost, err := p.Consensus.Propose(ctx, prop)
	if err != nil {
		return cost, err
	}
	if !ballot.Accepted() {
		if rerr := p.Registry.Retire(ctx, capability, missionID, "auto-provisioner", "proposal rejected"); rerr != nil {
			p.Log.Error().Str("capability", capability).Err(rerr).Msg("retire after rejection failed")
		}
		return cost, fmt.Errorf("%w: proposal %s rejected", ErrGapUnresolved, prop.ID)
	}
	p.Log.Info().Str("capability", capability).Str("step", requestingStep).Msg("capability provisioned")
	return cost, nil
}

func classify(name string) string {
	if strings.Contains(strings.ToLower(name), "agent") {
		return domain.EntryAgent
	}
	return domain.EntryTool
}

func proposalKind(entryKind string) string {
	if entryKind == domain.EntryAgent {
		return domain.ProposalNewAgent
	}
	return domain.ProposalNewTool
}

// synthesizeSpec produces the minimal placeholder contract a stub carries
// until a real implementation is bound to it.
func synthesizeSpec(name, kind, requestingStep string) string {
	var spec map[string]any
	if kind == domain.EntryAgent {
		spec = map[string]any{
			"type":         "agent",
			"instructions": fmt.Sprintf("You are %s, a specialist supporting the %s step. Work within the mission objective and report results as JSON.", name, requestingStep),
			"placeholder":  true,
		}
	} else {
		spec = map[string]any{
			"type": "tool",
			"contract": map[string]string{
				"invoke": fmt.Sprintf("POST /hooks/%s", name),
				"input":  "object",
				"output": "object",
			},
			"placeholder": true,
		}
	}
	b, _ := json.Marshal(spec)
	return string(b)
}
