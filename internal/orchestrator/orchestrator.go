// Package orchestrator runs the mission cycle state machine: plan, execute,
// review, guardrail check, checkpoint, until a terminal condition. It is the
// single recovery point for every external-call failure; nothing below it is
// allowed to crash a mission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mitchellfyi/launchonomy/internal/config"
	"github.com/mitchellfyi/launchonomy/internal/consensus"
	"github.com/mitchellfyi/launchonomy/internal/domain"
	"github.com/mitchellfyi/launchonomy/internal/events"
	"github.com/mitchellfyi/launchonomy/internal/guardrail"
	"github.com/mitchellfyi/launchonomy/internal/mission"
	"github.com/mitchellfyi/launchonomy/internal/participant"
	"github.com/mitchellfyi/launchonomy/internal/provision"
	"github.com/mitchellfyi/launchonomy/internal/registry"
	"github.com/mitchellfyi/launchonomy/internal/repo"
	"github.com/mitchellfyi/launchonomy/internal/workflow"
)

// ErrResumeFailed means the mission is in Failed and may not be resumed.
var ErrResumeFailed = errors.New("failed mission cannot be resumed")

// ErrMissionTerminal means the mission is already Completed or Failed.
var ErrMissionTerminal = errors.New("mission is terminal")

// Orchestrator composes the mission services. One Orchestrator serves many
// missions; each mission's run is an independent sequential loop with no
// shared mutable state beyond the process-wide registry.
type Orchestrator struct {
	Cfg         *config.Config
	Store       *mission.Store
	Registry    *registry.Service
	Consensus   *consensus.Engine
	Provisioner *provision.Provisioner
	Roster      participant.Roster
	Steps       []workflow.Step
	Guardrail   guardrail.Guardrail
	Events      events.Writer
	Repo        repo.Repo
	Log         zerolog.Logger
	Now         func() time.Time

	stops sync.Map // mission id -> struct{}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) timestamp() string {
	return o.now().UTC().Format(time.RFC3339)
}

// RequestStop flags a mission for cooperative stop. The flag is consulted at
// phase boundaries only; in-flight calls complete. A durable marker is also
// left in the mission directory so stops reach a loop running in another
// process.
func (o *Orchestrator) RequestStop(missionID string) {
	o.stops.Store(missionID, struct{}{})
	if err := o.Store.RequestStop(missionID); err != nil {
		o.Log.Debug().Str("mission_id", missionID).Err(err).Msg("no durable stop marker written")
	}
}

func (o *Orchestrator) stopRequested(missionID string) bool {
	if _, ok := o.stops.Load(missionID); ok {
		return true
	}
	return o.Store.StopRequested(missionID)
}

func (o *Orchestrator) clearStop(missionID string) {
	o.stops.Delete(missionID)
	o.Store.ClearStop(missionID)
}

// Create starts a new mission in Initialized, ensures the founding roster is
// present in the registry, and writes the first checkpoint.
func (o *Orchestrator) Create(ctx context.Context, objective string) (domain.MissionState, error) {
	if objective == "" {
		return domain.MissionState{}, errors.New("objective required")
	}
	now := o.timestamp()
	state := domain.MissionState{
		MissionID:         uuid.NewString(),
		Objective:         objective,
		Status:            domain.MissionInitialized,
		ParticipantRoster: o.Cfg.RosterNames(),
		MaxIterations:     o.Cfg.Mission.MaxIterations,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.ensureRoster(ctx); err != nil {
		return domain.MissionState{}, err
	}
	if err := o.Store.Save(state); err != nil {
		return domain.MissionState{}, err
	}
	o.Events.AppendDirect(ctx, "mission.created", state.MissionID, "mission", state.MissionID, "orchestrator", events.EventPayload{
		"objective": objective,
		"roster":    state.ParticipantRoster,
	})
	o.Log.Info().Str("mission_id", state.MissionID).Str("objective", objective).Msg("mission created")
	return state, nil
}

// Resume reconstructs a mission from its last durable checkpoint. Cost and
// revenue counters, cycle history, and iteration count are taken verbatim.
// A repaired checkpoint load is audited. Failed missions stay failed; a
// mission whose checkpoints are corrupt beyond repair is marked Failed with
// an explicit reason rather than silently restarted.
func (o *Orchestrator) Resume(ctx context.Context, missionID string) (domain.MissionState, error) {
	state, repaired, err := o.Store.Load(missionID)
	if errors.Is(err, mission.ErrCorrupt) {
		failed := domain.MissionState{
			MissionID:     missionID,
			Status:        domain.MissionFailed,
			FailureReason: "persistence_corruption",
			CreatedAt:     o.timestamp(),
			UpdatedAt:     o.timestamp(),
		}
		if serr := o.Store.Save(failed); serr != nil {
			return domain.MissionState{}, fmt.Errorf("mark corrupt mission failed: %w", serr)
		}
		o.Events.AppendDirect(ctx, "mission.failed", missionID, "mission", missionID, "orchestrator", events.EventPayload{
			"reason": "persistence_corruption",
			"detail": err.Error(),
		})
		return domain.MissionState{}, fmt.Errorf("%w: %s", ErrResumeFailed, "persistence_corruption")
	}
	if err != nil {
		return domain.MissionState{}, err
	}
	if repaired {
		o.Events.AppendDirect(ctx, "mission.checkpoint.repaired", missionID, "mission", missionID, "orchestrator", events.EventPayload{
			"discarded": "current checkpoint generation",
		})
		o.Log.Warn().Str("mission_id", missionID).Msg("resumed from predecessor checkpoint")
	}
	if state.Status == domain.MissionFailed {
		return domain.MissionState{}, ErrResumeFailed
	}
	if err := o.ensureRoster(ctx); err != nil {
		return domain.MissionState{}, err
	}
	o.Events.AppendDirect(ctx, "mission.resumed", missionID, "mission", missionID, "orchestrator", events.EventPayload{
		"status":          state.Status,
		"iteration_count": state.IterationCount,
	})
	return state, nil
}

// ensureRoster confirms every configured roster member exists in the
// registry as a founding agent.
func (o *Orchestrator) ensureRoster(ctx context.Context) error {
	for _, m := range o.Cfg.Roster.Members {
		spec := fmt.Sprintf(`{"role":%q}`, m.Role)
		if err := o.Registry.EnsureFounding(ctx, m.Name, domain.EntryAgent, spec, "orchestrator"); err != nil {
			return fmt.Errorf("ensure roster member %s: %w", m.Name, err)
		}
	}
	return nil
}

// Run drives a mission until it leaves the running states. Paused is not
// terminal but Run returns on it; Unpause re-enters the loop.
func (o *Orchestrator) Run(ctx context.Context, state *domain.MissionState) error {
	if state.Status == domain.MissionPaused {
		return fmt.Errorf("mission %s is paused, unpause first", state.MissionID)
	}
	for {
		switch state.Status {
		case domain.MissionCompleted, domain.MissionFailed, domain.MissionPaused:
			return nil
		}
		if err := o.RunCycle(ctx, state); err != nil {
			return err
		}
	}
}

// Unpause puts a paused mission's pending strategic-pivot proposal to
// consensus. Acceptance returns the mission to Planning; rejection leaves it
// Paused with the same pending proposal.
func (o *Orchestrator) Unpause(ctx context.Context, state *domain.MissionState) error {
	if state.Status != domain.MissionPaused {
		return fmt.Errorf("mission %s is not paused", state.MissionID)
	}
	if state.PendingProposalID == "" {
		// Paused by stop signal, no pivot pending.
		state.Status = domain.MissionPlanning
		state.UpdatedAt = o.timestamp()
		o.clearStop(state.MissionID)
		return o.Store.Save(*state)
	}
	prop, err := o.Repo.GetProposal(ctx, state.PendingProposalID)
	if err != nil {
		return fmt.Errorf("pending proposal %s: %w", state.PendingProposalID, err)
	}
	ballot, cost, err := o.Consensus.Propose(ctx, prop)
	if err != nil {
		return err
	}
	state.CostAccumulated += cost
	state.UpdatedAt = o.timestamp()
	if !ballot.Accepted() {
		o.Log.Info().Str("mission_id", state.MissionID).Msg("pivot rejected, mission stays paused")
		return o.Store.Save(*state)
	}
	state.Status = domain.MissionPlanning
	state.PendingProposalID = ""
	o.clearStop(state.MissionID)
	if err := o.Store.Save(*state); err != nil {
		return err
	}
	o.Events.AppendDirect(ctx, "mission.unpaused", state.MissionID, "mission", state.MissionID, "orchestrator", events.EventPayload{
		"proposal_id": prop.ID,
	})
	return nil
}
