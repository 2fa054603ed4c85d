package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mitchellfyi/launchonomy/internal/domain"
	"github.com/mitchellfyi/launchonomy/internal/events"
	"github.com/mitchellfyi/launchonomy/internal/participant"
	"github.com/mitchellfyi/launchonomy/internal/workflow"
)

const planPrompt = `Mission objective: %s

%sPropose the single most promising focus for the next cycle. Reply with a
JSON object: {"focus": "...", "rationale": "..."}.`

const reviewPrompt = `Mission objective: %s

The cycle just executed these steps:
%s
Cycle cost: %.4f, cycle revenue: %.4f. Accumulated revenue: %.4f.

Should the mission continue, and is the objective achieved? Reply with a JSON
object: {"continue_mission": true|false, "objective_achieved": true|false, "rationale": "..."}.`

type memberReply struct {
	name string
	resp participant.Response
	err  error
}

// queryAll fans a prompt out to the whole roster concurrently and waits for
// every member to answer or time out. The phase never proceeds on partial
// data; failed members are recorded with their error and handled by the
// phase's default rule.
func (o *Orchestrator) queryAll(ctx context.Context, prompt string) ([]memberReply, float64) {
	names := o.Roster.Names()
	replies := make([]memberReply, len(names))
	costs := make([]float64, len(names))
	opts := participant.QueryOptions{Timeout: o.Cfg.AskTimeout(), Retries: o.Cfg.Participants.AskRetries}
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			p, ok := o.Roster.Participant(name)
			if !ok {
				replies[i] = memberReply{name: name, err: fmt.Errorf("participant %s unavailable", name)}
				return
			}
			resp, cost, err := participant.Query(ctx, p, prompt, opts)
			costs[i] = cost
			replies[i] = memberReply{name: name, resp: resp, err: err}
		}(i, name)
	}
	wg.Wait()
	var total float64
	for _, c := range costs {
		total += c
	}
	return replies, total
}

// RunCycle executes one full mission cycle: plan, execute, review, guardrail
// check, checkpoint. The stop flag is consulted at each phase boundary.
func (o *Orchestrator) RunCycle(ctx context.Context, state *domain.MissionState) error {
	switch state.Status {
	case domain.MissionCompleted, domain.MissionFailed:
		return fmt.Errorf("%w: %s", ErrMissionTerminal, state.Status)
	case domain.MissionPaused:
		return fmt.Errorf("mission %s is paused", state.MissionID)
	}

	if o.stopRequested(state.MissionID) {
		return o.pause(ctx, state, "stop_requested")
	}

	state.Status = domain.MissionPlanning
	o.Events.AppendDirect(ctx, "mission.cycle.started", state.MissionID, "mission", state.MissionID, "orchestrator", events.EventPayload{
		"cycle_index": state.IterationCount,
	})

	var cycleCost float64

	planSummary, planCost := o.planPhase(ctx, state)
	cycleCost += planCost

	if o.stopRequested(state.MissionID) {
		return o.pause(ctx, state, "stop_requested")
	}

	state.Status = domain.MissionExecuting
	pipe := workflow.Pipeline{
		Steps: o.Steps,
		Gap: func(ctx context.Context, capability, step string) error {
			cost, err := o.Provisioner.HandleGap(ctx, capability, step, state.MissionID)
			cycleCost += cost
			return err
		},
		Stop: func() bool { return o.stopRequested(state.MissionID) },
	}
	sum := pipe.Run(ctx, state.Objective, planSummary)
	cycleCost += sum.Cost
	if sum.Stopped {
		o.recordCycle(ctx, state, domain.CycleRecord{
			CycleIndex:      state.IterationCount,
			PlanSummary:     planSummary,
			WorkflowOutputs: sum.Outputs,
			CycleCost:       cycleCost,
			CycleRevenue:    sum.Revenue,
			Outcome:         domain.OutcomePaused,
			Timestamp:       o.timestamp(),
		}, sum.Revenue)
		return o.pause(ctx, state, "stop_requested")
	}

	if o.stopRequested(state.MissionID) {
		o.recordCycle(ctx, state, domain.CycleRecord{
			CycleIndex:      state.IterationCount,
			PlanSummary:     planSummary,
			WorkflowOutputs: sum.Outputs,
			CycleCost:       cycleCost,
			CycleRevenue:    sum.Revenue,
			Outcome:         domain.OutcomePaused,
			Timestamp:       o.timestamp(),
		}, sum.Revenue)
		return o.pause(ctx, state, "stop_requested")
	}

	state.Status = domain.MissionReviewing
	review, reviewCost := o.reviewPhase(ctx, state, sum, cycleCost)
	cycleCost += reviewCost

	outcome := domain.OutcomeSuccess
	for _, out := range sum.Outputs {
		if out.Status != workflow.StatusSuccess {
			outcome = domain.OutcomeFailure
			break
		}
	}
	if review.allSilent {
		outcome = domain.OutcomeFailure
	}

	o.recordCycle(ctx, state, domain.CycleRecord{
		CycleIndex:      state.IterationCount,
		PlanSummary:     planSummary,
		WorkflowOutputs: sum.Outputs,
		ReviewSummary:   review.summary,
		ContinueMission: review.continueMission,
		CycleCost:       cycleCost,
		CycleRevenue:    sum.Revenue,
		Outcome:         outcome,
		Timestamp:       o.timestamp(),
	}, sum.Revenue)

	return o.closeCycle(ctx, state, review)
}

// recordCycle appends the cycle record and advances the accumulators. The
// counters move here and after audited consensus rounds, never speculatively.
func (o *Orchestrator) recordCycle(ctx context.Context, state *domain.MissionState, rec domain.CycleRecord, revenue float64) {
	state.CycleHistory = append(state.CycleHistory, rec)
	state.CostAccumulated += rec.CycleCost
	state.RevenueAccumulated += revenue
	state.IterationCount++
	state.UpdatedAt = o.timestamp()
	o.Events.AppendDirect(ctx, "mission.cycle.recorded", state.MissionID, "cycle", fmt.Sprintf("%d", rec.CycleIndex), "orchestrator", events.EventPayload{
		"plan_summary":  rec.PlanSummary,
		"outcome":       rec.Outcome,
		"cycle_cost":    rec.CycleCost,
		"cycle_revenue": rec.CycleRevenue,
	})
	o.Log.Info().
		Str("mission_id", state.MissionID).
		Int("cycle_index", rec.CycleIndex).
		Str("outcome", rec.Outcome).
		Float64("cycle_cost", rec.CycleCost).
		Float64("cycle_revenue", rec.CycleRevenue).
		Msg("cycle recorded")
}

// closeCycle applies the guardrail and every terminal rule, then checkpoints.
func (o *Orchestrator) closeCycle(ctx context.Context, state *domain.MissionState, review reviewResult) error {
	if res := o.Guardrail.Evaluate(state.CostAccumulated, state.RevenueAccumulated); res.Violated {
		return o.pauseForPivot(ctx, state, res.Reason)
	}

	if o.loopDetected(state) {
		return o.fail(ctx, state, "unproductive_loop")
	}
	if o.consecutiveFailures(state) > o.Cfg.Mission.MaxConsecutiveFailures {
		return o.fail(ctx, state, "consecutive_failures")
	}

	if review.objectiveAchieved {
		return o.complete(ctx, state, "objective_achieved")
	}
	if state.RevenueAccumulated >= o.Cfg.Mission.SuccessRevenue {
		accepted, err := o.completionConsensus(ctx, state)
		if err != nil {
			o.Log.Warn().Str("mission_id", state.MissionID).Err(err).Msg("completion consensus failed")
		} else if accepted {
			return o.complete(ctx, state, "revenue_threshold")
		}
	}
	if !review.continueMission {
		return o.complete(ctx, state, "review_halt")
	}
	if state.IterationCount >= state.MaxIterations {
		return o.complete(ctx, state, "iteration_cap")
	}

	state.Status = domain.MissionPlanning
	return o.Store.Save(*state)
}

// completionConsensus puts mission completion itself to a unanimous vote once
// accumulated revenue crosses the success threshold.
func (o *Orchestrator) completionConsensus(ctx context.Context, state *domain.MissionState) (bool, error) {
	payload, _ := json.Marshal(map[string]any{
		"action":              "complete_mission",
		"revenue_accumulated": state.RevenueAccumulated,
	})
	prop := domain.Proposal{
		ID:        uuid.NewString(),
		MissionID: state.MissionID,
		Kind:      domain.ProposalStrategicPivot,
		Name:      "mission-completion",
		Payload:   string(payload),
		Status:    domain.ProposalPending,
		CreatedAt: o.timestamp(),
	}
	if err := o.Repo.InsertProposal(ctx, prop); err != nil {
		return false, err
	}
	ballot, cost, err := o.Consensus.Propose(ctx, prop)
	if err != nil {
		return false, err
	}
	state.CostAccumulated += cost
	return ballot.Accepted(), nil
}

// loopDetected reports whether the last loop-window cycles all failed with
// an identical plan summary.
func (o *Orchestrator) loopDetected(state *domain.MissionState) bool {
	n := o.Cfg.Mission.LoopWindow
	if n <= 0 || len(state.CycleHistory) < n {
		return false
	}
	tail := state.CycleHistory[len(state.CycleHistory)-n:]
	first := tail[0]
	if first.Outcome != domain.OutcomeFailure {
		return false
	}
	for _, rec := range tail[1:] {
		if rec.Outcome != domain.OutcomeFailure || rec.PlanSummary != first.PlanSummary {
			return false
		}
	}
	return true
}

func (o *Orchestrator) consecutiveFailures(state *domain.MissionState) int {
	n := 0
	for i := len(state.CycleHistory) - 1; i >= 0; i-- {
		if state.CycleHistory[i].Outcome != domain.OutcomeFailure {
			break
		}
		n++
	}
	return n
}

func (o *Orchestrator) pause(ctx context.Context, state *domain.MissionState, reason string) error {
	state.Status = domain.MissionPaused
	state.UpdatedAt = o.timestamp()
	if err := o.Store.Save(*state); err != nil {
		return err
	}
	o.Events.AppendDirect(ctx, "mission.paused", state.MissionID, "mission", state.MissionID, "orchestrator", events.EventPayload{
		"reason": reason,
	})
	o.Log.Info().Str("mission_id", state.MissionID).Str("reason", reason).Msg("mission paused")
	return nil
}

// pauseForPivot pauses the mission on a guardrail violation and files the
// strategic-pivot proposal whose acceptance is the only way back to Planning.
func (o *Orchestrator) pauseForPivot(ctx context.Context, state *domain.MissionState, reason string) error {
	payload, _ := json.Marshal(map[string]any{
		"action":  "reduce_spend_or_pivot",
		"reason":  reason,
		"cost":    state.CostAccumulated,
		"revenue": state.RevenueAccumulated,
	})
	prop := domain.Proposal{
		ID:        uuid.NewString(),
		MissionID: state.MissionID,
		Kind:      domain.ProposalStrategicPivot,
		Name:      "budget-pivot",
		Payload:   string(payload),
		Status:    domain.ProposalPending,
		CreatedAt: o.timestamp(),
	}
	if err := o.Repo.InsertProposal(ctx, prop); err != nil {
		return err
	}
	state.Status = domain.MissionPaused
	state.PendingProposalID = prop.ID
	state.UpdatedAt = o.timestamp()
	if err := o.Store.Save(*state); err != nil {
		return err
	}
	o.Events.AppendDirect(ctx, "guardrail.violation", state.MissionID, "mission", state.MissionID, "budget-guardrail", events.EventPayload{
		"reason":      reason,
		"proposal_id": prop.ID,
	})
	o.Log.Warn().Str("mission_id", state.MissionID).Str("reason", reason).Msg("guardrail violation, mission paused")
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, state *domain.MissionState, reason string) error {
	state.Status = domain.MissionFailed
	state.FailureReason = reason
	state.UpdatedAt = o.timestamp()
	if err := o.Store.Save(*state); err != nil {
		return err
	}
	o.Events.AppendDirect(ctx, "mission.failed", state.MissionID, "mission", state.MissionID, "orchestrator", events.EventPayload{
		"reason": reason,
	})
	o.Log.Warn().Str("mission_id", state.MissionID).Str("reason", reason).Msg("mission failed")
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, state *domain.MissionState, reason string) error {
	state.Status = domain.MissionCompleted
	state.UpdatedAt = o.timestamp()
	if err := o.Store.Save(*state); err != nil {
		return err
	}
	o.Events.AppendDirect(ctx, "mission.completed", state.MissionID, "mission", state.MissionID, "orchestrator", events.EventPayload{
		"reason":              reason,
		"revenue_accumulated": state.RevenueAccumulated,
		"cost_accumulated":    state.CostAccumulated,
	})
	o.Log.Info().Str("mission_id", state.MissionID).Str("reason", reason).Msg("mission completed")
	return nil
}

// planPhase synthesizes the next cycle's focus from the roster's concurrent
// answers. Unanimity adopts directly; disagreement defers to the tie-break
// role, then to roster order. If nobody produced a focus the previous plan
// carries over so the mission keeps moving rather than stalling.
func (o *Orchestrator) planPhase(ctx context.Context, state *domain.MissionState) (string, float64) {
	prompt := fmt.Sprintf(planPrompt, state.Objective, historyContext(state))
	replies, cost := o.queryAll(ctx, prompt)

	var focuses []memberReply
	for _, r := range replies {
		if r.err != nil {
			o.Log.Warn().Str("voter", r.name).Err(r.err).Msg("plan reply discarded")
			continue
		}
		if r.resp.Focus != "" {
			focuses = append(focuses, r)
		}
	}
	if len(focuses) == 0 {
		if n := len(state.CycleHistory); n > 0 {
			return state.CycleHistory[n-1].PlanSummary, cost
		}
		return strings.ToLower(state.Objective), cost
	}

	unanimous := true
	for _, r := range focuses[1:] {
		if r.resp.Focus != focuses[0].resp.Focus {
			unanimous = false
			break
		}
	}
	if unanimous {
		return focuses[0].resp.Focus, cost
	}

	for _, r := range focuses {
		if r.name == o.Cfg.Roster.TieBreakRole {
			return r.resp.Focus, cost
		}
	}
	return focuses[0].resp.Focus, cost
}

func historyContext(state *domain.MissionState) string {
	n := len(state.CycleHistory)
	if n == 0 {
		return ""
	}
	last := state.CycleHistory[n-1]
	return fmt.Sprintf("Previous cycle (%d of %d) focused on %q and ended in %s.\n\n",
		last.CycleIndex+1, state.MaxIterations, last.PlanSummary, last.Outcome)
}

type reviewResult struct {
	continueMission   bool
	objectiveAchieved bool
	allSilent         bool
	summary           string
}

// reviewPhase asks the roster whether to continue and whether the objective
// is achieved. Any explicit continue=false halts; objective_achieved needs
// unanimity among responders. A fully silent roster counts as a failed cycle
// but the mission keeps going; the consecutive-failure cap catches persistent
// outages.
func (o *Orchestrator) reviewPhase(ctx context.Context, state *domain.MissionState, sum workflow.Summary, cycleCost float64) (reviewResult, float64) {
	var steps strings.Builder
	for _, out := range sum.Outputs {
		fmt.Fprintf(&steps, "- %s: %s", out.Step, out.Status)
		if out.Error != "" {
			fmt.Fprintf(&steps, " (%s)", out.Error)
		}
		steps.WriteString("\n")
	}
	prompt := fmt.Sprintf(reviewPrompt, state.Objective, steps.String(), cycleCost, sum.Revenue, state.RevenueAccumulated+sum.Revenue)
	replies, cost := o.queryAll(ctx, prompt)

	res := reviewResult{continueMission: true, objectiveAchieved: true, allSilent: true}
	var rationales []string
	for _, r := range replies {
		if r.err != nil {
			o.Log.Warn().Str("voter", r.name).Err(r.err).Msg("review reply discarded")
			continue
		}
		if r.resp.ContinueMission == nil && r.resp.ObjectiveAchieved == nil {
			continue
		}
		res.allSilent = false
		if r.resp.ContinueMission != nil && !*r.resp.ContinueMission {
			res.continueMission = false
		}
		if r.resp.ObjectiveAchieved == nil || !*r.resp.ObjectiveAchieved {
			res.objectiveAchieved = false
		}
		if r.resp.Rationale != "" {
			rationales = append(rationales, fmt.Sprintf("%s: %s", r.name, r.resp.Rationale))
		}
	}
	if res.allSilent {
		res.continueMission = true
		res.objectiveAchieved = false
		res.summary = "no review responses received"
		return res, cost
	}
	res.summary = strings.Join(rationales, "; ")
	return res, cost
}
