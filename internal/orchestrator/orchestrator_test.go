package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitchellfyi/launchonomy/internal/config"
	"github.com/mitchellfyi/launchonomy/internal/consensus"
	"github.com/mitchellfyi/launchonomy/internal/db"
	"github.com/mitchellfyi/launchonomy/internal/domain"
	"github.com/mitchellfyi/launchonomy/internal/events"
	"github.com/mitchellfyi/launchonomy/internal/guardrail"
	"github.com/mitchellfyi/launchonomy/internal/migrate"
	"github.com/mitchellfyi/launchonomy/internal/mission"
	"github.com/mitchellfyi/launchonomy/internal/participant"
	"github.com/mitchellfyi/launchonomy/internal/provision"
	"github.com/mitchellfyi/launchonomy/internal/registry"
	"github.com/mitchellfyi/launchonomy/internal/repo"
	"github.com/mitchellfyi/launchonomy/internal/workflow"
)

// scriptedMember answers plan, review, and vote prompts from fixed fields.
type scriptedMember struct {
	name              string
	focus             string
	continueMission   bool
	objectiveAchieved bool
	vote              string
}

func (m *scriptedMember) Name() string { return m.name }

func (m *scriptedMember) Ask(ctx context.Context, prompt string) (string, float64, error) {
	var reply map[string]any
	switch {
	case strings.Contains(prompt, "requires your vote"):
		reply = map[string]any{"vote": m.vote}
	case strings.Contains(prompt, "Should the mission continue"):
		reply = map[string]any{
			"continue_mission":   m.continueMission,
			"objective_achieved": m.objectiveAchieved,
		}
	default:
		reply = map[string]any{"focus": m.focus}
	}
	b, _ := json.Marshal(reply)
	return string(b), 0.001, nil
}

func fixedStep(name string, res workflow.Result) workflow.Step {
	return workflow.FuncStep{StepName: name, Fn: func(ctx context.Context, in workflow.Input) workflow.Result {
		return res
	}}
}

func newTestOrchestrator(t *testing.T, members []participant.Participant, steps []workflow.Step) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	missionsDir, err := db.MissionsDir(dir)
	if err != nil {
		t.Fatalf("missions dir: %v", err)
	}

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }
	cfg := config.Default()
	roster := participant.NewStaticRoster(members...)
	cfg.Roster.Members = nil
	for _, name := range roster.Names() {
		cfg.Roster.Members = append(cfg.Roster.Members, config.RosterMember{Name: name, Role: "test"})
	}
	cfg.Roster.TieBreakRole = roster.Names()[0]
	cfg.Participants.AskTimeoutSeconds = 1

	reg := registry.New(conn)
	reg.Now = clock
	ev := events.Writer{DB: conn, Now: clock}
	rp := repo.Repo{DB: conn}
	cons := &consensus.Engine{
		DB:       conn,
		Repo:     rp,
		Events:   ev,
		Registry: reg,
		Roster:   roster,
		Query:    participant.QueryOptions{Timeout: time.Second},
		Log:      zerolog.Nop(),
		Now:      clock,
	}
	prov := &provision.Provisioner{
		Allow:     cfg.Provision.AllowPatterns,
		Deny:      cfg.Provision.DenyPatterns,
		Registry:  reg,
		Consensus: cons,
		Repo:      rp,
		Log:       zerolog.Nop(),
		Now:       clock,
	}
	return &Orchestrator{
		Cfg:         cfg,
		Store:       mission.NewStore(missionsDir, zerolog.Nop()),
		Registry:    reg,
		Consensus:   cons,
		Provisioner: prov,
		Roster:      roster,
		Steps:       steps,
		Guardrail:   guardrail.Guardrail{MaxCostRatio: cfg.Guardrail.MaxCostRatio, Epsilon: cfg.Guardrail.Epsilon},
		Events:      ev,
		Repo:        rp,
		Log:         zerolog.Nop(),
		Now:         clock,
	}
}

func happyRoster() []participant.Participant {
	return []participant.Participant{
		&scriptedMember{name: "CEO-Agent", focus: "launch newsletter", continueMission: true, vote: "yes"},
		&scriptedMember{name: "CRO-Agent", focus: "launch newsletter", continueMission: true, vote: "yes"},
		&scriptedMember{name: "CFO-Agent", focus: "launch newsletter", continueMission: true, vote: "yes"},
	}
}

func TestSuccessfulCycle(t *testing.T) {
	steps := []workflow.Step{
		fixedStep("scan", workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"niche": "dev tools"}, Cost: 0.5}),
		fixedStep("finance", workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"revenue": 100.0}, Cost: 0.5}),
	}
	o := newTestOrchestrator(t, happyRoster(), steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "reach first paying customer")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if state.Status != domain.MissionPlanning {
		t.Fatalf("status = %s, want planning", state.Status)
	}
	if state.IterationCount != 1 || len(state.CycleHistory) != 1 {
		t.Fatalf("iteration=%d history=%d", state.IterationCount, len(state.CycleHistory))
	}
	rec := state.CycleHistory[0]
	if rec.PlanSummary != "launch newsletter" {
		t.Fatalf("plan = %q", rec.PlanSummary)
	}
	if rec.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %s", rec.Outcome)
	}
	if state.RevenueAccumulated != 100.0 {
		t.Fatalf("revenue = %v", state.RevenueAccumulated)
	}
	if state.CostAccumulated <= 1.0 {
		t.Fatalf("cost = %v, should include steps plus participant queries", state.CostAccumulated)
	}
	// Founding roster was registered.
	e, err := o.Registry.Get(ctx, "CEO-Agent")
	if err != nil {
		t.Fatalf("roster entry: %v", err)
	}
	if e.Status != domain.StatusCertified || e.Source != domain.SourceFounding {
		t.Fatalf("roster entry = %+v", e)
	}
}

func TestGuardrailPausesAndPivotResumes(t *testing.T) {
	// Heavy spend, no revenue: ratio blows through the ceiling.
	steps := []workflow.Step{
		fixedStep("deploy", workflow.Result{Status: workflow.StatusSuccess, Cost: 50}),
	}
	o := newTestOrchestrator(t, happyRoster(), steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if state.Status != domain.MissionPaused {
		t.Fatalf("status = %s, want paused", state.Status)
	}
	if state.PendingProposalID == "" {
		t.Fatal("pivot proposal not filed")
	}
	prop, err := o.Repo.GetProposal(ctx, state.PendingProposalID)
	if err != nil {
		t.Fatalf("get pivot: %v", err)
	}
	if prop.Kind != domain.ProposalStrategicPivot {
		t.Fatalf("pivot kind = %s", prop.Kind)
	}

	// Running a paused mission is refused until the pivot passes.
	if err := o.RunCycle(ctx, &state); err == nil {
		t.Fatal("run cycle on paused mission must fail")
	}
	if err := o.Unpause(ctx, &state); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if state.Status != domain.MissionPlanning || state.PendingProposalID != "" {
		t.Fatalf("after unpause: status=%s pending=%q", state.Status, state.PendingProposalID)
	}
}

func TestUnpauseRejectedStaysPaused(t *testing.T) {
	roster := []participant.Participant{
		&scriptedMember{name: "CEO-Agent", focus: "x", continueMission: true, vote: "yes"},
		&scriptedMember{name: "CFO-Agent", focus: "x", continueMission: true, vote: "no"},
	}
	steps := []workflow.Step{fixedStep("deploy", workflow.Result{Status: workflow.StatusSuccess, Cost: 50})}
	o := newTestOrchestrator(t, roster, steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if state.Status != domain.MissionPaused {
		t.Fatalf("status = %s", state.Status)
	}
	if err := o.Unpause(ctx, &state); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if state.Status != domain.MissionPaused || state.PendingProposalID == "" {
		t.Fatalf("rejected pivot must stay paused: status=%s pending=%q", state.Status, state.PendingProposalID)
	}
}

func TestLoopDetectionFailsMission(t *testing.T) {
	steps := []workflow.Step{
		fixedStep("deploy", workflow.Result{Status: workflow.StatusError, Err: "build broken", Data: map[string]any{"revenue": 10.0}}),
	}
	o := newTestOrchestrator(t, happyRoster(), steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var lastErr error
	for i := 0; i < o.Cfg.Mission.LoopWindow && lastErr == nil; i++ {
		lastErr = o.RunCycle(ctx, &state)
	}
	if lastErr != nil {
		t.Fatalf("run cycles: %v", lastErr)
	}
	if state.Status != domain.MissionFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if state.FailureReason != "unproductive_loop" {
		t.Fatalf("reason = %q", state.FailureReason)
	}
	// Failed missions cannot be resumed.
	if _, err := o.Resume(ctx, state.MissionID); !errors.Is(err, ErrResumeFailed) {
		t.Fatalf("resume err = %v, want ErrResumeFailed", err)
	}
}

// wanderingMember proposes a different focus every planning round, so failed
// cycles never share a plan summary.
type wanderingMember struct {
	name  string
	plans int
}

func (m *wanderingMember) Name() string { return m.name }

func (m *wanderingMember) Ask(ctx context.Context, prompt string) (string, float64, error) {
	var reply map[string]any
	switch {
	case strings.Contains(prompt, "requires your vote"):
		reply = map[string]any{"vote": "yes"}
	case strings.Contains(prompt, "Should the mission continue"):
		reply = map[string]any{"continue_mission": true}
	default:
		m.plans++
		reply = map[string]any{"focus": fmt.Sprintf("angle %d", m.plans)}
	}
	b, _ := json.Marshal(reply)
	return string(b), 0.001, nil
}

func TestConsecutiveFailureCapFailsMission(t *testing.T) {
	steps := []workflow.Step{
		fixedStep("deploy", workflow.Result{Status: workflow.StatusError, Err: "build broken", Data: map[string]any{"revenue": 10.0}}),
	}
	o := newTestOrchestrator(t, []participant.Participant{&wanderingMember{name: "CEO-Agent"}}, steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	limit := o.Cfg.Mission.MaxConsecutiveFailures
	for i := 0; i <= limit && state.Status != domain.MissionFailed; i++ {
		if err := o.RunCycle(ctx, &state); err != nil {
			t.Fatalf("run cycle %d: %v", i, err)
		}
	}
	if state.Status != domain.MissionFailed {
		t.Fatalf("status = %s, want failed after %d straight failures", state.Status, limit+1)
	}
	if state.FailureReason != "consecutive_failures" {
		t.Fatalf("reason = %q", state.FailureReason)
	}
	// Distinct plan summaries kept this out of loop detection's reach.
	seen := map[string]bool{}
	for _, rec := range state.CycleHistory {
		if seen[rec.PlanSummary] {
			t.Fatalf("plan %q repeated, cap test must not overlap loop detection", rec.PlanSummary)
		}
		seen[rec.PlanSummary] = true
	}
}

// muteReviewer plans and votes but errors out of every review round.
type muteReviewer struct{ name string }

func (m *muteReviewer) Name() string { return m.name }

func (m *muteReviewer) Ask(ctx context.Context, prompt string) (string, float64, error) {
	switch {
	case strings.Contains(prompt, "requires your vote"):
		return `{"vote":"yes"}`, 0.001, nil
	case strings.Contains(prompt, "Should the mission continue"):
		return "", 0, errors.New("reviewer offline")
	default:
		return `{"focus":"launch newsletter"}`, 0.001, nil
	}
}

func TestSilentReviewFailsCycleNotMission(t *testing.T) {
	steps := []workflow.Step{
		fixedStep("finance", workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"revenue": 100.0}}),
	}
	roster := []participant.Participant{
		&muteReviewer{name: "CEO-Agent"},
		&muteReviewer{name: "CRO-Agent"},
	}
	o := newTestOrchestrator(t, roster, steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	rec := state.CycleHistory[0]
	if rec.Outcome != domain.OutcomeFailure {
		t.Fatalf("outcome = %s, silent review must fail the cycle", rec.Outcome)
	}
	if rec.ReviewSummary != "no review responses received" {
		t.Fatalf("review summary = %q", rec.ReviewSummary)
	}
	if state.Status != domain.MissionPlanning {
		t.Fatalf("status = %s, mission continues past a silent review", state.Status)
	}
}

func TestResumeIsVerbatim(t *testing.T) {
	steps := []workflow.Step{
		fixedStep("finance", workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"revenue": 100.0}, Cost: 1}),
	}
	o := newTestOrchestrator(t, happyRoster(), steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	resumed, err := o.Resume(ctx, state.MissionID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.IterationCount != state.IterationCount {
		t.Fatalf("iteration_count = %d, want %d", resumed.IterationCount, state.IterationCount)
	}
	if resumed.CostAccumulated != state.CostAccumulated || resumed.RevenueAccumulated != state.RevenueAccumulated {
		t.Fatalf("counters drifted: %+v vs %+v", resumed, state)
	}
	if len(resumed.CycleHistory) != len(state.CycleHistory) {
		t.Fatalf("history = %d, want %d", len(resumed.CycleHistory), len(state.CycleHistory))
	}
	// The next cycle picks up at the next index, never re-running cycle 0.
	if err := o.RunCycle(ctx, &resumed); err != nil {
		t.Fatalf("run cycle after resume: %v", err)
	}
	if resumed.CycleHistory[1].CycleIndex != 1 {
		t.Fatalf("cycle index = %d, want 1", resumed.CycleHistory[1].CycleIndex)
	}
}

func TestMissingCapabilityProvisionedAndRetried(t *testing.T) {
	calls := 0
	campaign := workflow.FuncStep{StepName: "campaign", Fn: func(ctx context.Context, in workflow.Input) workflow.Result {
		calls++
		if calls == 1 {
			return workflow.Result{Status: workflow.StatusMissingCapability, MissingCapability: "email-campaign-tool"}
		}
		return workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"revenue": 100.0}}
	}}
	o := newTestOrchestrator(t, happyRoster(), []workflow.Step{campaign})
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if calls != 2 {
		t.Fatalf("step calls = %d, want retry after provisioning", calls)
	}
	rec := state.CycleHistory[0]
	if rec.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %s", rec.Outcome)
	}
	e, err := o.Registry.Get(ctx, "email-campaign-tool")
	if err != nil {
		t.Fatalf("provisioned entry: %v", err)
	}
	if e.Status != domain.StatusActive {
		t.Fatalf("entry status = %s", e.Status)
	}
}

func TestRejectedGapRecordsFailedStep(t *testing.T) {
	roster := []participant.Participant{
		&scriptedMember{name: "CEO-Agent", focus: "x", continueMission: true, vote: "yes"},
		&scriptedMember{name: "CFO-Agent", focus: "x", continueMission: true, vote: "no"},
	}
	campaign := fixedStep("campaign", workflow.Result{Status: workflow.StatusMissingCapability, MissingCapability: "email-campaign-tool"})
	finance := fixedStep("finance", workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"revenue": 100.0}})
	o := newTestOrchestrator(t, roster, []workflow.Step{campaign, finance})
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	rec := state.CycleHistory[0]
	if rec.Outcome != domain.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", rec.Outcome)
	}
	if rec.WorkflowOutputs[0].Status != workflow.StatusError {
		t.Fatalf("campaign output = %+v", rec.WorkflowOutputs[0])
	}
	// The pipeline still ran the remaining step.
	if rec.WorkflowOutputs[1].Status != workflow.StatusSuccess {
		t.Fatalf("finance output = %+v", rec.WorkflowOutputs[1])
	}
	if state.Status != domain.MissionPlanning {
		t.Fatalf("status = %s, a failed step does not end the mission", state.Status)
	}
}

func TestObjectiveAchievedCompletes(t *testing.T) {
	roster := []participant.Participant{
		&scriptedMember{name: "CEO-Agent", focus: "x", continueMission: false, objectiveAchieved: true, vote: "yes"},
		&scriptedMember{name: "CRO-Agent", focus: "x", continueMission: false, objectiveAchieved: true, vote: "yes"},
	}
	steps := []workflow.Step{
		fixedStep("finance", workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"revenue": 100.0}}),
	}
	o := newTestOrchestrator(t, roster, steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if state.Status != domain.MissionCompleted {
		t.Fatalf("status = %s, want completed", state.Status)
	}
	if err := o.RunCycle(ctx, &state); !errors.Is(err, ErrMissionTerminal) {
		t.Fatalf("cycle on completed mission err = %v", err)
	}
}

func TestStopSignalPausesAtPhaseBoundary(t *testing.T) {
	steps := []workflow.Step{
		fixedStep("finance", workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"revenue": 100.0}}),
	}
	o := newTestOrchestrator(t, happyRoster(), steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o.RequestStop(state.MissionID)
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if state.Status != domain.MissionPaused {
		t.Fatalf("status = %s, want paused", state.Status)
	}
	if len(state.CycleHistory) != 0 {
		t.Fatalf("stop before planning must not record a cycle, history = %d", len(state.CycleHistory))
	}
	// Unpause without a pending pivot clears the stop and returns to planning.
	if err := o.Unpause(ctx, &state); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if state.Status != domain.MissionPlanning {
		t.Fatalf("status = %s", state.Status)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle after unpause: %v", err)
	}
	if state.IterationCount != 1 {
		t.Fatalf("iteration = %d", state.IterationCount)
	}
}

func TestRunUntilIterationCap(t *testing.T) {
	steps := []workflow.Step{
		fixedStep("finance", workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"revenue": 100.0}}),
	}
	o := newTestOrchestrator(t, happyRoster(), steps)
	o.Cfg.Mission.MaxIterations = 3
	o.Cfg.Mission.SuccessRevenue = 1e9
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	state.MaxIterations = 3
	if err := o.Run(ctx, &state); err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Status != domain.MissionCompleted {
		t.Fatalf("status = %s", state.Status)
	}
	if state.IterationCount != 3 {
		t.Fatalf("iterations = %d, want 3", state.IterationCount)
	}
}

func TestCompletionConsensusOnRevenueThreshold(t *testing.T) {
	steps := []workflow.Step{
		fixedStep("finance", workflow.Result{Status: workflow.StatusSuccess, Data: map[string]any{"revenue": 2000.0}}),
	}
	o := newTestOrchestrator(t, happyRoster(), steps)
	ctx := context.Background()

	state, err := o.Create(ctx, "objective")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.RunCycle(ctx, &state); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if state.Status != domain.MissionCompleted {
		t.Fatalf("status = %s, want completed via revenue consensus", state.Status)
	}
	props, err := o.Repo.ListProposals(ctx, state.MissionID)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	found := false
	for _, p := range props {
		if p.Name == "mission-completion" && p.Status == domain.ProposalAccepted {
			found = true
		}
	}
	if !found {
		t.Fatalf("completion proposal missing, proposals = %+v", props)
	}
}
