package domain

// Mission status values. Transitions are owned by the orchestrator's state
// machine; nothing else writes MissionState.Status.
const (
	MissionInitialized = "initialized"
	MissionPlanning    = "planning"
	MissionExecuting   = "executing"
	MissionReviewing   = "reviewing"
	MissionPaused      = "paused"
	MissionCompleted   = "completed"
	MissionFailed      = "failed"
)

// Cycle outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePaused  = "paused"
)

// Proposal kinds and statuses.
const (
	ProposalNewAgent       = "new_agent"
	ProposalNewTool        = "new_tool"
	ProposalStrategicPivot = "strategic_pivot"

	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"
)

// Registry entry kinds, lifecycle statuses and provenance.
const (
	EntryAgent = "agent"
	EntryTool  = "tool"

	StatusStub      = "stub"
	StatusActive    = "active"
	StatusCertified = "certified"
	StatusRetired   = "retired"

	SourceFounding        = "founding"
	SourceManual          = "manual"
	SourceAutoProvisioned = "auto-provisioned"
)

// Vote values recorded on a ballot.
const (
	VoteYes     = "yes"
	VoteNo      = "no"
	VoteAbstain = "abstain"
)

// MissionState is the root aggregate for one mission. It is mutated only by
// the orchestrator and persisted via the checkpoint store.
type MissionState struct {
	MissionID          string        `json:"mission_id"`
	Objective          string        `json:"objective"`
	Status             string        `json:"status"`
	CostAccumulated    float64       `json:"cost_accumulated"`
	RevenueAccumulated float64       `json:"revenue_accumulated"`
	CycleHistory       []CycleRecord `json:"cycle_history"`
	ParticipantRoster  []string      `json:"participant_roster"`
	IterationCount     int           `json:"iteration_count"`
	MaxIterations      int           `json:"max_iterations"`
	PendingProposalID  string        `json:"pending_proposal_id,omitempty"`
	FailureReason      string        `json:"failure_reason,omitempty"`
	CreatedAt          string        `json:"created_at"`
	UpdatedAt          string        `json:"updated_at"`
}

// CycleRecord is one iteration's artifact, immutable once appended.
type CycleRecord struct {
	CycleIndex      int          `json:"cycle_index"`
	PlanSummary     string       `json:"plan_summary"`
	WorkflowOutputs []StepOutput `json:"workflow_outputs"`
	ReviewSummary   string       `json:"review_summary"`
	ContinueMission bool         `json:"continue_mission"`
	CycleCost       float64      `json:"cycle_cost"`
	CycleRevenue    float64      `json:"cycle_revenue"`
	Outcome         string       `json:"outcome"`
	Timestamp       string       `json:"timestamp"`
}

// StepOutput records one workflow step's result within a cycle, in pipeline
// order.
type StepOutput struct {
	Step    string         `json:"step"`
	Status  string         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
	Cost    float64        `json:"cost"`
	Revenue float64        `json:"revenue"`
	Error   string         `json:"error,omitempty"`
}

// Proposal is a candidate registry mutation or strategic pivot awaiting
// consensus.
type Proposal struct {
	ID         string  `json:"id"`
	MissionID  string  `json:"mission_id,omitempty"`
	Kind       string  `json:"kind"`
	Name       string  `json:"name"`
	Payload    string  `json:"payload"`
	Triviality float64 `json:"triviality_score"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
}

// Vote is one voter's recorded position on a proposal.
type Vote struct {
	Voter     string `json:"voter"`
	Vote      string `json:"vote"`
	Rationale string `json:"rationale,omitempty"`
}

// Ballot is the audit record of one consensus round. Created once, never
// mutated.
type Ballot struct {
	ProposalID string `json:"proposal_id"`
	Votes      []Vote `json:"votes"`
	Outcome    string `json:"outcome"`
	CreatedAt  string `json:"created_at"`
}

// Accepted reports whether the ballot carried.
func (b Ballot) Accepted() bool { return b.Outcome == ProposalAccepted }

// RegistryEntry is one named capability in the durable catalog.
type RegistryEntry struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Spec      string `json:"spec"`
	Status    string `json:"status"`
	Source    string `json:"source"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Event is one row of the append-only audit trail.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
