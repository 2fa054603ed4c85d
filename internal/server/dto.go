package server

import (
	"encoding/json"

	"github.com/mitchellfyi/launchonomy/internal/domain"
)

// Request payloads

type CreateMissionRequest struct {
	Objective string `json:"objective"`
}

// Response payloads

type StepOutputResponse struct {
	Step    string         `json:"step"`
	Status  string         `json:"status" enum:"success,error,missing_capability"`
	Data    map[string]any `json:"data,omitempty"`
	Cost    float64        `json:"cost"`
	Revenue float64        `json:"revenue"`
	Error   string         `json:"error,omitempty"`
}

type CycleRecordResponse struct {
	CycleIndex      int                  `json:"cycle_index"`
	PlanSummary     string               `json:"plan_summary"`
	WorkflowOutputs []StepOutputResponse `json:"workflow_outputs,omitempty"`
	ReviewSummary   string               `json:"review_summary,omitempty"`
	ContinueMission bool                 `json:"continue_mission"`
	CycleCost       float64              `json:"cycle_cost"`
	CycleRevenue    float64              `json:"cycle_revenue"`
	Outcome         string               `json:"outcome" enum:"success,failure,paused"`
	Timestamp       string               `json:"timestamp" format:"date-time"`
}

type MissionResponse struct {
	MissionID          string                `json:"mission_id"`
	Objective          string                `json:"objective"`
	Status             string                `json:"status" enum:"initialized,planning,executing,reviewing,paused,completed,failed"`
	CostAccumulated    float64               `json:"cost_accumulated"`
	RevenueAccumulated float64               `json:"revenue_accumulated"`
	CycleHistory       []CycleRecordResponse `json:"cycle_history,omitempty"`
	ParticipantRoster  []string              `json:"participant_roster"`
	IterationCount     int                   `json:"iteration_count"`
	MaxIterations      int                   `json:"max_iterations"`
	PendingProposalID  string                `json:"pending_proposal_id,omitempty"`
	FailureReason      string                `json:"failure_reason,omitempty"`
	CreatedAt          string                `json:"created_at" format:"date-time"`
	UpdatedAt          string                `json:"updated_at" format:"date-time"`
}

type MissionSummaryResponse struct {
	MissionID          string  `json:"mission_id"`
	Objective          string  `json:"objective"`
	Status             string  `json:"status"`
	CostAccumulated    float64 `json:"cost_accumulated"`
	RevenueAccumulated float64 `json:"revenue_accumulated"`
	IterationCount     int     `json:"iteration_count"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type RegistryEntryResponse struct {
	Name      string         `json:"name"`
	Kind      string         `json:"kind" enum:"agent,tool"`
	Spec      map[string]any `json:"spec,omitempty"`
	Status    string         `json:"status" enum:"stub,active,certified,retired"`
	Source    string         `json:"source" enum:"founding,manual,auto-provisioned"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type ProposalResponse struct {
	ID         string         `json:"id"`
	MissionID  string         `json:"mission_id,omitempty"`
	Kind       string         `json:"kind" enum:"new_agent,new_tool,strategic_pivot"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	Triviality float64        `json:"triviality_score"`
	Status     string         `json:"status" enum:"pending,accepted,rejected"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func missionResponse(s domain.MissionState) MissionResponse {
	resp := MissionResponse{
		MissionID:          s.MissionID,
		Objective:          s.Objective,
		Status:             s.Status,
		CostAccumulated:    s.CostAccumulated,
		RevenueAccumulated: s.RevenueAccumulated,
		ParticipantRoster:  s.ParticipantRoster,
		IterationCount:     s.IterationCount,
		MaxIterations:      s.MaxIterations,
		PendingProposalID:  s.PendingProposalID,
		FailureReason:      s.FailureReason,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
	for _, rec := range s.CycleHistory {
		resp.CycleHistory = append(resp.CycleHistory, cycleRecordResponse(rec))
	}
	return resp
}

func missionSummaryResponse(s domain.MissionState) MissionSummaryResponse {
	return MissionSummaryResponse{
		MissionID:          s.MissionID,
		Objective:          s.Objective,
		Status:             s.Status,
		CostAccumulated:    s.CostAccumulated,
		RevenueAccumulated: s.RevenueAccumulated,
		IterationCount:     s.IterationCount,
		UpdatedAt:          s.UpdatedAt,
	}
}

func cycleRecordResponse(rec domain.CycleRecord) CycleRecordResponse {
	resp := CycleRecordResponse{
		CycleIndex:      rec.CycleIndex,
		PlanSummary:     rec.PlanSummary,
		ReviewSummary:   rec.ReviewSummary,
		ContinueMission: rec.ContinueMission,
		CycleCost:       rec.CycleCost,
		CycleRevenue:    rec.CycleRevenue,
		Outcome:         rec.Outcome,
		Timestamp:       rec.Timestamp,
	}
	for _, out := range rec.WorkflowOutputs {
		resp.WorkflowOutputs = append(resp.WorkflowOutputs, StepOutputResponse{
			Step:    out.Step,
			Status:  out.Status,
			Data:    out.Data,
			Cost:    out.Cost,
			Revenue: out.Revenue,
			Error:   out.Error,
		})
	}
	return resp
}

func registryEntryResponse(e domain.RegistryEntry) RegistryEntryResponse {
	return RegistryEntryResponse{
		Name:      e.Name,
		Kind:      e.Kind,
		Spec:      jsonObject(e.Spec),
		Status:    e.Status,
		Source:    e.Source,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:         p.ID,
		MissionID:  p.MissionID,
		Kind:       p.Kind,
		Name:       p.Name,
		Payload:    jsonObject(p.Payload),
		Triviality: p.Triviality,
		Status:     p.Status,
		CreatedAt:  p.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		MissionID:  e.MissionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    jsonObject(e.Payload),
	}
}

func jsonObject(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"raw": raw}
	}
	return m
}
