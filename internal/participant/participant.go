// Package participant defines the decision-participant contract: an opaque
// capability that accepts a prompt and returns a structured response plus the
// cost of producing it.
package participant

import "context"

// Participant is one named decision-making capability on the mission roster.
// Ask returns the raw reply text and its cost; parsing into a structured
// response is the caller's concern (see Query).
type Participant interface {
	Name() string
	Ask(ctx context.Context, prompt string) (string, float64, error)
}

// Response is the structured form every roster reply is parsed into. Fields
// are optional by phase: planning fills Focus, review fills ContinueMission
// and ObjectiveAchieved, consensus rounds fill Vote.
type Response struct {
	Focus             string `json:"focus,omitempty"`
	Vote              string `json:"vote,omitempty"`
	ContinueMission   *bool  `json:"continue_mission,omitempty"`
	ObjectiveAchieved *bool  `json:"objective_achieved,omitempty"`
	Rationale         string `json:"rationale,omitempty"`

	// Raw preserves the reply text for the audit trail.
	Raw string `json:"-"`
}

// Roster resolves roster member names to participants.
type Roster interface {
	Participant(name string) (Participant, bool)
	Names() []string
}

// StaticRoster is a fixed name->participant mapping with stable order.
type StaticRoster struct {
	order   []string
	members map[string]Participant
}

func NewStaticRoster(members ...Participant) *StaticRoster {
	r := &StaticRoster{members: make(map[string]Participant, len(members))}
	for _, m := range members {
		if _, ok := r.members[m.Name()]; ok {
			continue
		}
		r.order = append(r.order, m.Name())
		r.members[m.Name()] = m
	}
	return r
}

func (r *StaticRoster) Participant(name string) (Participant, bool) {
	p, ok := r.members[name]
	return p, ok
}

func (r *StaticRoster) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
