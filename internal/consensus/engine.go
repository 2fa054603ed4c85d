// Package consensus implements the unanimous ballot gate through which every
// capability change and strategic pivot must pass.
package consensus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitchellfyi/launchonomy/internal/domain"
	"github.com/mitchellfyi/launchonomy/internal/events"
	"github.com/mitchellfyi/launchonomy/internal/participant"
	"github.com/mitchellfyi/launchonomy/internal/registry"
	"github.com/mitchellfyi/launchonomy/internal/repo"
)

// Engine gathers one vote per roster member and records the outcome
// atomically with any registry mutation it implies.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *registry.Service
	Roster   participant.Roster
	Query    participant.QueryOptions
	Log      zerolog.Logger
	Now      func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

const votePrompt = `A proposal requires your vote.

Kind: %s
Capability: %s
Details: %s

Vote "yes" only if you are confident this change is safe and useful for the
mission. Reply with a JSON object: {"vote": "yes"|"no"|"abstain", "rationale": "..."}.`

// Propose runs one consensus round: concurrent fan-out to every roster
// member, per-voter timeout, unanimous acceptance. A voter that times out,
// errors, or replies unparseably is recorded as no; confidence is never
// assumed. The returned cost is the total spent on voter queries.
//
// The ballot, the proposal status, and any registry mutation commit in a
// single transaction. If applying an accepted proposal fails, the ballot is
// recorded as rejected instead and the discrepancy is logged to the audit
// trail; registry and ballot are never left disagreeing.
func (e *Engine) Propose(ctx context.Context, p domain.Proposal) (domain.Ballot, float64, error) {
	names := e.Roster.Names()
	if len(names) == 0 {
		return domain.Ballot{}, 0, fmt.Errorf("propose %s: empty roster", p.ID)
	}
	prompt := fmt.Sprintf(votePrompt, p.Kind, p.Name, p.Payload)

	votes := make([]domain.Vote, len(names))
	costs := make([]float64, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			votes[i], costs[i] = e.collectVote(ctx, name, prompt)
		}(i, name)
	}
	wg.Wait()

	var total float64
	for _, c := range costs {
		total += c
	}

	outcome := decide(votes)
	ballot := domain.Ballot{
		ProposalID: p.ID,
		Votes:      votes,
		Outcome:    outcome,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}

	if err := e.record(ctx, p, &ballot); err != nil {
		return domain.Ballot{}, total, err
	}
	e.Log.Info().
		Str("proposal_id", p.ID).
		Str("kind", p.Kind).
		Str("outcome", ballot.Outcome).
		Msg("ballot recorded")
	return ballot, total, nil
}

// collectVote queries one voter. Every failure mode degrades to a recorded
// no vote with the failure as rationale.
func (e *Engine) collectVote(ctx context.Context, name, prompt string) (domain.Vote, float64) {
	p, ok := e.Roster.Participant(name)
	if !ok {
		return domain.Vote{Voter: name, Vote: domain.VoteNo, Rationale: "voter unavailable"}, 0
	}
	resp, cost, err := participant.Query(ctx, p, prompt, e.Query)
	if err != nil {
		e.Log.Warn().Str("voter", name).Err(err).Msg("vote defaulted to no")
		return domain.Vote{Voter: name, Vote: domain.VoteNo, Rationale: fmt.Sprintf("defaulted: %v", err)}, cost
	}
	vote := resp.Vote
	if vote == "" {
		vote = domain.VoteNo
	}
	return domain.Vote{Voter: name, Vote: vote, Rationale: resp.Rationale}, cost
}

// decide applies the unanimity rule: every non-abstaining vote must be yes,
// and at least one voter must actually say yes. An all-abstain round rejects.
func decide(votes []domain.Vote) string {
	sawYes := false
	for _, v := range votes {
		switch v.Vote {
		case domain.VoteYes:
			sawYes = true
		case domain.VoteAbstain:
		default:
			return domain.ProposalRejected
		}
	}
	if !sawYes {
		return domain.ProposalRejected
	}
	return domain.ProposalAccepted
}

func (e *Engine) record(ctx context.Context, p domain.Proposal, ballot *domain.Ballot) error {
	err := e.commit(ctx, p, *ballot)
	if err == nil {
		return nil
	}
	if !ballot.Accepted() {
		return fmt.Errorf("record ballot %s: %w", p.ID, err)
	}
	// Apply failed after acceptance. Nothing committed; re-record the
	// ballot as rejected so registry and ballot agree, and audit the
	// discrepancy.
	ballot.Outcome = domain.ProposalRejected
	if rerr := e.commit(ctx, p, *ballot); rerr != nil {
		return fmt.Errorf("record ballot %s: apply failed (%v) and rollback failed: %w", p.ID, err, rerr)
	}
	e.Events.AppendDirect(ctx, "consensus.apply.discrepancy", p.MissionID, "proposal", p.ID, "consensus-engine", events.EventPayload{
		"error": err.Error(),
	})
	e.Log.Error().Str("proposal_id", p.ID).Err(err).Msg("accepted ballot rolled back, apply failed")
	return nil
}

// commit writes proposal status, ballot, votes, the audit event, and on
// acceptance the registry mutation, in one transaction.
func (e *Engine) commit(ctx context.Context, p domain.Proposal, ballot domain.Ballot) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProposalStatusTx(ctx, tx, p.ID, ballot.Outcome); err != nil {
		return err
	}
	if err := e.Repo.InsertBallotTx(ctx, tx, ballot); err != nil {
		return err
	}
	rationale := make(map[string]string, len(ballot.Votes))
	tally := map[string]int{}
	for _, v := range ballot.Votes {
		rationale[v.Voter] = v.Rationale
		tally[v.Vote]++
	}
	if err := e.Events.Append(ctx, tx, "consensus.ballot.recorded", p.MissionID, "proposal", p.ID, "consensus-engine", events.EventPayload{
		"outcome":   ballot.Outcome,
		"tally":     tally,
		"rationale": rationale,
	}); err != nil {
		return err
	}
	if ballot.Accepted() {
		if err := e.Registry.ApplyTx(ctx, tx, p, "consensus-engine"); err != nil {
			return err
		}
	}
	return tx.Commit()
}
