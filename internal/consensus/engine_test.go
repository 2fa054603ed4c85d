package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitchellfyi/launchonomy/internal/db"
	"github.com/mitchellfyi/launchonomy/internal/domain"
	"github.com/mitchellfyi/launchonomy/internal/events"
	"github.com/mitchellfyi/launchonomy/internal/migrate"
	"github.com/mitchellfyi/launchonomy/internal/participant"
	"github.com/mitchellfyi/launchonomy/internal/registry"
	"github.com/mitchellfyi/launchonomy/internal/repo"
)

type fixedVoter struct {
	name  string
	reply string
	cost  float64
	err   error
	delay time.Duration
}

func (v fixedVoter) Name() string { return v.name }

func (v fixedVoter) Ask(ctx context.Context, prompt string) (string, float64, error) {
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
	return v.reply, v.cost, v.err
}

type testEnv struct {
	engine *Engine
	repo   repo.Repo
	reg    *registry.Service
	ctx    context.Context
}

func newTestEnv(t *testing.T, voters ...participant.Participant) testEnv {
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
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := registry.New(conn)
	reg.Now = func() time.Time { return fixed }
	eng := &Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn, Now: func() time.Time { return fixed }},
		Registry: reg,
		Roster:   participant.NewStaticRoster(voters...),
		Query:    participant.QueryOptions{Timeout: 100 * time.Millisecond},
		Log:      zerolog.Nop(),
		Now:      func() time.Time { return fixed },
	}
	return testEnv{engine: eng, repo: repo.Repo{DB: conn}, reg: reg, ctx: context.Background()}
}

func (env testEnv) seedToolProposal(t *testing.T) domain.Proposal {
	t.Helper()
	err := env.reg.InsertStub(env.ctx, domain.RegistryEntry{
		Name:   "email-notification-tool",
		Kind:   domain.EntryTool,
		Spec:   `{"contract":"send"}`,
		Source: domain.SourceAutoProvisioned,
	}, "m-1", "auto-provisioner")
	if err != nil {
		t.Fatalf("insert stub: %v", err)
	}
	p := domain.Proposal{
		ID:        "prop-1",
		MissionID: "m-1",
		Kind:      domain.ProposalNewTool,
		Name:      "email-notification-tool",
		Payload:   `{"reason":"campaign step needs email"}`,
		Status:    domain.ProposalPending,
		CreatedAt: "2026-03-01T12:00:00Z",
	}
	if err := env.repo.InsertProposal(env.ctx, p); err != nil {
		t.Fatalf("insert proposal: %v", err)
	}
	return p
}

func TestUnanimousYesAdvancesEntry(t *testing.T) {
	env := newTestEnv(t,
		fixedVoter{name: "ceo-agent", reply: `{"vote":"yes"}`, cost: 0.01},
		fixedVoter{name: "cro-agent", reply: `{"vote":"yes"}`, cost: 0.01},
		fixedVoter{name: "cfo-agent", reply: `{"vote":"abstain","rationale":"not my area"}`, cost: 0.01},
	)
	p := env.seedToolProposal(t)
	ballot, cost, err := env.engine.Propose(env.ctx, p)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !ballot.Accepted() {
		t.Fatalf("outcome = %s", ballot.Outcome)
	}
	if cost < 0.029 || cost > 0.031 {
		t.Fatalf("cost = %v", cost)
	}
	e, err := env.reg.Get(env.ctx, "email-notification-tool")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if e.Status != domain.StatusActive {
		t.Fatalf("entry status = %s, want active", e.Status)
	}
	stored, err := env.repo.GetProposal(env.ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if stored.Status != domain.ProposalAccepted {
		t.Fatalf("proposal status = %s", stored.Status)
	}
}

func TestSingleNoRejectsAndStubRemains(t *testing.T) {
	env := newTestEnv(t,
		fixedVoter{name: "ceo-agent", reply: `{"vote":"yes"}`},
		fixedVoter{name: "cro-agent", reply: `{"vote":"yes"}`},
		fixedVoter{name: "cfo-agent", reply: `{"vote":"no","rationale":"too risky"}`},
	)
	p := env.seedToolProposal(t)
	ballot, _, err := env.engine.Propose(env.ctx, p)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if ballot.Accepted() {
		t.Fatal("2 yes 1 no must reject")
	}
	e, err := env.reg.Get(env.ctx, "email-notification-tool")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if e.Status != domain.StatusStub {
		t.Fatalf("entry status = %s, want stub", e.Status)
	}
}

func TestTimeoutDefaultsToNo(t *testing.T) {
	env := newTestEnv(t,
		fixedVoter{name: "ceo-agent", reply: `{"vote":"yes"}`},
		fixedVoter{name: "cto-agent", reply: `{"vote":"yes"}`, delay: 500 * time.Millisecond},
	)
	p := env.seedToolProposal(t)
	ballot, _, err := env.engine.Propose(env.ctx, p)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if ballot.Accepted() {
		t.Fatal("timed-out voter must count as no")
	}
	for _, v := range ballot.Votes {
		if v.Voter == "cto-agent" && v.Vote != domain.VoteNo {
			t.Fatalf("cto-agent vote = %s, want no", v.Vote)
		}
	}
}

func TestErrorAndMalformedDefaultToNo(t *testing.T) {
	env := newTestEnv(t,
		fixedVoter{name: "ceo-agent", reply: `{"vote":"yes"}`},
		fixedVoter{name: "cro-agent", err: errors.New("connection refused")},
		fixedVoter{name: "cfo-agent", reply: "I approve wholeheartedly"},
	)
	p := env.seedToolProposal(t)
	ballot, _, err := env.engine.Propose(env.ctx, p)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if ballot.Accepted() {
		t.Fatal("erroring and malformed voters must count as no")
	}
	byVoter := map[string]string{}
	for _, v := range ballot.Votes {
		byVoter[v.Voter] = v.Vote
	}
	if byVoter["cro-agent"] != domain.VoteNo || byVoter["cfo-agent"] != domain.VoteNo {
		t.Fatalf("votes = %v", byVoter)
	}
}

func TestAllAbstainRejects(t *testing.T) {
	env := newTestEnv(t,
		fixedVoter{name: "ceo-agent", reply: `{"vote":"abstain"}`},
		fixedVoter{name: "cro-agent", reply: `{"vote":"abstain"}`},
	)
	p := env.seedToolProposal(t)
	ballot, _, err := env.engine.Propose(env.ctx, p)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if ballot.Accepted() {
		t.Fatal("all-abstain round must not expand capabilities")
	}
}

func TestBallotPersistedWithVotes(t *testing.T) {
	env := newTestEnv(t,
		fixedVoter{name: "ceo-agent", reply: `{"vote":"yes","rationale":"fits the focus"}`},
	)
	p := env.seedToolProposal(t)
	if _, _, err := env.engine.Propose(env.ctx, p); err != nil {
		t.Fatalf("propose: %v", err)
	}
	ballot, err := env.repo.GetBallot(env.ctx, p.ID)
	if err != nil {
		t.Fatalf("get ballot: %v", err)
	}
	if len(ballot.Votes) != 1 || ballot.Votes[0].Rationale != "fits the focus" {
		t.Fatalf("ballot = %+v", ballot)
	}
	evts, err := env.repo.ListEvents(env.ctx, "m-1", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, e := range evts {
		if e.Type == "consensus.ballot.recorded" {
			found = true
		}
	}
	if !found {
		t.Fatal("ballot event missing from audit trail")
	}
}
