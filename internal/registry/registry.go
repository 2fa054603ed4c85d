package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellfyi/launchonomy/internal/domain"
	"github.com/mitchellfyi/launchonomy/internal/events"
	"github.com/mitchellfyi/launchonomy/internal/repo"
)

// Service is the durable capability catalog. It is constructed once at
// mission-host startup and shared by reference; all mutations flow through
// the consensus engine's apply path, which makes this the sole writer.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) *Service {
	return &Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Get looks up a capability by name.
func (s *Service) Get(ctx context.Context, name string) (domain.RegistryEntry, error) {
	return s.Repo.GetEntry(ctx, name)
}

// List returns all catalog entries, retired ones included.
func (s *Service) List(ctx context.Context) ([]domain.RegistryEntry, error) {
	return s.Repo.ListEntries(ctx)
}

// Has reports whether a usable capability with the given name exists. Usable
// means a ballot has advanced the entry to active or certified; stubs and
// retired entries do not count, so nothing runs on a capability that was
// never approved.
func (s *Service) Has(ctx context.Context, name string) (bool, error) {
	e, err := s.Repo.GetEntry(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Status == domain.StatusActive || e.Status == domain.StatusCertified, nil
}

// InsertStub records a not-yet-approved capability. Stubs are visible in the
// catalog but are not usable until a ballot advances them.
func (s *Service) InsertStub(ctx context.Context, e domain.RegistryEntry, missionID, actorID string) error {
	now := s.now().UTC().Format(time.RFC3339)
	e.Status = domain.StatusStub
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Spec == "" {
		e.Spec = "{}"
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertEntryTx(ctx, tx, e); err != nil {
		return fmt.Errorf("insert stub %s: %w", e.Name, err)
	}
	if err := s.Events.Append(ctx, tx, "registry.stub.created", missionID, "registry_entry", e.Name, actorID, events.EventPayload{
		"kind":   e.Kind,
		"source": e.Source,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// EnsureFounding inserts a founding capability as certified if it does not
// already exist. Used for the fixed decision-participant roster at bootstrap;
// founding entries predate the consensus gate by definition.
func (s *Service) EnsureFounding(ctx context.Context, name, kind, spec, actorID string) error {
	if _, err := s.Repo.GetEntry(ctx, name); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339)
	e := domain.RegistryEntry{
		Name:      name,
		Kind:      kind,
		Spec:      spec,
		Status:    domain.StatusCertified,
		Source:    domain.SourceFounding,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if e.Spec == "" {
		e.Spec = "{}"
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertEntryTx(ctx, tx, e); err != nil {
		return fmt.Errorf("ensure founding %s: %w", name, err)
	}
	if err := s.Events.Append(ctx, tx, "registry.founding.added", "", "registry_entry", name, actorID, events.EventPayload{"kind": kind}); err != nil {
		return err
	}
	return tx.Commit()
}

// advance returns the next lifecycle status, enforcing stub -> active ->
// certified. Retired entries never advance.
func advance(status string) (string, error) {
	switch status {
	case domain.StatusStub:
		return domain.StatusActive, nil
	case domain.StatusActive:
		return domain.StatusCertified, nil
	default:
		return "", fmt.Errorf("status %s cannot advance", status)
	}
}

// ApplyTx applies an accepted proposal inside the caller's transaction. For
// capability proposals the named entry advances one lifecycle step; pivots
// touch no entries. The caller (the consensus engine) owns the transaction so
// the ballot and the mutation commit together or not at all.
func (s *Service) ApplyTx(ctx context.Context, tx *sql.Tx, p domain.Proposal, actorID string) error {
	switch p.Kind {
	case domain.ProposalNewAgent, domain.ProposalNewTool:
		e, err := s.Repo.GetEntry(ctx, p.Name)
		if err != nil {
			return fmt.Errorf("apply %s: %w", p.ID, err)
		}
		next, err := advance(e.Status)
		if err != nil {
			return fmt.Errorf("apply %s: %w", p.ID, err)
		}
		now := s.now().UTC().Format(time.RFC3339)
		if err := s.Repo.UpdateEntryStatusTx(ctx, tx, e.Name, next, now); err != nil {
			return fmt.Errorf("apply %s: %w", p.ID, err)
		}
		return s.Events.Append(ctx, tx, "registry.entry.advanced", p.MissionID, "registry_entry", e.Name, actorID, events.EventPayload{
			"from":        e.Status,
			"to":          next,
			"proposal_id": p.ID,
		})
	case domain.ProposalStrategicPivot:
		return s.Events.Append(ctx, tx, "registry.pivot.applied", p.MissionID, "proposal", p.ID, actorID, events.EventPayload{
			"payload": rawPayload(p.Payload),
		})
	default:
		return fmt.Errorf("apply %s: unknown proposal kind %s", p.ID, p.Kind)
	}
}

// Retire marks an entry retired. Entries are never deleted; rejected stubs
// stay in the catalog for audit.
func (s *Service) Retire(ctx context.Context, name, missionID, actorID, reason string) error {
	e, err := s.Repo.GetEntry(ctx, name)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateEntryStatusTx(ctx, tx, name, domain.StatusRetired, now); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "registry.entry.retired", missionID, "registry_entry", name, actorID, events.EventPayload{
		"from":   e.Status,
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func rawPayload(payload string) any {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return payload
	}
	return v
}
