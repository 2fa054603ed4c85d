package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mitchellfyi/launchonomy/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- registry entries ---

func scanEntry(row *sql.Row) (domain.RegistryEntry, error) {
	var e domain.RegistryEntry
	err := row.Scan(&e.Name, &e.Kind, &e.Spec, &e.Status, &e.Source, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) GetEntry(ctx context.Context, name string) (domain.RegistryEntry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx,
		`SELECT name,kind,spec_json,status,source,created_at,updated_at FROM registry_entries WHERE name=?`, name))
}

func (r Repo) InsertEntryTx(ctx context.Context, tx *sql.Tx, e domain.RegistryEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO registry_entries(name,kind,spec_json,status,source,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		e.Name, e.Kind, e.Spec, e.Status, e.Source, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) UpdateEntryStatusTx(ctx context.Context, tx *sql.Tx, name, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE registry_entries SET status=?, updated_at=? WHERE name=?`, status, updatedAt, name)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListEntries(ctx context.Context) ([]domain.RegistryEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT name,kind,spec_json,status,source,created_at,updated_at FROM registry_entries ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RegistryEntry
	for rows.Next() {
		var e domain.RegistryEntry
		if err := rows.Scan(&e.Name, &e.Kind, &e.Spec, &e.Status, &e.Source, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- proposals ---

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO proposals(id,mission_id,kind,name,payload_json,triviality,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, nullable(p.MissionID), p.Kind, p.Name, p.Payload, p.Triviality, p.Status, p.CreatedAt)
	return err
}

func (r Repo) InsertProposal(ctx context.Context, p domain.Proposal) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertProposalTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpdateProposalStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProposalStatus(ctx context.Context, id, status string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpdateProposalStatusTx(ctx, tx, id, status); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	var p domain.Proposal
	var missionID sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,mission_id,kind,name,payload_json,triviality,status,created_at FROM proposals WHERE id=?`, id).
		Scan(&p.ID, &missionID, &p.Kind, &p.Name, &p.Payload, &p.Triviality, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if missionID.Valid {
		p.MissionID = missionID.String
	}
	return p, err
}

func (r Repo) ListProposals(ctx context.Context, missionID string) ([]domain.Proposal, error) {
	query := `SELECT id,mission_id,kind,name,payload_json,triviality,status,created_at FROM proposals ORDER BY created_at DESC`
	args := []any{}
	if missionID != "" {
		query = `SELECT id,mission_id,kind,name,payload_json,triviality,status,created_at FROM proposals WHERE mission_id=? ORDER BY created_at DESC`
		args = append(args, missionID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		var mid sql.NullString
		if err := rows.Scan(&p.ID, &mid, &p.Kind, &p.Name, &p.Payload, &p.Triviality, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		if mid.Valid {
			p.MissionID = mid.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- ballots ---

func (r Repo) InsertBallotTx(ctx context.Context, tx *sql.Tx, b domain.Ballot) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ballots(proposal_id,outcome,created_at) VALUES (?,?,?)`,
		b.ProposalID, b.Outcome, b.CreatedAt); err != nil {
		return err
	}
	for _, v := range b.Votes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO votes(proposal_id,voter,vote,rationale) VALUES (?,?,?,?)`,
			b.ProposalID, v.Voter, v.Vote, nullable(v.Rationale)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetBallot(ctx context.Context, proposalID string) (domain.Ballot, error) {
	var b domain.Ballot
	err := r.DB.QueryRowContext(ctx,
		`SELECT proposal_id,outcome,created_at FROM ballots WHERE proposal_id=?`, proposalID).
		Scan(&b.ProposalID, &b.Outcome, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT voter,vote,COALESCE(rationale,'') FROM votes WHERE proposal_id=? ORDER BY voter`, proposalID)
	if err != nil {
		return b, err
	}
	defer rows.Close()
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.Voter, &v.Vote, &v.Rationale); err != nil {
			return b, err
		}
		b.Votes = append(b.Votes, v)
	}
	return b, rows.Err()
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, missionID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(mission_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if missionID != "" {
		query = `SELECT id,ts,type,COALESCE(mission_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE mission_id=? ORDER BY id DESC LIMIT ?`
		args = []any{missionID, limit}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.MissionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
