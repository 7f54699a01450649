package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"gantry/internal/domain"
)

// ErrDuplicatePendingProposal is returned when a ticket already has an
// unresolved proposal. First-proposer-wins; the second request is rejected,
// never queued or merged.
var ErrDuplicatePendingProposal = errors.New("ticket already has a pending proposal")

// ErrAlreadyResolved is returned when resolving a proposal that is no longer
// pending. Deliberately not idempotent: a silent success here could
// double-apply a ticket mutation.
var ErrAlreadyResolved = errors.New("proposal already resolved")

const proposalColumns = `id,account_id,ticket_id,project_id,proposed_by,from_status,to_status,status,resolved_by,rejection_reason,created_at,resolved_at`

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var resolvedBy, reason, resolvedAt sql.NullString
	err := scan(&p.ID, &p.AccountID, &p.TicketID, &p.ProjectID, &p.ProposedBy,
		&p.FromStatus, &p.ToStatus, &p.Status, &resolvedBy, &reason, &p.CreatedAt, &resolvedAt)
	if err != nil {
		return p, err
	}
	if resolvedBy.Valid {
		p.ResolvedBy = &resolvedBy.String
	}
	if reason.Valid {
		p.RejectionReason = &reason.String
	}
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.String
	}
	return p, nil
}

// InsertProposal records a pending proposal. The proposals_one_pending partial
// unique index is the authoritative duplicate check: when two creations race,
// exactly one commits and the other surfaces ErrDuplicatePendingProposal.
func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,account_id,ticket_id,project_id,proposed_by,from_status,to_status,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.AccountID, p.TicketID, p.ProjectID, p.ProposedBy, p.FromStatus, p.ToStatus, p.Status, p.CreatedAt)
	if err != nil && isPendingUniqueViolation(err) {
		return ErrDuplicatePendingProposal
	}
	return err
}

func isPendingUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "proposals_one_pending") ||
		(strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "proposals"))
}

func (r Repo) GetProposal(ctx context.Context, accountID, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE account_id=? AND id=?`, accountID, id)
	p, err := scanProposal(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, accountID, id string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE account_id=? AND id=?`, accountID, id)
	p, err := scanProposal(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// PendingProposalForTicket returns the ticket's unresolved proposal, if any.
func (r Repo) PendingProposalForTicket(ctx context.Context, tx *sql.Tx, accountID, ticketID string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE account_id=? AND ticket_id=? AND status='pending'`, accountID, ticketID)
	p, err := scanProposal(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

type ProposalFilters struct {
	AccountID       string
	ProjectID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListPendingProposals returns unresolved proposals; resolved rows stay in
// the table for audit but never appear here.
func (r Repo) ListPendingProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	clauses := []string{"account_id=?", "status='pending'"}
	args := []any{f.AccountID}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListProposalsForTicket returns the ticket's full proposal history, newest
// first, resolved rows included.
func (r Repo) ListProposalsForTicket(ctx context.Context, accountID, ticketID string) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE account_id=? AND ticket_id=? ORDER BY created_at DESC, id DESC`, accountID, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MarkProposalResolved flips a pending proposal exactly once. The WHERE
// status='pending' guard makes the second resolver lose: zero rows affected
// becomes ErrAlreadyResolved (or ErrNotFound if the id is unknown).
func (r Repo) MarkProposalResolved(ctx context.Context, tx *sql.Tx, accountID, id, outcome, resolvedBy, reason, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, resolved_by=?, rejection_reason=?, resolved_at=? WHERE account_id=? AND id=? AND status='pending'`,
		outcome, resolvedBy, nullable(reason), resolvedAt, accountID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var existing string
	err = tx.QueryRowContext(ctx, `SELECT status FROM proposals WHERE account_id=? AND id=?`, accountID, id).Scan(&existing)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyResolved
}
