package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gantry/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertAccount(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,name,created_at) VALUES (?,?,?)`,
		a.ID, a.Name, a.CreatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM accounts WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// EnsureUser inserts the user on first sight and leaves existing rows alone,
// so a repeat login never clobbers an admin-assigned role.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,account_id,role,specialization,retired,created_at) VALUES (?,?,?,?,0,?)`,
		u.ID, u.AccountID, u.Role, nullable(u.Specialization), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, accountID, id string) (domain.User, error) {
	var u domain.User
	var spec sql.NullString
	var retired int
	err := r.DB.QueryRowContext(ctx, `SELECT id,account_id,role,specialization,retired,created_at FROM users WHERE account_id=? AND id=?`, accountID, id).
		Scan(&u.ID, &u.AccountID, &u.Role, &spec, &retired, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if spec.Valid {
		u.Specialization = spec.String
	}
	u.Retired = retired != 0
	return u, nil
}

func (r Repo) UpdateUserRole(ctx context.Context, tx *sql.Tx, accountID, id, role string) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET role=? WHERE account_id=? AND id=?`, role, accountID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateUserSpecialization(ctx context.Context, tx *sql.Tx, accountID, id, specialization string) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET specialization=? WHERE account_id=? AND id=?`, nullable(specialization), accountID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetireUser soft-retains the row; users are never deleted.
func (r Repo) RetireUser(ctx context.Context, tx *sql.Tx, accountID, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET retired=1 WHERE account_id=? AND id=?`, accountID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUsers(ctx context.Context, accountID string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,account_id,role,specialization,retired,created_at FROM users WHERE account_id=? ORDER BY created_at ASC, id ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var spec sql.NullString
		var retired int
		if err := rows.Scan(&u.ID, &u.AccountID, &u.Role, &spec, &retired, &u.CreatedAt); err != nil {
			return nil, err
		}
		if spec.Valid {
			u.Specialization = spec.String
		}
		u.Retired = retired != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,account_id,name,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.AccountID, p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, accountID, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,account_id,name,description,created_at FROM projects WHERE account_id=? AND id=?`, accountID, id).
		Scan(&p.ID, &p.AccountID, &p.Name, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, accountID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,account_id,name,description,created_at FROM projects WHERE account_id=? ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tickets(id,account_id,project_id,title,body,status,priority,assignee_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AccountID, t.ProjectID, t.Title, nullable(t.Body), t.Status,
		nullableIntPtr(t.Priority), nullableStringPtr(t.AssigneeID), t.CreatedAt, t.UpdatedAt)
	return err
}

const ticketColumns = `id,account_id,project_id,title,body,status,priority,assignee_id,created_at,updated_at`

func scanTicket(scan func(dest ...any) error) (domain.Ticket, error) {
	var t domain.Ticket
	var body, assignee sql.NullString
	var priority sql.NullInt64
	err := scan(&t.ID, &t.AccountID, &t.ProjectID, &t.Title, &body, &t.Status, &priority, &assignee, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if body.Valid {
		t.Body = body.String
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	return t, nil
}

func (r Repo) GetTicket(ctx context.Context, accountID, id string) (domain.Ticket, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE account_id=? AND id=?`, accountID, id)
	t, err := scanTicket(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTicketTx(ctx context.Context, tx *sql.Tx, accountID, id string) (domain.Ticket, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE account_id=? AND id=?`, accountID, id)
	t, err := scanTicket(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// UpdateTicketStatus is the single-row transactional write both mutation
// paths (direct apply and approval) funnel through.
func (r Repo) UpdateTicketStatus(ctx context.Context, tx *sql.Tx, accountID, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET status=?, updated_at=? WHERE account_id=? AND id=?`,
		status, updatedAt, accountID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET title=?, body=?, status=?, priority=?, assignee_id=?, updated_at=? WHERE account_id=? AND id=?`,
		t.Title, nullable(t.Body), t.Status, nullableIntPtr(t.Priority), nullableStringPtr(t.AssigneeID), t.UpdatedAt, t.AccountID, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TicketFilters struct {
	AccountID       string
	ProjectID       string
	Status          string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTickets(ctx context.Context, f TicketFilters) ([]domain.Ticket, error) {
	clauses := []string{"account_id=?"}
	args := []any{f.AccountID}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTicketsByStatus(ctx context.Context, accountID, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tickets WHERE account_id=? AND project_id=? GROUP BY status`, accountID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, accountID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, accountID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, accountID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"account_id=?"}
	args := []any{accountID}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,account_id,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, accountID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"account_id=?"}
	args := []any{accountID}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,account_id,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AccountID, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for an account.
func (r Repo) LatestEventID(ctx context.Context, accountID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE account_id=?`, accountID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
