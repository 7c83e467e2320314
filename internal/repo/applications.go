package repo

import (
	"context"
	"database/sql"
	"strings"

	"missionline/internal/domain"
)

const applicationCols = `id,deal_id,operator_id,status,COALESCE(message,''),applied_at,decided_at,cooldown_until,updated_at`

func scanApplication(scan func(dest ...any) error) (domain.Application, error) {
	var a domain.Application
	var decided, cooldown sql.NullString
	err := scan(&a.ID, &a.DealID, &a.OperatorID, &a.Status, &a.Message, &a.AppliedAt, &decided, &cooldown, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.DecidedAt = nullStringPtr(decided)
	a.CooldownUntil = nullStringPtr(cooldown)
	return a, nil
}

func (r Repo) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO applications(id,deal_id,operator_id,status,message,applied_at,decided_at,cooldown_until,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.DealID, a.OperatorID, a.Status, nullable(a.Message), a.AppliedAt,
		nullableStringPtr(a.DecidedAt), nullableStringPtr(a.CooldownUntil), a.UpdatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return r.GetApplicationTx(ctx, nil, id)
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE id=?`, id)
	return scanApplication(row.Scan)
}

// LatestApplicationForPair returns the most recent application for the
// (deal, operator) pair, ErrNotFound when the operator never applied.
func (r Repo) LatestApplicationForPair(ctx context.Context, tx *sql.Tx, dealID, operatorID string) (domain.Application, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE deal_id=? AND operator_id=? ORDER BY applied_at DESC, id DESC LIMIT 1`,
		dealID, operatorID)
	return scanApplication(row.Scan)
}

type ApplicationFilters struct {
	DealID     string
	OperatorID string
	Status     string
	Limit      int
}

func (r Repo) ListApplications(ctx context.Context, f ApplicationFilters) ([]domain.Application, error) {
	var clauses []string
	var args []any
	if f.DealID != "" {
		clauses = append(clauses, "deal_id=?")
		args = append(args, f.DealID)
	}
	if f.OperatorID != "" {
		clauses = append(clauses, "operator_id=?")
		args = append(args, f.OperatorID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + applicationCols + ` FROM applications ` + where + ` ORDER BY applied_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetApplicationStatus transitions an application, guarded by its current
// status so concurrent deciders cannot both win.
func (r Repo) SetApplicationStatus(ctx context.Context, tx *sql.Tx, id string, from []domain.ApplicationStatus, to domain.ApplicationStatus, decidedAt *string, updatedAt string) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{to, nullableStringPtr(decidedAt), updatedAt, id}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	res, err := r.on(tx).ExecContext(ctx,
		`UPDATE applications SET status=?, decided_at=COALESCE(?,decided_at), updated_at=? WHERE id=? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SetApplicationCooldown(ctx context.Context, tx *sql.Tx, id, cooldownUntil, updatedAt string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE applications SET cooldown_until=?, updated_at=? WHERE id=?`, cooldownUntil, updatedAt, id)
	return err
}
