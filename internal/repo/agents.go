package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const agentCols = `id,COALESCE(name,''),paid_count,overdue_count,avg_pay_time_seconds,suspended,suspended_until,last_overdue_at,created_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var suspended int
	var suspendedUntil, lastOverdueAt sql.NullString
	err := scan(&a.ID, &a.Name, &a.PaidCount, &a.OverdueCount, &a.AvgPayTimeSeconds, &suspended, &suspendedUntil, &lastOverdueAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Suspended = suspended != 0
	a.SuspendedUntil = nullStringPtr(suspendedUntil)
	a.LastOverdueAt = nullStringPtr(lastOverdueAt)
	return a, nil
}

// EnsureAgent creates the agent row if missing.
func (r Repo) EnsureAgent(ctx context.Context, tx *sql.Tx, id, createdAt string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO agents(id,created_at) VALUES (?,?)`, id, createdAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.GetAgentTx(ctx, nil, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

// UpdateAgentTrust writes the full trust aggregate in one statement.
func (r Repo) UpdateAgentTrust(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET paid_count=?, overdue_count=?, avg_pay_time_seconds=?, suspended=?, suspended_until=?, last_overdue_at=? WHERE id=?`,
		a.PaidCount, a.OverdueCount, a.AvgPayTimeSeconds, boolToInt(a.Suspended), nullableStringPtr(a.SuspendedUntil), nullableStringPtr(a.LastOverdueAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAgentSuspended(ctx context.Context, tx *sql.Tx, id string, suspended bool, until *string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET suspended=?, suspended_until=? WHERE id=?`,
		boolToInt(suspended), nullableStringPtr(until), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
