package repo

import (
	"context"
	"database/sql"
	"strings"

	"missionline/internal/domain"
)

const missionCols = `id,deal_id,operator_id,status,submission_url,verification_detail,submitted_at,verified_at,approved_at,payout_deadline_at,paid_at,created_at,updated_at`

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var url, detail, submitted, verified, approved, deadline, paid sql.NullString
	err := scan(&m.ID, &m.DealID, &m.OperatorID, &m.Status, &url, &detail, &submitted, &verified, &approved, &deadline, &paid, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.SubmissionURL = nullStringPtr(url)
	m.VerificationDetail = nullStringPtr(detail)
	m.SubmittedAt = nullStringPtr(submitted)
	m.VerifiedAt = nullStringPtr(verified)
	m.ApprovedAt = nullStringPtr(approved)
	m.PayoutDeadlineAt = nullStringPtr(deadline)
	m.PaidAt = nullStringPtr(paid)
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO missions(id,deal_id,operator_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.DealID, m.OperatorID, m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return r.GetMissionTx(ctx, nil, id)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

// MissionExistsForPair enforces the one-mission-per-(deal,operator) invariant
// read side; the UNIQUE index backs it at write time.
func (r Repo) MissionExistsForPair(ctx context.Context, tx *sql.Tx, dealID, operatorID string) (bool, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT 1 FROM missions WHERE deal_id=? AND operator_id=? LIMIT 1`, dealID, operatorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type MissionFilters struct {
	DealID     string
	OperatorID string
	Status     string
	Limit      int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
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
	query := `SELECT ` + missionCols + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListMissionsForDeal returns every mission attached to a deal within the
// caller's transaction, used by deal cancellation.
func (r Repo) ListMissionsForDeal(ctx context.Context, tx *sql.Tx, dealID string) ([]domain.Mission, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+missionCols+` FROM missions WHERE deal_id=?`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListOverdueMissions returns missions still waiting on a payment past their
// payout deadline, for the external sweep.
func (r Repo) ListOverdueMissions(ctx context.Context, now string) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+missionCols+` FROM missions
WHERE status IN ('approved','address_unlocked') AND payout_deadline_at IS NOT NULL AND payout_deadline_at < ?
ORDER BY payout_deadline_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMissionFrom persists mutable mission fields guarded by the mission's
// current status, so a stale pre-read cannot overwrite a concurrent
// transition. Zero rows affected means the guard lost.
func (r Repo) UpdateMissionFrom(ctx context.Context, tx *sql.Tx, m domain.Mission, from []domain.MissionStatus) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{
		m.Status, nullableStringPtr(m.SubmissionURL), nullableStringPtr(m.VerificationDetail),
		nullableStringPtr(m.SubmittedAt), nullableStringPtr(m.VerifiedAt), nullableStringPtr(m.ApprovedAt),
		nullableStringPtr(m.PayoutDeadlineAt), nullableStringPtr(m.PaidAt), m.UpdatedAt, m.ID,
	}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE missions SET status=?, submission_url=?, verification_detail=?, submitted_at=?, verified_at=?, approved_at=?, payout_deadline_at=?, paid_at=?, updated_at=? WHERE id=? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetMissionStatus transitions a mission guarded by its current status.
func (r Repo) SetMissionStatus(ctx context.Context, tx *sql.Tx, id string, from []domain.MissionStatus, to domain.MissionStatus, updatedAt string) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{to, updatedAt, id}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	res, err := r.on(tx).ExecContext(ctx,
		`UPDATE missions SET status=?, updated_at=? WHERE id=? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
