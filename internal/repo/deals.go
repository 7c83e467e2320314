package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"missionline/internal/domain"
)

const dealCols = `id,agent_id,title,COALESCE(description,''),reward_cents,fee_percent,payment_model,slots_total,slots_selected,applications_count,status,visibility,disclosure_tag,required_link,hashtags_json,expires_at,created_at,updated_at`

func scanDeal(scan func(dest ...any) error) (domain.Deal, error) {
	var d domain.Deal
	var disclosure, link, hashtags, expires sql.NullString
	err := scan(&d.ID, &d.AgentID, &d.Title, &d.Description, &d.RewardCents, &d.FeePercent, &d.PaymentModel,
		&d.SlotsTotal, &d.SlotsSelected, &d.ApplicationsCount, &d.Status, &d.Visibility,
		&disclosure, &link, &hashtags, &expires, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if disclosure.Valid {
		d.Requirements.DisclosureTag = disclosure.String
	}
	if link.Valid {
		d.Requirements.RequiredLink = link.String
	}
	if hashtags.Valid && hashtags.String != "" {
		if err := json.Unmarshal([]byte(hashtags.String), &d.Requirements.Hashtags); err != nil {
			return d, err
		}
	}
	d.ExpiresAt = nullStringPtr(expires)
	return d, nil
}

func (r Repo) InsertDeal(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	var hashtags any
	if len(d.Requirements.Hashtags) > 0 {
		b, err := json.Marshal(d.Requirements.Hashtags)
		if err != nil {
			return err
		}
		hashtags = string(b)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO deals(id,agent_id,title,description,reward_cents,fee_percent,payment_model,slots_total,slots_selected,applications_count,status,visibility,disclosure_tag,required_link,hashtags_json,expires_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,0,0,?,?,?,?,?,?,?,?)`,
		d.ID, d.AgentID, d.Title, nullable(d.Description), d.RewardCents, d.FeePercent, d.PaymentModel,
		d.SlotsTotal, d.Status, d.Visibility,
		nullable(d.Requirements.DisclosureTag), nullable(d.Requirements.RequiredLink), hashtags,
		nullableStringPtr(d.ExpiresAt), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	return r.GetDealTx(ctx, nil, id)
}

func (r Repo) GetDealTx(ctx context.Context, tx *sql.Tx, id string) (domain.Deal, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+dealCols+` FROM deals WHERE id=?`, id)
	return scanDeal(row.Scan)
}

type DealFilters struct {
	AgentID    string
	Status     string
	Visibility string
	Limit      int
}

func (r Repo) ListDeals(ctx context.Context, f DealFilters) ([]domain.Deal, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Visibility != "" {
		clauses = append(clauses, "visibility=?")
		args = append(args, f.Visibility)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + dealCols + ` FROM deals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// SetDealStatus moves a deal between statuses; fromStatus guards the write so
// a concurrent transition loses cleanly (zero rows affected, false returned).
func (r Repo) SetDealStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.DealStatus, updatedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE deals SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TrySelectSlot is the slot-consumption compare-and-swap. The WHERE clause
// re-validates the quota at write time; zero rows affected means the last
// slot was taken by a concurrent selection.
func (r Repo) TrySelectSlot(ctx context.Context, tx *sql.Tx, dealID, updatedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx,
		`UPDATE deals SET slots_selected=slots_selected+1, updated_at=? WHERE id=? AND slots_selected < slots_total`,
		updatedAt, dealID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseSlot returns a previously consumed slot, clamped at zero.
func (r Repo) ReleaseSlot(ctx context.Context, tx *sql.Tx, dealID, updatedAt string) error {
	_, err := r.on(tx).ExecContext(ctx,
		`UPDATE deals SET slots_selected=MAX(0, slots_selected-1), updated_at=? WHERE id=?`,
		updatedAt, dealID)
	return err
}

func (r Repo) IncrementApplicationsCount(ctx context.Context, tx *sql.Tx, dealID string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE deals SET applications_count=applications_count+1 WHERE id=?`, dealID)
	return err
}
