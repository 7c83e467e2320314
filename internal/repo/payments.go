package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const paymentCols = `id,mission_id,type,amount_cents,COALESCE(chain,''),COALESCE(token,''),COALESCE(address,''),status,deadline_at,tx_hash,created_at,confirmed_at`

func scanPayment(scan func(dest ...any) error) (domain.Payment, error) {
	var p domain.Payment
	var deadline, txHash, confirmed sql.NullString
	err := scan(&p.ID, &p.MissionID, &p.Type, &p.AmountCents, &p.Chain, &p.Token, &p.Address, &p.Status, &deadline, &txHash, &p.CreatedAt, &confirmed)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.DeadlineAt = nullStringPtr(deadline)
	p.TxHash = nullStringPtr(txHash)
	p.ConfirmedAt = nullStringPtr(confirmed)
	return p, nil
}

func (r Repo) InsertPayment(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO payments(id,mission_id,type,amount_cents,chain,token,address,status,deadline_at,tx_hash,created_at,confirmed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.MissionID, p.Type, p.AmountCents, nullable(p.Chain), nullable(p.Token), nullable(p.Address),
		p.Status, nullableStringPtr(p.DeadlineAt), nullableStringPtr(p.TxHash), p.CreatedAt, nullableStringPtr(p.ConfirmedAt))
	return err
}

// GetPaymentForMission fetches the one payment of the given type for a
// mission; the UNIQUE(mission_id, type) index guarantees at most one.
func (r Repo) GetPaymentForMission(ctx context.Context, tx *sql.Tx, missionID string, typ domain.PaymentType) (domain.Payment, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE mission_id=? AND type=?`, missionID, typ)
	return scanPayment(row.Scan)
}

func (r Repo) ListPaymentsForMission(ctx context.Context, missionID string) ([]domain.Payment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE mission_id=? ORDER BY created_at ASC, id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ConfirmPayment flips a pending payment to confirmed; confirmed payments are
// immutable, so the guard refuses a second confirmation.
func (r Repo) ConfirmPayment(ctx context.Context, tx *sql.Tx, id, txHash, confirmedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx,
		`UPDATE payments SET status=?, tx_hash=?, confirmed_at=? WHERE id=? AND status=?`,
		domain.PaymentConfirmed, txHash, confirmedAt, id, domain.PaymentPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
