package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const operatorCols = `id,COALESCE(name,''),evm_address,solana_address,cancelled_count,created_at`

func scanOperator(scan func(dest ...any) error) (domain.Operator, error) {
	var o domain.Operator
	var evm, sol sql.NullString
	err := scan(&o.ID, &o.Name, &evm, &sol, &o.CancelledCount, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.EVMAddress = nullStringPtr(evm)
	o.SolanaAddress = nullStringPtr(sol)
	return o, nil
}

// EnsureOperator creates the operator row if missing.
func (r Repo) EnsureOperator(ctx context.Context, tx *sql.Tx, id, createdAt string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO operators(id,created_at) VALUES (?,?)`, id, createdAt)
	return err
}

func (r Repo) GetOperator(ctx context.Context, id string) (domain.Operator, error) {
	return r.GetOperatorTx(ctx, nil, id)
}

func (r Repo) GetOperatorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Operator, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+operatorCols+` FROM operators WHERE id=?`, id)
	return scanOperator(row.Scan)
}

func (r Repo) SetOperatorAddresses(ctx context.Context, id string, evm, solana *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE operators SET evm_address=COALESCE(?,evm_address), solana_address=COALESCE(?,solana_address) WHERE id=?`,
		nullableStringPtr(evm), nullableStringPtr(solana), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementOperatorCancelled bumps the abuse-scoring counter.
func (r Repo) IncrementOperatorCancelled(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE operators SET cancelled_count=cancelled_count+1 WHERE id=?`, id)
	return err
}
