package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"missionline/internal/apperr"
	"missionline/internal/domain"
	"missionline/internal/events"
)

var (
	evmTxHashRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	solanaTxHashRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{64,88}$`)
)

func validTxHash(family, hash string) bool {
	switch family {
	case "evm":
		return evmTxHashRe.MatchString(hash)
	case "solana":
		return solanaTxHashRe.MatchString(hash)
	}
	return false
}

// FeeAmount computes the platform fee in cents, rounded down.
func FeeAmount(rewardCents int64, feePercent int) int64 {
	return rewardCents * int64(feePercent) / 100
}

// ApprovePayout accepts a verified submission on a fee-first deal, opening the
// fee payment and starting the payout deadline clock.
func (e Engine) ApprovePayout(ctx context.Context, agentID, missionID string, deadlineHours int) (domain.Mission, error) {
	m, d, err := e.ownedMission(ctx, agentID, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionVerified {
		return domain.Mission{}, apperr.InvalidState("mission is %s, only verified missions can be approved", m.Status)
	}
	if d.PaymentModel != domain.PayFeeFirst {
		return domain.Mission{}, apperr.InvalidState("deal uses the %s payment model, approval does not apply", d.PaymentModel)
	}
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "agent")
	}
	if agent.Suspended {
		return domain.Mission{}, apperr.InvalidState("agent is suspended for overdue payouts; settle outstanding payments first")
	}
	if deadlineHours == 0 {
		deadlineHours = e.Config.Payments.DeadlineHoursDefault
	}
	if deadlineHours < 1 || deadlineHours > e.Config.Payments.DeadlineHoursMax {
		return domain.Mission{}, apperr.InvalidState("deadline_hours must be within 1..%d", e.Config.Payments.DeadlineHoursMax)
	}

	now := e.now()
	nowStr := now.Format(time.RFC3339)
	deadline := now.Add(time.Duration(deadlineHours) * time.Hour).Format(time.RFC3339)
	fee := FeeAmount(d.RewardCents, d.FeePercent)

	m.Status = domain.MissionApproved
	m.ApprovedAt = &nowStr
	m.PayoutDeadlineAt = &deadline
	m.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateMissionFrom(ctx, tx, m, []domain.MissionStatus{domain.MissionVerified})
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, apperr.Conflict("mission was modified concurrently")
	}
	p := domain.Payment{
		ID:          uuid.New().String(),
		MissionID:   m.ID,
		Type:        domain.PaymentAUF,
		AmountCents: fee,
		Status:      domain.PaymentPending,
		DeadlineAt:  &deadline,
		CreatedAt:   nowStr,
	}
	if err := e.Repo.InsertPayment(ctx, tx, p); err != nil {
		return domain.Mission{}, fmt.Errorf("insert fee payment: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "mission.approved", "mission", m.ID, agentID, events.EventPayload{"fee_cents": fee, "deadline": deadline}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	e.Notify.Notify(ctx, m.OperatorID, "mission.approved", "Submission approved",
		fmt.Sprintf("Your work on %q was approved. Payout is due by %s.", d.Title, deadline), "mission", m.ID, nil)
	return m, nil
}

// UnlockAddress confirms the fee payment and reveals the operator's payout
// address by opening the payout payment against it.
func (e Engine) UnlockAddress(ctx context.Context, agentID, missionID, txHash, chain, token string) (domain.Mission, error) {
	m, d, err := e.ownedMission(ctx, agentID, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionApproved {
		return domain.Mission{}, apperr.InvalidState("mission is %s, only approved missions can unlock the address", m.Status)
	}
	opt, ok := e.Config.SupportedOption(chain, token)
	if !ok {
		return domain.Mission{}, apperr.InvalidState("chain/token pair %s/%s is not supported", chain, token)
	}
	if !validTxHash(opt.Family, txHash) {
		return domain.Mission{}, apperr.InvalidState("transaction hash does not look like a %s hash", opt.Family)
	}
	op, err := e.Repo.GetOperator(ctx, m.OperatorID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "operator")
	}
	var address *string
	switch opt.Family {
	case "evm":
		address = op.EVMAddress
	case "solana":
		address = op.SolanaAddress
	}
	if address == nil || *address == "" {
		return domain.Mission{}, apperr.InvalidState("operator has no payout address for the %s family", opt.Family)
	}

	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	feePayment, err := e.Repo.GetPaymentForMission(ctx, tx, m.ID, domain.PaymentAUF)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "fee payment")
	}
	confirmed, err := e.Repo.ConfirmPayment(ctx, tx, feePayment.ID, txHash, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !confirmed {
		return domain.Mission{}, apperr.Conflict("fee payment was already confirmed")
	}

	p := domain.Payment{
		ID:          uuid.New().String(),
		MissionID:   m.ID,
		Type:        domain.PaymentPayout,
		AmountCents: d.RewardCents,
		Chain:       opt.Chain,
		Token:       opt.Token,
		Address:     *address,
		Status:      domain.PaymentPending,
		DeadlineAt:  m.PayoutDeadlineAt,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertPayment(ctx, tx, p); err != nil {
		return domain.Mission{}, fmt.Errorf("insert payout payment: %w", err)
	}

	ok, err = e.Repo.SetMissionStatus(ctx, tx, m.ID,
		[]domain.MissionStatus{domain.MissionApproved}, domain.MissionAddressUnlocked, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, apperr.Conflict("mission was modified concurrently")
	}
	if err := e.Events.Append(ctx, tx, "mission.address_unlocked", "mission", m.ID, agentID, events.EventPayload{"chain": opt.Chain, "token": opt.Token}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.Status = domain.MissionAddressUnlocked
	m.UpdatedAt = now
	return m, nil
}

// ConfirmPayout closes the mission and folds the outcome into the agent's
// trust aggregate. The chain/token pair must match the payout payment opened
// at unlock time. On-time and overdue confirmations are mutually exclusive
// counters; the pay-time average runs over both.
func (e Engine) ConfirmPayout(ctx context.Context, agentID, missionID, txHash, chain, token string) (domain.Mission, error) {
	m, d, err := e.ownedMission(ctx, agentID, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionAddressUnlocked {
		return domain.Mission{}, apperr.InvalidState("mission is %s, only address_unlocked missions can confirm payout", m.Status)
	}
	opt, ok := e.Config.SupportedOption(chain, token)
	if !ok {
		return domain.Mission{}, apperr.InvalidState("chain/token pair %s/%s is not supported", chain, token)
	}
	if !validTxHash(opt.Family, txHash) {
		return domain.Mission{}, apperr.InvalidState("transaction hash does not look like a %s hash", opt.Family)
	}

	now := e.now()
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	payout, err := e.Repo.GetPaymentForMission(ctx, tx, m.ID, domain.PaymentPayout)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "payout payment")
	}
	if payout.Chain != opt.Chain || payout.Token != opt.Token {
		return domain.Mission{}, apperr.InvalidState("payout was opened on %s/%s, not %s/%s", payout.Chain, payout.Token, opt.Chain, opt.Token)
	}
	confirmed, err := e.Repo.ConfirmPayment(ctx, tx, payout.ID, txHash, nowStr)
	if err != nil {
		return domain.Mission{}, err
	}
	if !confirmed {
		return domain.Mission{}, apperr.Conflict("payout was already confirmed")
	}

	m.Status = domain.MissionPaidComplete
	m.PaidAt = &nowStr
	m.UpdatedAt = nowStr
	changed, err := e.Repo.UpdateMissionFrom(ctx, tx, m, []domain.MissionStatus{domain.MissionAddressUnlocked})
	if err != nil {
		return domain.Mission{}, err
	}
	if !changed {
		return domain.Mission{}, apperr.Conflict("mission was modified concurrently")
	}

	var payTime float64
	if m.ApprovedAt != nil {
		if approved, okT := parseRFC3339(*m.ApprovedAt); okT {
			payTime = now.Sub(approved).Seconds()
		}
	}
	overdue := false
	if m.PayoutDeadlineAt != nil {
		if deadline, okT := parseRFC3339(*m.PayoutDeadlineAt); okT && now.After(deadline) {
			overdue = true
		}
	}

	agent, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "agent")
	}
	total := agent.PaidCount + agent.OverdueCount
	agent.AvgPayTimeSeconds = (agent.AvgPayTimeSeconds*float64(total) + payTime) / float64(total+1)
	if overdue {
		agent.OverdueCount++
		agent.LastOverdueAt = &nowStr
	} else {
		agent.PaidCount++
	}
	if err := e.Repo.UpdateAgentTrust(ctx, tx, agent); err != nil {
		return domain.Mission{}, err
	}

	if err := e.Events.Append(ctx, tx, "mission.paid_complete", "mission", m.ID, agentID, events.EventPayload{"overdue": overdue, "pay_time_seconds": payTime}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	e.Notify.Notify(ctx, m.OperatorID, "mission.paid_complete", "Payout confirmed",
		fmt.Sprintf("Payout for %q was confirmed.", d.Title), "mission", m.ID, nil)
	return m, nil
}

func (e Engine) ListPayments(ctx context.Context, missionID string) ([]domain.Payment, error) {
	return e.Repo.ListPaymentsForMission(ctx, missionID)
}

func (e Engine) ownedMission(ctx context.Context, agentID, missionID string) (domain.Mission, domain.Deal, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, domain.Deal{}, notFoundAs(err, "mission")
	}
	d, err := e.Repo.GetDeal(ctx, m.DealID)
	if err != nil {
		return domain.Mission{}, domain.Deal{}, notFoundAs(err, "deal")
	}
	if d.AgentID != agentID {
		return domain.Mission{}, domain.Deal{}, apperr.NotFound("mission")
	}
	return m, d, nil
}
