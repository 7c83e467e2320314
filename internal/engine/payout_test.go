package engine_test

import (
	"strings"
	"testing"
	"time"

	"missionline/internal/apperr"
	"missionline/internal/domain"
	"missionline/internal/engine"
)

const (
	evmHash1 = "0x" + "aa11bb22cc33dd44ee55ff667788990011223344556677889900aabbccddeeff"
	evmHash2 = "0x" + "1111111111111111111111111111111111111111111111111111111111111111"
	evmAddr  = "0x52908400098527886E0F7030069857D2E4169EE7"
)

// verifiedMission drives one operator through apply, select and a passing
// submission on a fresh fee-first deal.
func verifiedMission(t *testing.T, env *testEnv, operatorID string) domain.Mission {
	t.Helper()
	d := env.activeDeal(t, 1, domain.PayFeeFirst, domain.Requirements{})
	a := env.apply(t, d.ID, operatorID)
	m := env.selectApp(t, a.ID)
	m, err := env.Engine.SubmitMission(env.Ctx, operatorID, m.ID, "https://example.com/post", "")
	if err != nil || m.Status != domain.MissionVerified {
		t.Fatalf("submit: %v (%s)", err, m.Status)
	}
	return m
}

func setEVMAddress(t *testing.T, env *testEnv, operatorID string) {
	t.Helper()
	addr := evmAddr
	if _, err := env.Engine.SetOperatorAddresses(env.Ctx, operatorID, &addr, nil); err != nil {
		t.Fatalf("set addresses: %v", err)
	}
}

func TestFeeAmount(t *testing.T) {
	cases := []struct {
		reward int64
		pct    int
		want   int64
	}{
		{10000, 10, 1000},
		{999, 10, 99},
		{1, 10, 0},
		{10000, 0, 0},
		{12345, 33, 4073},
	}
	for _, c := range cases {
		if got := engine.FeeAmount(c.reward, c.pct); got != c.want {
			t.Errorf("FeeAmount(%d, %d) = %d, want %d", c.reward, c.pct, got, c.want)
		}
	}
}

func TestPayoutFlow(t *testing.T) {
	env := newTestEnv(t)
	setEVMAddress(t, env, "op-1")
	m := verifiedMission(t, env, "op-1")

	m, err := env.Engine.ApprovePayout(env.Ctx, "agent-1", m.ID, 0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if m.Status != domain.MissionApproved {
		t.Fatalf("status = %s", m.Status)
	}
	if m.PayoutDeadlineAt == nil {
		t.Fatal("deadline not set")
	}
	wantDeadline := env.now.Add(72 * time.Hour).Format(time.RFC3339)
	if *m.PayoutDeadlineAt != wantDeadline {
		t.Fatalf("deadline = %s, want %s", *m.PayoutDeadlineAt, wantDeadline)
	}

	payments, err := env.Engine.ListPayments(env.Ctx, m.ID)
	if err != nil || len(payments) != 1 {
		t.Fatalf("payments after approve: %v (%d)", err, len(payments))
	}
	fee := payments[0]
	if fee.Type != domain.PaymentAUF || fee.Status != domain.PaymentPending {
		t.Fatalf("fee payment = %s/%s", fee.Type, fee.Status)
	}
	if fee.AmountCents != 1000 {
		t.Fatalf("fee amount = %d, want 1000", fee.AmountCents)
	}

	m, err = env.Engine.UnlockAddress(env.Ctx, "agent-1", m.ID, evmHash1, "ethereum", "USDC")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if m.Status != domain.MissionAddressUnlocked {
		t.Fatalf("status = %s", m.Status)
	}
	payments, _ = env.Engine.ListPayments(env.Ctx, m.ID)
	if len(payments) != 2 {
		t.Fatalf("payments after unlock = %d, want 2", len(payments))
	}
	var payout domain.Payment
	for _, p := range payments {
		switch p.Type {
		case domain.PaymentAUF:
			if p.Status != domain.PaymentConfirmed {
				t.Fatalf("fee still %s after unlock", p.Status)
			}
		case domain.PaymentPayout:
			payout = p
		}
	}
	if payout.AmountCents != 10000 {
		t.Fatalf("payout amount = %d, want full reward", payout.AmountCents)
	}
	if payout.Address != evmAddr {
		t.Fatalf("payout address = %s", payout.Address)
	}

	env.advance(time.Hour)
	m, err = env.Engine.ConfirmPayout(env.Ctx, "agent-1", m.ID, evmHash2, "ethereum", "USDC")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if m.Status != domain.MissionPaidComplete {
		t.Fatalf("status = %s", m.Status)
	}

	prof, err := env.Engine.GetAgentProfile(env.Ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if prof.PaidCount != 1 || prof.OverdueCount != 0 {
		t.Fatalf("paid=%d overdue=%d", prof.PaidCount, prof.OverdueCount)
	}
	if prof.AvgPayTimeSeconds != 3600 {
		t.Fatalf("avg pay time = %f, want 3600", prof.AvgPayTimeSeconds)
	}
}

func TestOverdueConfirm(t *testing.T) {
	env := newTestEnv(t)
	setEVMAddress(t, env, "op-1")
	m := verifiedMission(t, env, "op-1")

	m, err := env.Engine.ApprovePayout(env.Ctx, "agent-1", m.ID, 24)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.UnlockAddress(env.Ctx, "agent-1", m.ID, evmHash1, "base", "USDC"); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	env.advance(30 * time.Hour)
	if _, err := env.Engine.ConfirmPayout(env.Ctx, "agent-1", m.ID, evmHash2, "base", "USDC"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	prof, err := env.Engine.GetAgentProfile(env.Ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if prof.PaidCount != 0 || prof.OverdueCount != 1 {
		t.Fatalf("paid=%d overdue=%d, want overdue counted alone", prof.PaidCount, prof.OverdueCount)
	}
	if prof.LastOverdueAt == nil {
		t.Fatal("last_overdue_at not set")
	}
	if prof.AvgPayTimeSeconds != 30*3600 {
		t.Fatalf("avg pay time = %f", prof.AvgPayTimeSeconds)
	}
}

func TestPayoutValidation(t *testing.T) {
	env := newTestEnv(t)
	setEVMAddress(t, env, "op-1")
	m := verifiedMission(t, env, "op-1")

	// only verified missions can be approved, and only by the deal owner
	if _, err := env.Engine.ApprovePayout(env.Ctx, "someone-else", m.ID, 0); !apperr.IsNotFound(err) {
		t.Fatalf("foreign approve: %v", err)
	}
	if _, err := env.Engine.ApprovePayout(env.Ctx, "agent-1", m.ID, 500); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("deadline over max: %v", err)
	}
	if _, err := env.Engine.UnlockAddress(env.Ctx, "agent-1", m.ID, evmHash1, "ethereum", "USDC"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("unlock before approve: %v", err)
	}

	m, err := env.Engine.ApprovePayout(env.Ctx, "agent-1", m.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.UnlockAddress(env.Ctx, "agent-1", m.ID, evmHash1, "dogecoin", "DOGE"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("unsupported pair: %v", err)
	}
	if _, err := env.Engine.UnlockAddress(env.Ctx, "agent-1", m.ID, "nothex", "ethereum", "USDC"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("bad tx hash: %v", err)
	}
	// solana option requires a solana address on file
	if _, err := env.Engine.UnlockAddress(env.Ctx, "agent-1", m.ID, strings.Repeat("A", 64), "solana", "USDC"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("missing solana address: %v", err)
	}

	if _, err := env.Engine.ConfirmPayout(env.Ctx, "agent-1", m.ID, evmHash2, "ethereum", "USDC"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("confirm before unlock: %v", err)
	}

	if _, err := env.Engine.UnlockAddress(env.Ctx, "agent-1", m.ID, evmHash1, "ethereum", "USDC"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := env.Engine.ConfirmPayout(env.Ctx, "agent-1", m.ID, "0xzz", "ethereum", "USDC"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("confirm with bad hash: %v", err)
	}
	// the confirmation pair must match the payment opened at unlock time
	if _, err := env.Engine.ConfirmPayout(env.Ctx, "agent-1", m.ID, evmHash2, "base", "USDC"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("confirm with mismatched pair: %v", err)
	}
	if _, err := env.Engine.ConfirmPayout(env.Ctx, "agent-1", m.ID, evmHash2, "dogecoin", "DOGE"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("confirm with unsupported pair: %v", err)
	}
}

// Same interleaving as TestSubmitLosesToConcurrentCancel on the approve path:
// the write is guarded by the verified status, so the stale approval loses and
// no fee payment is opened.
func TestApproveLosesToConcurrentCancel(t *testing.T) {
	env := newTestEnv(t)
	m := verifiedMission(t, env, "op-1")

	canceller := env.Engine
	hooked := env.Engine
	cancelled := false
	hooked.Now = func() time.Time {
		if !cancelled {
			cancelled = true
			if _, err := canceller.CancelMission(env.Ctx, "agent-1", m.ID, ""); err != nil {
				t.Fatalf("cancel: %v", err)
			}
		}
		return *env.now
	}

	if _, err := hooked.ApprovePayout(env.Ctx, "agent-1", m.ID, 0); !apperr.IsConflict(err) {
		t.Fatalf("approve over a cancelled mission: %v", err)
	}
	gm, err := env.Engine.GetMission(env.Ctx, m.ID)
	if err != nil || gm.Status != domain.MissionExpired {
		t.Fatalf("mission = %s (%v), want expired", gm.Status, err)
	}
	payments, err := env.Engine.ListPayments(env.Ctx, m.ID)
	if err != nil || len(payments) != 0 {
		t.Fatalf("payments = %d (%v), want none", len(payments), err)
	}
}

func TestImmediatePayment(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 1, domain.PayImmediate, domain.Requirements{})
	a := env.apply(t, d.ID, "op-1")
	m := env.selectApp(t, a.ID)

	m, err := env.Engine.SubmitMission(env.Ctx, "op-1", m.ID, "https://example.com/post", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.Status != domain.MissionPaid {
		t.Fatalf("status = %s, want paid", m.Status)
	}
	payments, err := env.Engine.ListPayments(env.Ctx, m.ID)
	if err != nil || len(payments) != 1 {
		t.Fatalf("payments: %v (%d)", err, len(payments))
	}
	p := payments[0]
	if p.Type != domain.PaymentPayout || p.Status != domain.PaymentConfirmed || p.AmountCents != 10000 {
		t.Fatalf("payout = %s/%s/%d", p.Type, p.Status, p.AmountCents)
	}

	// approval does not apply to the immediate model
	if _, err := env.Engine.ApprovePayout(env.Ctx, "agent-1", m.ID, 0); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("approve immediate: %v", err)
	}
}

func TestSweepSuspendsOverdueAgent(t *testing.T) {
	env := newTestEnv(t)
	setEVMAddress(t, env, "op-1")
	m := verifiedMission(t, env, "op-1")
	if _, err := env.Engine.ApprovePayout(env.Ctx, "agent-1", m.ID, 24); err != nil {
		t.Fatal(err)
	}

	env.advance(12 * time.Hour)
	res, err := env.Engine.SweepOverdue(env.Ctx)
	if err != nil || res.Overdue != 0 {
		t.Fatalf("premature sweep: %v (%d)", err, res.Overdue)
	}

	env.advance(24 * time.Hour)
	res, err = env.Engine.SweepOverdue(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Overdue != 1 || len(res.SuspendedAgents) != 1 || res.SuspendedAgents[0] != "agent-1" {
		t.Fatalf("sweep result = %+v", res)
	}

	prof, _ := env.Engine.GetAgentProfile(env.Ctx, "agent-1")
	if !prof.Suspended || prof.TrustLevel != domain.TrustSuspended {
		t.Fatalf("agent not suspended: %+v", prof)
	}

	// suspended agents cannot approve further payouts
	m2 := verifiedMission(t, env, "op-2")
	if _, err := env.Engine.ApprovePayout(env.Ctx, "agent-1", m2.ID, 0); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("approve while suspended: %v", err)
	}

	// reinstatement is refused while the overdue mission is unsettled
	if err := env.Engine.LiftSuspension(env.Ctx, "agent-1"); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("lift with overdue mission: %v", err)
	}

	if _, err := env.Engine.UnlockAddress(env.Ctx, "agent-1", m.ID, evmHash1, "ethereum", "USDC"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := env.Engine.ConfirmPayout(env.Ctx, "agent-1", m.ID, evmHash2, "ethereum", "USDC"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := env.Engine.LiftSuspension(env.Ctx, "agent-1"); err != nil {
		t.Fatalf("lift: %v", err)
	}
	prof, _ = env.Engine.GetAgentProfile(env.Ctx, "agent-1")
	if prof.Suspended {
		t.Fatal("agent still suspended after lift")
	}
}
