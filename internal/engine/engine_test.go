package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"missionline/internal/apperr"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), now: &now}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return *env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func (env *testEnv) activeDeal(t *testing.T, slots int, model domain.PaymentModel, req domain.Requirements) domain.Deal {
	t.Helper()
	d, err := env.Engine.CreateDeal(env.Ctx, engine.DealCreateOptions{
		AgentID:      "agent-1",
		Title:        "Promote launch",
		RewardCents:  10000,
		PaymentModel: model,
		SlotsTotal:   slots,
		Requirements: req,
		Activate:     true,
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	return d
}

func (env *testEnv) apply(t *testing.T, dealID, operatorID string) domain.Application {
	t.Helper()
	a, err := env.Engine.ApplyToDeal(env.Ctx, dealID, operatorID, "hi")
	if err != nil {
		t.Fatalf("apply %s: %v", operatorID, err)
	}
	return a
}

func (env *testEnv) selectApp(t *testing.T, appID string) domain.Mission {
	t.Helper()
	m, err := env.Engine.SelectApplication(env.Ctx, "agent-1", appID)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	return m
}

func TestDealLifecycle(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDeal(env.Ctx, engine.DealCreateOptions{
		AgentID:     "agent-1",
		Title:       "Draft deal",
		RewardCents: 500,
		SlotsTotal:  2,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != domain.DealDraft {
		t.Fatalf("status = %s, want draft", d.Status)
	}
	if d.FeePercent != 10 {
		t.Fatalf("fee percent default = %d, want 10", d.FeePercent)
	}

	if _, err := env.Engine.ApplyToDeal(env.Ctx, d.ID, "op-1", ""); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("apply to draft: %v", err)
	}

	d, err = env.Engine.ActivateDeal(env.Ctx, "agent-1", d.ID)
	if err != nil || d.Status != domain.DealActive {
		t.Fatalf("activate: %v (%s)", err, d.Status)
	}
	if _, err := env.Engine.ActivateDeal(env.Ctx, "agent-1", d.ID); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("double activate: %v", err)
	}
	if _, err := env.Engine.ActivateDeal(env.Ctx, "other-agent", d.ID); !apperr.IsNotFound(err) {
		t.Fatalf("foreign activate should read as not found: %v", err)
	}
}

func TestApplyRules(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 1, domain.PayFeeFirst, domain.Requirements{})

	a := env.apply(t, d.ID, "op-1")
	if a.Status != domain.AppApplied {
		t.Fatalf("status = %s", a.Status)
	}
	if _, err := env.Engine.ApplyToDeal(env.Ctx, d.ID, "op-1", ""); !apperr.IsConflict(err) {
		t.Fatalf("duplicate apply: %v", err)
	}

	got, err := env.Engine.GetDeal(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ApplicationsCount != 1 {
		t.Fatalf("applications_count = %d, want 1", got.ApplicationsCount)
	}

	// withdrawn applications can reapply with no cooldown
	if _, err := env.Engine.WithdrawApplication(env.Ctx, "op-1", a.ID); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	env.apply(t, d.ID, "op-1")
}

func TestSelectConsumesSlot(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 1, domain.PayFeeFirst, domain.Requirements{})
	a1 := env.apply(t, d.ID, "op-1")
	a2 := env.apply(t, d.ID, "op-2")

	m := env.selectApp(t, a1.ID)
	if m.Status != domain.MissionAccepted {
		t.Fatalf("mission status = %s", m.Status)
	}

	_, err := env.Engine.SelectApplication(env.Ctx, "agent-1", a2.ID)
	if !apperr.IsConflict(err) {
		t.Fatalf("second select: %v", err)
	}
	if !strings.Contains(err.Error(), "No slots available") {
		t.Fatalf("unexpected message: %v", err)
	}

	got, err := env.Engine.GetDeal(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SlotsSelected != 1 {
		t.Fatalf("slots_selected = %d, want 1", got.SlotsSelected)
	}

	sel, err := env.Engine.GetApplication(env.Ctx, a1.ID)
	if err != nil || sel.Status != domain.AppSelected {
		t.Fatalf("application after select: %v (%s)", err, sel.Status)
	}
}

func TestSelectRace(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 1, domain.PayFeeFirst, domain.Requirements{})
	a1 := env.apply(t, d.ID, "op-1")
	a2 := env.apply(t, d.ID, "op-2")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a1.ID, a2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.SelectApplication(env.Ctx, "agent-1", id)
		}(i, id)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.IsConflict(err):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("ok=%d conflict=%d, want exactly one winner", ok, conflict)
	}

	got, err := env.Engine.GetDeal(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SlotsSelected != 1 {
		t.Fatalf("slots_selected = %d, want 1", got.SlotsSelected)
	}
}

func TestOneMissionPerPair(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 2, domain.PayFeeFirst, domain.Requirements{})
	a := env.apply(t, d.ID, "op-1")
	env.selectApp(t, a.ID)

	// a second application from the same operator is blocked while the first
	// is selected, and selecting again cannot create a second mission
	if _, err := env.Engine.ApplyToDeal(env.Ctx, d.ID, "op-1", ""); !apperr.IsConflict(err) {
		t.Fatalf("reapply while selected: %v", err)
	}
	if _, err := env.Engine.SelectApplication(env.Ctx, "agent-1", a.ID); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("reselect: %v", err)
	}
}

func TestWithdrawSelectedReleasesSlot(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 1, domain.PayFeeFirst, domain.Requirements{})
	a := env.apply(t, d.ID, "op-1")
	m := env.selectApp(t, a.ID)

	if _, err := env.Engine.WithdrawApplication(env.Ctx, "op-1", a.ID); err != nil {
		t.Fatalf("withdraw selected: %v", err)
	}
	got, _ := env.Engine.GetDeal(env.Ctx, d.ID)
	if got.SlotsSelected != 0 {
		t.Fatalf("slots_selected = %d, want 0", got.SlotsSelected)
	}
	gm, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if gm.Status != domain.MissionExpired {
		t.Fatalf("mission status = %s, want expired", gm.Status)
	}

	// withdrawn without submission carries no cooldown
	env.apply(t, d.ID, "op-1")
}

func TestCancelSubmittedMission(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 1, domain.PayFeeFirst, domain.Requirements{})
	a := env.apply(t, d.ID, "op-1")
	m := env.selectApp(t, a.ID)

	m, err := env.Engine.SubmitMission(env.Ctx, "op-1", m.ID, "https://example.com/post/1", "great work")
	if err != nil || m.Status != domain.MissionVerified {
		t.Fatalf("submit: %v (%s)", err, m.Status)
	}

	m, err = env.Engine.CancelMission(env.Ctx, "op-1", m.ID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if m.Status != domain.MissionExpired {
		t.Fatalf("mission status = %s, want expired", m.Status)
	}

	got, _ := env.Engine.GetDeal(env.Ctx, d.ID)
	if got.SlotsSelected != 0 {
		t.Fatalf("slots_selected = %d, want 0", got.SlotsSelected)
	}
	app, _ := env.Engine.GetApplication(env.Ctx, a.ID)
	if app.Status != domain.AppCancelled {
		t.Fatalf("application status = %s, want cancelled", app.Status)
	}
	if app.CooldownUntil == nil {
		t.Fatal("cooldown not set")
	}

	_, err = env.Engine.ApplyToDeal(env.Ctx, d.ID, "op-1", "")
	if !apperr.IsConflict(err) || !strings.Contains(err.Error(), "hour") {
		t.Fatalf("reapply during cooldown: %v", err)
	}

	env.advance(25 * time.Hour)
	env.apply(t, d.ID, "op-1")

	op, err := env.Engine.GetOperator(env.Ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if op.CancelledCount != 1 {
		t.Fatalf("cancelled_count = %d, want 1", op.CancelledCount)
	}
}

func TestCancelAcceptedHasNoCooldown(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 1, domain.PayFeeFirst, domain.Requirements{})
	a := env.apply(t, d.ID, "op-1")
	m := env.selectApp(t, a.ID)

	if _, err := env.Engine.CancelMission(env.Ctx, "op-1", m.ID, ""); err != nil {
		t.Fatalf("cancel accepted: %v", err)
	}
	env.apply(t, d.ID, "op-1")
}

// A cancel landing between the submit's precondition read and its write must
// win: the mission stays expired and the released slot stays released.
func TestSubmitLosesToConcurrentCancel(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 1, domain.PayFeeFirst, domain.Requirements{})
	a := env.apply(t, d.ID, "op-1")
	m := env.selectApp(t, a.ID)

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

	if _, err := hooked.SubmitMission(env.Ctx, "op-1", m.ID, "https://example.com/post", ""); !apperr.IsConflict(err) {
		t.Fatalf("submit over a cancelled mission: %v", err)
	}
	gm, err := env.Engine.GetMission(env.Ctx, m.ID)
	if err != nil || gm.Status != domain.MissionExpired {
		t.Fatalf("mission = %s (%v), want expired", gm.Status, err)
	}
	gd, _ := env.Engine.GetDeal(env.Ctx, d.ID)
	if gd.SlotsSelected != 0 {
		t.Fatalf("slots_selected = %d, want 0", gd.SlotsSelected)
	}
}

func TestCancelDealExpiresMissions(t *testing.T) {
	env := newTestEnv(t)
	d := env.activeDeal(t, 2, domain.PayFeeFirst, domain.Requirements{})
	a := env.apply(t, d.ID, "op-1")
	m := env.selectApp(t, a.ID)

	d2, err := env.Engine.CancelDeal(env.Ctx, "agent-1", d.ID)
	if err != nil || d2.Status != domain.DealCancelled {
		t.Fatalf("cancel deal: %v", err)
	}
	gm, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if gm.Status != domain.MissionExpired {
		t.Fatalf("mission status = %s, want expired", gm.Status)
	}
	got, _ := env.Engine.GetDeal(env.Ctx, d.ID)
	if got.SlotsSelected != 0 {
		t.Fatalf("slots_selected = %d, want 0", got.SlotsSelected)
	}
}
