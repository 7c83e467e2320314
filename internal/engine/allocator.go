package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"missionline/internal/apperr"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// ApplyToDeal creates an application in applied status. The slot check here
// is advisory only; the authoritative guard is the conditional update in
// SelectApplication.
func (e Engine) ApplyToDeal(ctx context.Context, dealID, operatorID, message string) (domain.Application, error) {
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return domain.Application{}, notFoundAs(err, "deal")
	}
	if d.Status != domain.DealActive {
		return domain.Application{}, apperr.InvalidState("deal is %s, applications are closed", d.Status)
	}
	if d.Visibility != domain.DealVisible {
		return domain.Application{}, apperr.NotFound("deal")
	}
	now := e.now()
	if d.ExpiresAt != nil {
		if exp, ok := parseRFC3339(*d.ExpiresAt); ok && now.After(exp) {
			return domain.Application{}, apperr.InvalidState("deal has expired")
		}
	}
	if d.SlotsSelected >= d.SlotsTotal {
		return domain.Application{}, apperr.Conflict("No slots available")
	}

	nowStr := now.Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureOperator(ctx, tx, operatorID, nowStr); err != nil {
		return domain.Application{}, err
	}

	prev, err := e.Repo.LatestApplicationForPair(ctx, tx, dealID, operatorID)
	switch {
	case err == nil:
		if prev.Status.Active() {
			return domain.Application{}, apperr.Conflict("you already have an application for this deal")
		}
		if prev.Status == domain.AppCancelled && prev.CooldownUntil != nil {
			if until, ok := parseRFC3339(*prev.CooldownUntil); ok && now.Before(until) {
				hours := int(math.Ceil(until.Sub(now).Hours()))
				return domain.Application{}, apperr.Conflict("re-application blocked for %d more hour(s) after cancellation", hours)
			}
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.Application{}, err
	}

	a := domain.Application{
		ID:         uuid.New().String(),
		DealID:     dealID,
		OperatorID: operatorID,
		Status:     domain.AppApplied,
		Message:    message,
		AppliedAt:  nowStr,
		UpdatedAt:  nowStr,
	}
	if err := e.Repo.InsertApplication(ctx, tx, a); err != nil {
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := e.Repo.IncrementApplicationsCount(ctx, tx, dealID); err != nil {
		return domain.Application{}, err
	}
	if err := e.Events.Append(ctx, tx, "application.created", "application", a.ID, operatorID, events.EventPayload{"deal_id": dealID}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	e.Notify.Notify(ctx, d.AgentID, "application.created", "New application",
		fmt.Sprintf("An operator applied to %q.", d.Title), "application", a.ID, nil)
	return a, nil
}

// ShortlistApplication marks an application as shortlisted by the deal owner.
func (e Engine) ShortlistApplication(ctx context.Context, agentID, applicationID string) (domain.Application, error) {
	a, _, err := e.ownedApplication(ctx, agentID, applicationID)
	if err != nil {
		return domain.Application{}, err
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetApplicationStatus(ctx, tx, a.ID, []domain.ApplicationStatus{domain.AppApplied}, domain.AppShortlisted, nil, now)
	if err != nil {
		return domain.Application{}, err
	}
	if !ok {
		return domain.Application{}, apperr.InvalidState("application is %s, only applied applications can be shortlisted", a.Status)
	}
	if err := e.Events.Append(ctx, tx, "application.shortlisted", "application", a.ID, agentID, nil); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	a.Status = domain.AppShortlisted
	a.UpdatedAt = now
	return a, nil
}

// SelectApplication consumes a deal slot and creates the mission. The slot
// guard is a conditional update; first write wins and the losing transaction
// rolls back whole.
func (e Engine) SelectApplication(ctx context.Context, agentID, applicationID string) (domain.Mission, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "application")
	}
	d, err := e.Repo.GetDeal(ctx, a.DealID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "deal")
	}
	if d.AgentID != agentID {
		return domain.Mission{}, apperr.NotFound("application")
	}
	if d.Status != domain.DealActive {
		return domain.Mission{}, apperr.InvalidState("deal is %s, selection is closed", d.Status)
	}
	if a.Status != domain.AppApplied && a.Status != domain.AppShortlisted {
		return domain.Mission{}, apperr.InvalidState("application is %s and cannot be selected", a.Status)
	}

	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	exists, err := e.Repo.MissionExistsForPair(ctx, tx, a.DealID, a.OperatorID)
	if err != nil {
		return domain.Mission{}, err
	}
	if exists {
		return domain.Mission{}, apperr.Conflict("a mission already exists for this operator on this deal")
	}

	fresh, err := e.Repo.GetDealTx(ctx, tx, a.DealID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "deal")
	}
	if fresh.SlotsSelected >= fresh.SlotsTotal {
		return domain.Mission{}, apperr.Conflict("No slots available")
	}
	won, err := e.Repo.TrySelectSlot(ctx, tx, a.DealID, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !won {
		return domain.Mission{}, apperr.Conflict("No slots available (race condition)")
	}

	ok, err := e.Repo.SetApplicationStatus(ctx, tx, a.ID,
		[]domain.ApplicationStatus{domain.AppApplied, domain.AppShortlisted},
		domain.AppSelected, &now, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, apperr.Conflict("application was modified concurrently")
	}

	m := domain.Mission{
		ID:         uuid.New().String(),
		DealID:     a.DealID,
		OperatorID: a.OperatorID,
		Status:     domain.MissionAccepted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "mission.created", "mission", m.ID, agentID, events.EventPayload{"deal_id": a.DealID, "operator_id": a.OperatorID}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	e.Notify.Notify(ctx, a.OperatorID, "mission.created", "You were selected",
		fmt.Sprintf("Your application to %q was selected. The mission is ready for work.", d.Title), "mission", m.ID, nil)
	return m, nil
}

// RejectApplication declines an application. Rejection never releases a slot
// because a rejected application never consumed one.
func (e Engine) RejectApplication(ctx context.Context, agentID, applicationID string) (domain.Application, error) {
	a, _, err := e.ownedApplication(ctx, agentID, applicationID)
	if err != nil {
		return domain.Application{}, err
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetApplicationStatus(ctx, tx, a.ID,
		[]domain.ApplicationStatus{domain.AppApplied, domain.AppShortlisted},
		domain.AppRejected, &now, now)
	if err != nil {
		return domain.Application{}, err
	}
	if !ok {
		return domain.Application{}, apperr.InvalidState("application is %s and cannot be rejected", a.Status)
	}
	if err := e.Events.Append(ctx, tx, "application.rejected", "application", a.ID, agentID, nil); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	e.Notify.Notify(ctx, a.OperatorID, "application.rejected", "Application declined", "", "application", a.ID, nil)
	a.Status = domain.AppRejected
	a.DecidedAt = &now
	a.UpdatedAt = now
	return a, nil
}

// WithdrawApplication lets the operator pull out. Withdrawing before selection
// carries no cooldown. Withdrawing after selection is only possible while the
// mission is still accepted; it expires the mission and releases the slot.
func (e Engine) WithdrawApplication(ctx context.Context, operatorID, applicationID string) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.Application{}, notFoundAs(err, "application")
	}
	if a.OperatorID != operatorID {
		return domain.Application{}, apperr.NotFound("application")
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	switch a.Status {
	case domain.AppApplied, domain.AppShortlisted:
		ok, err := e.Repo.SetApplicationStatus(ctx, tx, a.ID,
			[]domain.ApplicationStatus{domain.AppApplied, domain.AppShortlisted},
			domain.AppWithdrawn, &now, now)
		if err != nil {
			return domain.Application{}, err
		}
		if !ok {
			return domain.Application{}, apperr.Conflict("application was modified concurrently")
		}
	case domain.AppSelected:
		ok, err := e.Repo.SetApplicationStatus(ctx, tx, a.ID,
			[]domain.ApplicationStatus{domain.AppSelected},
			domain.AppWithdrawn, &now, now)
		if err != nil {
			return domain.Application{}, err
		}
		if !ok {
			return domain.Application{}, apperr.Conflict("application was modified concurrently")
		}
		missions, err := e.Repo.ListMissionsForDeal(ctx, tx, a.DealID)
		if err != nil {
			return domain.Application{}, err
		}
		for _, m := range missions {
			if m.OperatorID != a.OperatorID {
				continue
			}
			if m.Status != domain.MissionAccepted {
				return domain.Application{}, apperr.InvalidState("mission is %s, cancel it instead of withdrawing", m.Status)
			}
			changed, err := e.Repo.SetMissionStatus(ctx, tx, m.ID,
				[]domain.MissionStatus{domain.MissionAccepted}, domain.MissionExpired, now)
			if err != nil {
				return domain.Application{}, err
			}
			if !changed {
				return domain.Application{}, apperr.Conflict("mission was modified concurrently")
			}
			if err := e.Repo.ReleaseSlot(ctx, tx, a.DealID, now); err != nil {
				return domain.Application{}, err
			}
			if err := e.Events.Append(ctx, tx, "mission.expired", "mission", m.ID, operatorID, events.EventPayload{"reason": "withdrawn"}); err != nil {
				return domain.Application{}, err
			}
		}
	default:
		return domain.Application{}, apperr.InvalidState("application is %s and cannot be withdrawn", a.Status)
	}

	if err := e.Events.Append(ctx, tx, "application.withdrawn", "application", a.ID, operatorID, nil); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	a.Status = domain.AppWithdrawn
	a.DecidedAt = &now
	a.UpdatedAt = now
	return a, nil
}

func (e Engine) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, id)
	if err != nil {
		return domain.Application{}, notFoundAs(err, "application")
	}
	return a, nil
}

func (e Engine) ListApplications(ctx context.Context, f repo.ApplicationFilters) ([]domain.Application, error) {
	return e.Repo.ListApplications(ctx, f)
}

func (e Engine) ownedApplication(ctx context.Context, agentID, applicationID string) (domain.Application, domain.Deal, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.Application{}, domain.Deal{}, notFoundAs(err, "application")
	}
	d, err := e.Repo.GetDeal(ctx, a.DealID)
	if err != nil {
		return domain.Application{}, domain.Deal{}, notFoundAs(err, "deal")
	}
	if d.AgentID != agentID {
		return domain.Application{}, domain.Deal{}, apperr.NotFound("application")
	}
	return a, d, nil
}
