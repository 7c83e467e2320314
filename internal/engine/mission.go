package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missionline/internal/apperr"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// SubmitMission records the work URL and runs mechanical verification in the
// same transaction. Verification is deterministic, so the outcome is stored
// immediately: verified for fee-first deals, paid for immediate deals, or
// rejected with the failing checks recorded for audit.
func (e Engine) SubmitMission(ctx context.Context, operatorID, missionID, submissionURL, content string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "mission")
	}
	if m.OperatorID != operatorID {
		return domain.Mission{}, apperr.NotFound("mission")
	}
	if m.Status != domain.MissionAccepted {
		return domain.Mission{}, apperr.InvalidState("mission is %s, only accepted missions can be submitted", m.Status)
	}
	d, err := e.Repo.GetDeal(ctx, m.DealID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "deal")
	}

	verdict := VerifySubmission(d.Requirements, submissionURL, content)
	detailJSON, err := json.Marshal(verdict)
	if err != nil {
		return domain.Mission{}, err
	}
	detail := string(detailJSON)

	now := e.nowStr()
	m.SubmissionURL = &submissionURL
	m.VerificationDetail = &detail
	m.SubmittedAt = &now
	m.UpdatedAt = now

	evtType := "mission.rejected"
	switch {
	case !verdict.Passed:
		m.Status = domain.MissionRejected
	case d.PaymentModel == domain.PayImmediate:
		m.Status = domain.MissionPaid
		m.VerifiedAt = &now
		m.PaidAt = &now
		evtType = "mission.paid"
	default:
		m.Status = domain.MissionVerified
		m.VerifiedAt = &now
		evtType = "mission.verified"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateMissionFrom(ctx, tx, m, []domain.MissionStatus{domain.MissionAccepted})
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, apperr.Conflict("mission was modified concurrently")
	}
	if m.Status == domain.MissionPaid {
		p := domain.Payment{
			ID:          uuid.New().String(),
			MissionID:   m.ID,
			Type:        domain.PaymentPayout,
			AmountCents: d.RewardCents,
			Status:      domain.PaymentConfirmed,
			CreatedAt:   now,
			ConfirmedAt: &now,
		}
		if err := e.Repo.InsertPayment(ctx, tx, p); err != nil {
			return domain.Mission{}, fmt.Errorf("insert payment: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, "mission", m.ID, operatorID, events.EventPayload{"passed": verdict.Passed, "url": submissionURL}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}

	title := "Submission verified"
	body := fmt.Sprintf("A submission for %q passed verification.", d.Title)
	if !verdict.Passed {
		title = "Submission rejected"
		body = fmt.Sprintf("A submission for %q failed verification: %s.", d.Title, verdict.Summary())
	}
	e.Notify.Notify(ctx, d.AgentID, evtType, title, body, "mission", m.ID, nil)
	return m, nil
}

// CancelMission moves a mission to expired and releases its deal slot. A
// cancellation after submission also puts the operator's application on a
// re-application cooldown and bumps the operator's cancel counter.
func (e Engine) CancelMission(ctx context.Context, callerID, missionID, reason string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "mission")
	}
	d, err := e.Repo.GetDeal(ctx, m.DealID)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "deal")
	}
	if callerID != m.OperatorID && callerID != d.AgentID {
		return domain.Mission{}, apperr.NotFound("mission")
	}
	switch m.Status {
	case domain.MissionAccepted, domain.MissionSubmitted, domain.MissionVerified:
	default:
		return domain.Mission{}, apperr.InvalidState("mission is %s and cannot be cancelled", m.Status)
	}
	postSubmission := m.Status != domain.MissionAccepted
	byOperator := callerID == m.OperatorID

	now := e.now()
	nowStr := now.Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.SetMissionStatus(ctx, tx, m.ID,
		[]domain.MissionStatus{domain.MissionAccepted, domain.MissionSubmitted, domain.MissionVerified},
		domain.MissionExpired, nowStr)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, apperr.Conflict("mission was modified concurrently")
	}
	if err := e.Repo.ReleaseSlot(ctx, tx, m.DealID, nowStr); err != nil {
		return domain.Mission{}, err
	}

	app, err := e.Repo.LatestApplicationForPair(ctx, tx, m.DealID, m.OperatorID)
	switch {
	case err == nil:
		if _, err := e.Repo.SetApplicationStatus(ctx, tx, app.ID,
			[]domain.ApplicationStatus{domain.AppSelected},
			domain.AppCancelled, &nowStr, nowStr); err != nil {
			return domain.Mission{}, err
		}
		if postSubmission && byOperator {
			until := now.Add(time.Duration(e.Config.Cooldown.ReapplyHours) * time.Hour).Format(time.RFC3339)
			if err := e.Repo.SetApplicationCooldown(ctx, tx, app.ID, until, nowStr); err != nil {
				return domain.Mission{}, err
			}
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.Mission{}, err
	}

	if postSubmission && byOperator {
		if err := e.Repo.IncrementOperatorCancelled(ctx, tx, m.OperatorID); err != nil {
			return domain.Mission{}, err
		}
	}

	payload := events.EventPayload{"by": callerID}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, "mission.cancelled", "mission", m.ID, callerID, payload); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}

	other := m.OperatorID
	if byOperator {
		other = d.AgentID
	}
	e.Notify.Notify(ctx, other, "mission.cancelled", "Mission cancelled",
		fmt.Sprintf("A mission on %q was cancelled.", d.Title), "mission", m.ID, nil)

	m.Status = domain.MissionExpired
	m.UpdatedAt = nowStr
	return m, nil
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, notFoundAs(err, "mission")
	}
	return m, nil
}

func (e Engine) ListMissions(ctx context.Context, f repo.MissionFilters) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx, f)
}
