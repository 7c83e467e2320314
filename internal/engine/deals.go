package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"missionline/internal/apperr"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// DealCreateOptions are parameters for publishing a deal.
type DealCreateOptions struct {
	ID           string
	AgentID      string
	Title        string
	Description  string
	RewardCents  int64
	FeePercent   int
	PaymentModel domain.PaymentModel
	SlotsTotal   int
	Visibility   domain.DealVisibility
	Requirements domain.Requirements
	ExpiresAt    string
	Activate     bool
}

func (e Engine) CreateDeal(ctx context.Context, opts DealCreateOptions) (domain.Deal, error) {
	if e.Config == nil {
		return domain.Deal{}, errors.New("config not loaded")
	}
	if opts.AgentID == "" {
		return domain.Deal{}, apperr.InvalidState("agent is required")
	}
	if opts.Title == "" {
		return domain.Deal{}, apperr.InvalidState("title is required")
	}
	if opts.SlotsTotal < 1 {
		return domain.Deal{}, apperr.InvalidState("slots_total must be at least 1")
	}
	if opts.RewardCents <= 0 {
		return domain.Deal{}, apperr.InvalidState("reward_cents must be positive")
	}
	if opts.FeePercent == 0 {
		opts.FeePercent = e.Config.Payments.FeePercentDefault
	}
	if opts.FeePercent < 0 || opts.FeePercent > 100 {
		return domain.Deal{}, apperr.InvalidState("fee_percent must be within 0..100")
	}
	if opts.PaymentModel == "" {
		opts.PaymentModel = domain.PayFeeFirst
	}
	if opts.PaymentModel != domain.PayFeeFirst && opts.PaymentModel != domain.PayImmediate {
		return domain.Deal{}, apperr.InvalidState("unknown payment model %q", opts.PaymentModel)
	}
	if opts.Visibility == "" {
		opts.Visibility = domain.DealVisible
	}
	if opts.ExpiresAt != "" {
		if _, ok := parseRFC3339(opts.ExpiresAt); !ok {
			return domain.Deal{}, apperr.InvalidState("expires_at must be RFC3339")
		}
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := domain.DealDraft
	if opts.Activate {
		status = domain.DealActive
	}
	d := domain.Deal{
		ID:           id,
		AgentID:      opts.AgentID,
		Title:        opts.Title,
		Description:  opts.Description,
		RewardCents:  opts.RewardCents,
		FeePercent:   opts.FeePercent,
		PaymentModel: opts.PaymentModel,
		SlotsTotal:   opts.SlotsTotal,
		Status:       status,
		Visibility:   opts.Visibility,
		Requirements: opts.Requirements,
		ExpiresAt:    optionalString(opts.ExpiresAt),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureAgent(ctx, tx, opts.AgentID, now); err != nil {
		return domain.Deal{}, err
	}
	if err := e.Repo.InsertDeal(ctx, tx, d); err != nil {
		return domain.Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "deal.created", "deal", d.ID, opts.AgentID, events.EventPayload{"title": d.Title, "status": d.Status, "slots_total": d.SlotsTotal}); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// ActivateDeal opens a draft deal for applications.
func (e Engine) ActivateDeal(ctx context.Context, agentID, dealID string) (domain.Deal, error) {
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return domain.Deal{}, notFoundAs(err, "deal")
	}
	if d.AgentID != agentID {
		return domain.Deal{}, apperr.NotFound("deal")
	}
	if d.Status != domain.DealDraft {
		return domain.Deal{}, apperr.InvalidState("deal is %s, only draft deals can be activated", d.Status)
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetDealStatus(ctx, tx, dealID, domain.DealDraft, domain.DealActive, now)
	if err != nil {
		return domain.Deal{}, err
	}
	if !ok {
		return domain.Deal{}, apperr.Conflict("deal was modified concurrently")
	}
	if err := e.Events.Append(ctx, tx, "deal.activated", "deal", d.ID, agentID, nil); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}
	d.Status = domain.DealActive
	d.UpdatedAt = now
	return d, nil
}

// CancelDeal closes a deal and expires its non-terminal missions, releasing
// their slots in the same transaction.
func (e Engine) CancelDeal(ctx context.Context, agentID, dealID string) (domain.Deal, error) {
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return domain.Deal{}, notFoundAs(err, "deal")
	}
	if d.AgentID != agentID {
		return domain.Deal{}, apperr.NotFound("deal")
	}
	if d.Status != domain.DealDraft && d.Status != domain.DealActive {
		return domain.Deal{}, apperr.InvalidState("deal is %s and cannot be cancelled", d.Status)
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetDealStatus(ctx, tx, dealID, d.Status, domain.DealCancelled, now)
	if err != nil {
		return domain.Deal{}, err
	}
	if !ok {
		return domain.Deal{}, apperr.Conflict("deal was modified concurrently")
	}
	missions, err := e.Repo.ListMissionsForDeal(ctx, tx, dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	var expired []domain.Mission
	for _, m := range missions {
		if m.Status.Terminal() {
			continue
		}
		changed, err := e.Repo.SetMissionStatus(ctx, tx, m.ID,
			[]domain.MissionStatus{domain.MissionAccepted, domain.MissionSubmitted, domain.MissionVerified, domain.MissionApproved, domain.MissionAddressUnlocked},
			domain.MissionExpired, now)
		if err != nil {
			return domain.Deal{}, err
		}
		if !changed {
			continue
		}
		if err := e.Repo.ReleaseSlot(ctx, tx, dealID, now); err != nil {
			return domain.Deal{}, err
		}
		if err := e.Events.Append(ctx, tx, "mission.expired", "mission", m.ID, agentID, events.EventPayload{"reason": "deal_cancelled"}); err != nil {
			return domain.Deal{}, err
		}
		expired = append(expired, m)
	}
	if err := e.Events.Append(ctx, tx, "deal.cancelled", "deal", d.ID, agentID, nil); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}
	for _, m := range expired {
		e.Notify.Notify(ctx, m.OperatorID, "mission.expired", "Mission cancelled",
			fmt.Sprintf("The deal %q was cancelled by its agent.", d.Title), "mission", m.ID, nil)
	}
	d.Status = domain.DealCancelled
	d.UpdatedAt = now
	return d, nil
}

func (e Engine) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	d, err := e.Repo.GetDeal(ctx, id)
	if err != nil {
		return domain.Deal{}, notFoundAs(err, "deal")
	}
	return d, nil
}

func (e Engine) ListDeals(ctx context.Context, f repo.DealFilters) ([]domain.Deal, error) {
	return e.Repo.ListDeals(ctx, f)
}
