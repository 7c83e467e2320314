package engine

import (
	"context"
	"fmt"

	"missionline/internal/apperr"
	"missionline/internal/domain"
	"missionline/internal/events"
)

// SweepResult summarizes one overdue sweep pass.
type SweepResult struct {
	Overdue         int      `json:"overdue"`
	SuspendedAgents []string `json:"suspended_agents,omitempty"`
}

// SweepOverdue scans missions whose payout deadline has passed without a
// confirmed payout and suspends the owing agents. Suspension blocks further
// approvals until lifted; it does not touch the missions themselves, which
// stay payable.
func (e Engine) SweepOverdue(ctx context.Context) (SweepResult, error) {
	now := e.nowStr()
	missions, err := e.Repo.ListOverdueMissions(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Overdue: len(missions)}
	if len(missions) == 0 {
		return res, nil
	}

	byAgent := map[string][]domain.Mission{}
	for _, m := range missions {
		d, err := e.Repo.GetDeal(ctx, m.DealID)
		if err != nil {
			return res, notFoundAs(err, "deal")
		}
		byAgent[d.AgentID] = append(byAgent[d.AgentID], m)
	}

	for agentID, overdue := range byAgent {
		agent, err := e.Repo.GetAgent(ctx, agentID)
		if err != nil {
			return res, notFoundAs(err, "agent")
		}
		if agent.Suspended {
			continue
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return res, err
		}
		if err := e.Repo.SetAgentSuspended(ctx, tx, agentID, true, nil); err != nil {
			tx.Rollback()
			return res, err
		}
		ids := make([]string, len(overdue))
		for i, m := range overdue {
			ids[i] = m.ID
		}
		if err := e.Events.Append(ctx, tx, "agent.suspended", "agent", agentID, "system", events.EventPayload{"overdue_missions": ids}); err != nil {
			tx.Rollback()
			return res, err
		}
		if err := tx.Commit(); err != nil {
			return res, err
		}
		res.SuspendedAgents = append(res.SuspendedAgents, agentID)
		e.Notify.Notify(ctx, agentID, "agent.suspended", "Account suspended",
			fmt.Sprintf("%d mission(s) are past their payout deadline. Confirm the payouts to lift the suspension.", len(overdue)),
			"agent", agentID, nil)
		e.Log.Warn(ctx, "agent suspended for overdue payouts", "agent_id", agentID, "overdue", len(overdue))
	}
	return res, nil
}

// LiftSuspension clears an agent's suspension once no overdue missions remain.
func (e Engine) LiftSuspension(ctx context.Context, agentID string) error {
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return notFoundAs(err, "agent")
	}
	if !agent.Suspended {
		return nil
	}
	now := e.nowStr()
	missions, err := e.Repo.ListOverdueMissions(ctx, now)
	if err != nil {
		return err
	}
	for _, m := range missions {
		d, err := e.Repo.GetDeal(ctx, m.DealID)
		if err != nil {
			return notFoundAs(err, "deal")
		}
		if d.AgentID == agentID {
			return apperr.InvalidState("agent still has overdue missions")
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAgentSuspended(ctx, tx, agentID, false, nil); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "agent.reinstated", "agent", agentID, "system", nil); err != nil {
		return err
	}
	return tx.Commit()
}
