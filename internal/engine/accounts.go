package engine

import (
	"context"
	"regexp"

	"missionline/internal/apperr"
	"missionline/internal/domain"
)

var (
	evmAddressRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	solanaAddressRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

func (e Engine) GetAgentProfile(ctx context.Context, id string) (AgentProfile, error) {
	a, err := e.Repo.GetAgent(ctx, id)
	if err != nil {
		return AgentProfile{}, notFoundAs(err, "agent")
	}
	return Profile(a), nil
}

func (e Engine) GetOperator(ctx context.Context, id string) (domain.Operator, error) {
	o, err := e.Repo.GetOperator(ctx, id)
	if err != nil {
		return domain.Operator{}, notFoundAs(err, "operator")
	}
	return o, nil
}

// SetOperatorAddresses records payout addresses. Either address may be omitted
// to leave the stored value untouched.
func (e Engine) SetOperatorAddresses(ctx context.Context, operatorID string, evm, solana *string) (domain.Operator, error) {
	if evm != nil && !evmAddressRe.MatchString(*evm) {
		return domain.Operator{}, apperr.InvalidState("evm_address must be a 0x-prefixed 20-byte hex address")
	}
	if solana != nil && !solanaAddressRe.MatchString(*solana) {
		return domain.Operator{}, apperr.InvalidState("solana_address must be a base58 public key")
	}
	if err := e.EnsureOperator(ctx, operatorID); err != nil {
		return domain.Operator{}, err
	}
	if err := e.Repo.SetOperatorAddresses(ctx, operatorID, evm, solana); err != nil {
		return domain.Operator{}, err
	}
	return e.GetOperator(ctx, operatorID)
}

// Inbox returns the newest stored notifications for a principal.
func (e Engine) Inbox(ctx context.Context, recipientID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return e.Repo.ListNotifications(ctx, recipientID, limit)
}
