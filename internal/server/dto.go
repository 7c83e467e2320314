package server

import (
	"missionline/internal/domain"
	"missionline/internal/engine"
)

type CreateDealRequest struct {
	ID           *string             `json:"id,omitempty"`
	Title        string              `json:"title"`
	Description  *string             `json:"description,omitempty"`
	RewardCents  int64               `json:"reward_cents"`
	FeePercent   *int                `json:"fee_percent,omitempty" minimum:"0" maximum:"100"`
	PaymentModel *string             `json:"payment_model,omitempty" enum:"immediate,fee_first"`
	SlotsTotal   int                 `json:"slots_total" minimum:"1"`
	Visibility   *string             `json:"visibility,omitempty" enum:"visible,hidden"`
	Requirements domain.Requirements `json:"requirements,omitempty"`
	ExpiresAt    *string             `json:"expires_at,omitempty" format:"date-time"`
	Activate     bool                `json:"activate,omitempty"`
}

type ApplyRequest struct {
	Message *string `json:"message,omitempty"`
}

type SubmitRequest struct {
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

type CancelRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type ApproveRequest struct {
	DeadlineHours *int `json:"deadline_hours,omitempty" minimum:"1"`
}

type UnlockRequest struct {
	TxHash string `json:"tx_hash"`
	Chain  string `json:"chain"`
	Token  string `json:"token"`
}

type ConfirmRequest struct {
	TxHash string `json:"tx_hash"`
	Chain  string `json:"chain"`
	Token  string `json:"token"`
}

type AddressesRequest struct {
	EVMAddress    *string `json:"evm_address,omitempty"`
	SolanaAddress *string `json:"solana_address,omitempty"`
}

type NonceResetRequest struct {
	Credential string `json:"credential"`
}

type DealResponse struct {
	domain.Deal
	SlotsRemaining int `json:"slots_remaining"`
}

func dealResponse(d domain.Deal) DealResponse {
	return DealResponse{Deal: d, SlotsRemaining: d.SlotsTotal - d.SlotsSelected}
}

func mapDeals(items []domain.Deal) []DealResponse {
	out := make([]DealResponse, len(items))
	for i, d := range items {
		out[i] = dealResponse(d)
	}
	return out
}

type MissionResponse struct {
	domain.Mission
	Payments []domain.Payment `json:"payments,omitempty"`
}

type SweepResponse struct {
	engine.SweepResult
}

type APIKeyIssueRequest struct {
	PrincipalID string  `json:"principal_id"`
	Role        string  `json:"role" enum:"agent,operator"`
	Name        *string `json:"name,omitempty"`
}

type APIKeyIssueResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type DevLoginRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role" enum:"agent,operator"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
