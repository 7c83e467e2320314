package engine

import "missionline/internal/domain"

// TrustLevelFor derives the display trust level from an agent's payout
// aggregate. Pure function of the aggregate so it never needs recomputation
// jobs; callers evaluate it on read.
func TrustLevelFor(a domain.Agent) domain.TrustLevel {
	if a.Suspended {
		return domain.TrustSuspended
	}
	if a.OverdueCount >= 2 {
		return domain.TrustWarning
	}
	total := a.PaidCount + a.OverdueCount
	if total > 0 {
		onTime := float64(a.PaidCount) / float64(total)
		if a.PaidCount >= 50 && onTime >= 0.98 {
			return domain.TrustExcellent
		}
		if a.PaidCount >= 10 && onTime >= 0.90 {
			return domain.TrustGood
		}
	}
	return domain.TrustNew
}

// AgentProfile is an agent with its derived trust level attached.
type AgentProfile struct {
	domain.Agent
	TrustLevel domain.TrustLevel `json:"trust_level" enum:"suspended,warning,excellent,good,new"`
}

func Profile(a domain.Agent) AgentProfile {
	return AgentProfile{Agent: a, TrustLevel: TrustLevelFor(a)}
}
