// Package nonce guards signed requests against replay. One actor per agent
// serializes all nonce checks for that agent, so a nonce cannot be accepted
// twice even under a burst of concurrent identical requests.
package nonce

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"
	"time"

	"missionline/internal/actor"
	"missionline/internal/apperr"
)

// TTL exceeds the signature timestamp tolerance window with margin.
const TTL = 10 * time.Minute

const (
	ReasonInvalidNonce = "invalid_nonce"
	ReasonNonceReused  = "nonce_reused"
)

type Result struct {
	Valid  bool
	Reason string
}

// guardState is the persisted per-agent state: nonce -> expiry unix ms.
type guardState struct {
	Seen map[string]int64 `json:"seen"`
}

type Guard struct {
	system *actor.System
	// resetCredential authorizes Reset; empty disables it entirely.
	resetCredential string
	Now             func() time.Time
}

func New(store actor.StateStore, resetCredential string) *Guard {
	return &Guard{
		system:          actor.NewSystem("nonce", store),
		resetCredential: resetCredential,
		Now:             time.Now,
	}
}

// Check accepts a nonce exactly once within the TTL window. Expired entries
// are purged before the new nonce is evaluated, bounding state to the window.
func (g *Guard) Check(ctx context.Context, agentID, nonce string) (Result, error) {
	nonce = strings.TrimSpace(nonce)
	if nonce == "" || len(nonce) > 128 {
		return Result{Valid: false, Reason: ReasonInvalidNonce}, nil
	}
	now := g.Now()
	var res Result
	err := g.system.Do(ctx, agentID, func(state []byte) ([]byte, error) {
		st, err := loadState(state)
		if err != nil {
			return nil, err
		}
		nowMs := now.UnixMilli()
		for n, exp := range st.Seen {
			if exp < nowMs {
				delete(st.Seen, n)
			}
		}
		if _, dup := st.Seen[nonce]; dup {
			res = Result{Valid: false, Reason: ReasonNonceReused}
			return json.Marshal(st) // persist the purge
		}
		st.Seen[nonce] = now.Add(TTL).UnixMilli()
		res = Result{Valid: true}
		return json.Marshal(st)
	})
	return res, err
}

// Reset clears an agent's nonce set. Test environments only; the internal
// credential must match or the call is rejected.
func (g *Guard) Reset(ctx context.Context, agentID, credential string) error {
	if g.resetCredential == "" ||
		subtle.ConstantTimeCompare([]byte(credential), []byte(g.resetCredential)) != 1 {
		return apperr.Conflict("nonce reset not permitted")
	}
	return g.system.Do(ctx, agentID, func([]byte) ([]byte, error) {
		return json.Marshal(&guardState{Seen: map[string]int64{}})
	})
}

func (g *Guard) Close() { g.system.Close() }

func loadState(state []byte) (*guardState, error) {
	if state == nil {
		return &guardState{Seen: map[string]int64{}}, nil
	}
	var st guardState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, err
	}
	if st.Seen == nil {
		st.Seen = map[string]int64{}
	}
	return &st, nil
}
