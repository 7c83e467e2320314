// Package ratelimit is the per-(type,key) token-bucket throttle. Every bucket
// is owned by exactly one serialized actor, which is what makes the token
// arithmetic correct without locks: no two checks for the same key ever
// interleave. Bucket state is persisted after each mutation, so limits
// survive a restart.
package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"missionline/internal/actor"
)

// Policy is the static configuration for one limit type.
type Policy struct {
	MaxTokens        float64 `yaml:"max_tokens"`
	RefillRate       float64 `yaml:"refill_rate"`
	RefillIntervalMs int64   `yaml:"refill_interval_ms"`
}

// DefaultPolicy applies to unrecognized limit types.
var DefaultPolicy = Policy{MaxTokens: 30, RefillRate: 1, RefillIntervalMs: 1000}

type Result struct {
	Allowed           bool
	Remaining         float64
	RetryAfterSeconds int
	Frozen            bool
}

// bucket is the persisted actor state. Times are unix milliseconds.
type bucket struct {
	Tokens       float64 `json:"tokens"`
	LastRefillMs int64   `json:"last_refill_ms"`
	Frozen       bool    `json:"frozen"`
	FrozenUntil  int64   `json:"frozen_until_ms,omitempty"`
}

type Limiter struct {
	system   *actor.System
	policies map[string]Policy
	fallback Policy
	Now      func() time.Time
}

func New(store actor.StateStore, policies map[string]Policy) *Limiter {
	return &Limiter{
		system:   actor.NewSystem("ratelimit", store),
		policies: policies,
		fallback: DefaultPolicy,
		Now:      time.Now,
	}
}

func (l *Limiter) policy(typ string) Policy {
	if p, ok := l.policies[typ]; ok {
		return p
	}
	return l.fallback
}

func bucketKey(typ, key string) string { return typ + ":" + key }

// Check admits or denies one request of the given cost.
func (l *Limiter) Check(ctx context.Context, typ, key string, cost float64) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	pol := l.policy(typ)
	now := l.Now()
	var res Result
	err := l.system.Do(ctx, bucketKey(typ, key), func(state []byte) ([]byte, error) {
		b, err := loadBucket(state, pol, now)
		if err != nil {
			return nil, err
		}
		if b.Frozen {
			if now.UnixMilli() < b.FrozenUntil {
				res = Result{
					Allowed:           false,
					Remaining:         b.Tokens,
					RetryAfterSeconds: ceilSeconds(b.FrozenUntil - now.UnixMilli()),
					Frozen:            true,
				}
				return nil, nil
			}
			// freeze elapsed: unfreeze before evaluating tokens
			b.Frozen = false
			b.FrozenUntil = 0
		}
		refill(b, pol, now)
		if b.Tokens >= cost {
			b.Tokens -= cost
			res = Result{Allowed: true, Remaining: b.Tokens}
		} else {
			res = Result{
				Allowed:           false,
				Remaining:         b.Tokens,
				RetryAfterSeconds: retryAfter(cost-b.Tokens, pol),
			}
		}
		return json.Marshal(b)
	})
	return res, err
}

// Freeze denies all checks for the key until the duration elapses,
// independent of token count.
func (l *Limiter) Freeze(ctx context.Context, typ, key string, d time.Duration) error {
	pol := l.policy(typ)
	now := l.Now()
	return l.system.Do(ctx, bucketKey(typ, key), func(state []byte) ([]byte, error) {
		b, err := loadBucket(state, pol, now)
		if err != nil {
			return nil, err
		}
		b.Frozen = true
		b.FrozenUntil = now.Add(d).UnixMilli()
		return json.Marshal(b)
	})
}

func (l *Limiter) Unfreeze(ctx context.Context, typ, key string) error {
	pol := l.policy(typ)
	now := l.Now()
	return l.system.Do(ctx, bucketKey(typ, key), func(state []byte) ([]byte, error) {
		b, err := loadBucket(state, pol, now)
		if err != nil {
			return nil, err
		}
		b.Frozen = false
		b.FrozenUntil = 0
		return json.Marshal(b)
	})
}

func (l *Limiter) Close() { l.system.Close() }

// loadBucket decodes persisted state, creating a full bucket lazily on the
// first check for a key.
func loadBucket(state []byte, pol Policy, now time.Time) (*bucket, error) {
	if state == nil {
		return &bucket{Tokens: pol.MaxTokens, LastRefillMs: now.UnixMilli()}, nil
	}
	var b bucket
	if err := json.Unmarshal(state, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// refill adds whole-interval refills since the last one, capped at max.
// LastRefillMs only advances by consumed intervals so fractional elapsed
// time is never lost.
func refill(b *bucket, pol Policy, now time.Time) {
	if pol.RefillIntervalMs <= 0 || pol.RefillRate <= 0 {
		return
	}
	elapsed := now.UnixMilli() - b.LastRefillMs
	if elapsed <= 0 {
		return
	}
	intervals := elapsed / pol.RefillIntervalMs
	if intervals <= 0 {
		return
	}
	b.Tokens = math.Min(pol.MaxTokens, b.Tokens+float64(intervals)*pol.RefillRate)
	b.LastRefillMs += intervals * pol.RefillIntervalMs
}

// retryAfter estimates seconds until deficit tokens will have refilled.
func retryAfter(deficit float64, pol Policy) int {
	if pol.RefillRate <= 0 || pol.RefillIntervalMs <= 0 {
		return 1
	}
	seconds := deficit / pol.RefillRate * float64(pol.RefillIntervalMs) / 1000
	n := int(math.Ceil(seconds))
	if n < 1 {
		n = 1
	}
	return n
}

func ceilSeconds(ms int64) int {
	n := int(math.Ceil(float64(ms) / 1000))
	if n < 1 {
		n = 1
	}
	return n
}
