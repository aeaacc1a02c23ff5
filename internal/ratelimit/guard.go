// Package ratelimit bounds expensive operations per actor and per
// organisation using fixed-window counters.
package ratelimit

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

// Scope names a counter dimension.
type Scope string

const (
	ScopeActor        Scope = "actor"
	ScopeOrganisation Scope = "organisation"
)

// Limit is a maximum number of admissions per fixed window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Policy holds the limits applied to one operation kind.
type Policy struct {
	Actor        Limit
	Organisation Limit
}

// DefaultPolicy is 20 per actor and 200 per organisation every five minutes.
func DefaultPolicy() Policy {
	return Policy{
		Actor:        Limit{Max: 20, Window: 5 * time.Minute},
		Organisation: Limit{Max: 200, Window: 5 * time.Minute},
	}
}

// Key identifies one counter row.
type Key struct {
	Scope         Scope
	ScopeKey      string
	OperationKind string
}

// Counter atomically increments the counter for key in the window starting at
// windowStart. A counter found in an older window restarts at 1.
type Counter interface {
	Increment(ctx context.Context, key Key, windowStart time.Time, window time.Duration) (int, error)
}

// Request is one guarded invocation.
type Request struct {
	ActorID        string
	OrganisationID string // optional
	OperationKind  string
}

// Usage is a counter value after increment.
type Usage struct {
	Count       int       `json:"count"`
	Max         int       `json:"max"`
	WindowStart time.Time `json:"window_start"`
}

// Rejection describes the limit that was exceeded.
type Rejection struct {
	Scope         Scope     `json:"scope"`
	Count         int       `json:"count"`
	Max           int       `json:"max"`
	WindowStart   time.Time `json:"window_start"`
	WindowSeconds int       `json:"window_seconds"`
}

// Err converts the rejection into a RATE_LIMITED error carrying the
// rejection fields as metadata.
func (r *Rejection) Err() error {
	return &errors.Error{
		Code: errors.ErrCodeRateLimited,
		Message: fmt.Sprintf("rate limit exceeded: %d/%d %s requests in %ds window",
			r.Count, r.Max, r.Scope, r.WindowSeconds),
		Metadata: map[string]string{
			"scope":          string(r.Scope),
			"count":          strconv.Itoa(r.Count),
			"max":            strconv.Itoa(r.Max),
			"window_start":   r.WindowStart.UTC().Format(time.RFC3339),
			"window_seconds": strconv.Itoa(r.WindowSeconds),
		},
	}
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed      bool       `json:"allowed"`
	Actor        Usage      `json:"actor"`
	Organisation *Usage     `json:"organisation,omitempty"`
	Rejection    *Rejection `json:"rejection,omitempty"`
}

var validOperationKind = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Guard checks requests against per-actor and per-organisation limits.
type Guard struct {
	counter   Counter
	defaults  Policy
	overrides map[string]Policy
	now       func() time.Time
	log       zerolog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithPolicy overrides the limits for one operation kind.
func WithPolicy(operationKind string, p Policy) Option {
	return func(g *Guard) { g.overrides[operationKind] = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a Guard over counter using defaults for every operation
// kind without an override.
func NewGuard(counter Counter, defaults Policy, log zerolog.Logger, opts ...Option) *Guard {
	g := &Guard{
		counter:   counter,
		defaults:  defaults,
		overrides: make(map[string]Policy),
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PolicyFor returns the limits that apply to operationKind.
func (g *Guard) PolicyFor(operationKind string) Policy {
	if p, ok := g.overrides[operationKind]; ok {
		return p
	}
	return g.defaults
}

// Check increments both scopes and admits the request only when neither
// exceeds its maximum. The actor scope is evaluated first and is reported
// when both are exceeded. Increments are not rolled back on rejection.
func (g *Guard) Check(ctx context.Context, req Request) (*Decision, error) {
	if req.ActorID == "" {
		return nil, errors.InvalidInput("actor_id", "is required")
	}
	if !validOperationKind.MatchString(req.OperationKind) {
		return nil, errors.InvalidInput("operation_kind", "must match "+validOperationKind.String())
	}

	policy := g.PolicyFor(req.OperationKind)
	now := g.now()
	decision := &Decision{Allowed: true}

	actor, err := g.increment(ctx, Key{Scope: ScopeActor, ScopeKey: req.ActorID, OperationKind: req.OperationKind}, policy.Actor, now)
	if err != nil {
		return nil, err
	}
	decision.Actor = actor

	if req.OrganisationID != "" {
		org, err := g.increment(ctx, Key{Scope: ScopeOrganisation, ScopeKey: req.OrganisationID, OperationKind: req.OperationKind}, policy.Organisation, now)
		if err != nil {
			return nil, err
		}
		decision.Organisation = &org
	}

	switch {
	case decision.Actor.Count > policy.Actor.Max:
		decision.Allowed = false
		decision.Rejection = rejection(ScopeActor, decision.Actor, policy.Actor)
	case decision.Organisation != nil && decision.Organisation.Count > policy.Organisation.Max:
		decision.Allowed = false
		decision.Rejection = rejection(ScopeOrganisation, *decision.Organisation, policy.Organisation)
	}

	if !decision.Allowed {
		g.log.Warn().
			Str("operation_kind", req.OperationKind).
			Str("actor_id", req.ActorID).
			Str("organisation_id", req.OrganisationID).
			Str("scope", string(decision.Rejection.Scope)).
			Int("count", decision.Rejection.Count).
			Int("max", decision.Rejection.Max).
			Msg("rate limit exceeded")
	}
	return decision, nil
}

func (g *Guard) increment(ctx context.Context, key Key, limit Limit, now time.Time) (Usage, error) {
	start := WindowStart(now, limit.Window)
	count, err := g.counter.Increment(ctx, key, start, limit.Window)
	if err != nil {
		return Usage{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to increment rate limit counter")
	}
	return Usage{Count: count, Max: limit.Max, WindowStart: start}, nil
}

func rejection(scope Scope, u Usage, limit Limit) *Rejection {
	return &Rejection{
		Scope:         scope,
		Count:         u.Count,
		Max:           limit.Max,
		WindowStart:   u.WindowStart,
		WindowSeconds: int(limit.Window / time.Second),
	}
}

// WindowStart aligns now to the start of its fixed window:
// floor(now / window) * window, in whole seconds since the epoch.
func WindowStart(now time.Time, window time.Duration) time.Time {
	secs := int64(window / time.Second)
	if secs <= 0 {
		secs = 1
	}
	unix := now.Unix()
	start := unix - mod(unix, secs)
	return time.Unix(start, 0).UTC()
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
