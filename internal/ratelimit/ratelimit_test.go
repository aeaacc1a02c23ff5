package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGuard(counter Counter, p Policy) (*Guard, *clock) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC)}
	return NewGuard(counter, p, zerolog.Nop(), WithClock(clk.Now)), clk
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 7, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 5, 0, 0, time.UTC), WindowStart(now, 5*time.Minute))
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), WindowStart(now, time.Hour))

	boundary := time.Date(2026, 5, 1, 12, 10, 0, 0, time.UTC)
	assert.Equal(t, boundary, WindowStart(boundary, 5*time.Minute))
}

func TestGuard_AdmitsUpToMaxThenRejects(t *testing.T) {
	g, _ := newTestGuard(NewMemoryCounter(), Policy{
		Actor:        Limit{Max: 3, Window: time.Minute},
		Organisation: Limit{Max: 100, Window: time.Minute},
	})
	ctx := context.Background()
	req := Request{ActorID: "u1", OrganisationID: "org1", OperationKind: "ai_summary"}

	for i := 1; i <= 3; i++ {
		d, err := g.Check(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, i, d.Actor.Count)
	}

	d, err := g.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Rejection)
	assert.Equal(t, ScopeActor, d.Rejection.Scope)
	assert.Equal(t, 4, d.Rejection.Count)
	assert.Equal(t, 3, d.Rejection.Max)
	assert.Equal(t, 60, d.Rejection.WindowSeconds)
}

func TestGuard_WindowRolloverResetsCount(t *testing.T) {
	g, clk := newTestGuard(NewMemoryCounter(), Policy{
		Actor:        Limit{Max: 1, Window: time.Minute},
		Organisation: Limit{Max: 100, Window: time.Minute},
	})
	ctx := context.Background()
	req := Request{ActorID: "u1", OperationKind: "ai_summary"}

	d, err := g.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clk.Advance(time.Minute)
	d, err = g.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Actor.Count)
}

func TestMemoryCounter_StaleWindowCountsAgainstCurrent(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	key := Key{Scope: ScopeActor, ScopeKey: "u1", OperationKind: "forecast"}
	current := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	n, err := c.Increment(ctx, key, current, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Increment(ctx, key, current.Add(-time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Increment(ctx, key, current.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGuard_OrganisationScope(t *testing.T) {
	g, _ := newTestGuard(NewMemoryCounter(), Policy{
		Actor:        Limit{Max: 10, Window: time.Minute},
		Organisation: Limit{Max: 2, Window: time.Minute},
	})
	ctx := context.Background()

	for _, actor := range []string{"u1", "u2"} {
		d, err := g.Check(ctx, Request{ActorID: actor, OrganisationID: "org1", OperationKind: "ai_summary"})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := g.Check(ctx, Request{ActorID: "u3", OrganisationID: "org1", OperationKind: "ai_summary"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeOrganisation, d.Rejection.Scope)
	assert.Equal(t, 3, d.Rejection.Count)

	// Without an organisation only the actor scope applies.
	d, err = g.Check(ctx, Request{ActorID: "u3", OperationKind: "ai_summary"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Organisation)
}

func TestGuard_ActorReportedWhenBothExceeded(t *testing.T) {
	g, _ := newTestGuard(NewMemoryCounter(), Policy{
		Actor:        Limit{Max: 1, Window: time.Minute},
		Organisation: Limit{Max: 1, Window: time.Minute},
	})
	ctx := context.Background()
	req := Request{ActorID: "u1", OrganisationID: "org1", OperationKind: "export"}

	_, err := g.Check(ctx, req)
	require.NoError(t, err)
	d, err := g.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ScopeActor, d.Rejection.Scope)
}

func TestGuard_OperationKindsAreIndependent(t *testing.T) {
	g, _ := newTestGuard(NewMemoryCounter(), Policy{
		Actor:        Limit{Max: 1, Window: time.Minute},
		Organisation: Limit{Max: 10, Window: time.Minute},
	})
	ctx := context.Background()

	d, err := g.Check(ctx, Request{ActorID: "u1", OperationKind: "ai_summary"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.Check(ctx, Request{ActorID: "u1", OperationKind: "export"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGuard_PolicyOverride(t *testing.T) {
	g := NewGuard(NewMemoryCounter(), DefaultPolicy(), zerolog.Nop(),
		WithPolicy("bulk_export", Policy{Actor: Limit{Max: 1, Window: time.Hour}, Organisation: Limit{Max: 5, Window: time.Hour}}))

	assert.Equal(t, 20, g.PolicyFor("ai_summary").Actor.Max)
	assert.Equal(t, 1, g.PolicyFor("bulk_export").Actor.Max)
}

func TestGuard_ValidatesRequest(t *testing.T) {
	g, _ := newTestGuard(NewMemoryCounter(), DefaultPolicy())

	_, err := g.Check(context.Background(), Request{OperationKind: "ai_summary"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = g.Check(context.Background(), Request{ActorID: "u1", OperationKind: "Bad Kind!"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestRejection_Err(t *testing.T) {
	r := &Rejection{Scope: ScopeActor, Count: 21, Max: 20,
		WindowStart: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), WindowSeconds: 300}

	err := r.Err()
	assert.Equal(t, errors.ErrCodeRateLimited, errors.CodeOf(err))
	md := errors.MetadataOf(err)
	assert.Equal(t, "actor", md["scope"])
	assert.Equal(t, "21", md["count"])
	assert.Equal(t, "300", md["window_seconds"])
}

func TestRedisCounter(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	counter := NewRedisCounter(client)
	ctx := context.Background()
	key := Key{Scope: ScopeActor, ScopeKey: "u1", OperationKind: "ai_summary"}
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv.SetTime(start)

	n, err := counter.Increment(ctx, key, start, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = counter.Increment(ctx, key, start, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A new window uses a new key.
	n, err = counter.Increment(ctx, key, start.Add(5*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, srv.Exists("rl:actor:ai_summary:u1:1777636800"))
}

func TestRedisCounter_WithGuard(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g, clk := newTestGuard(NewRedisCounter(client), Policy{
		Actor:        Limit{Max: 2, Window: time.Minute},
		Organisation: Limit{Max: 10, Window: time.Minute},
	})
	srv.SetTime(clk.Now())
	req := Request{ActorID: "u1", OrganisationID: "org1", OperationKind: "ai_summary"}

	for i := 0; i < 2; i++ {
		d, err := g.Check(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := g.Check(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestPostgresCounter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO rate_limit_counters").
		WithArgs("organisation", "org1", "ai_summary", start).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := NewPostgresCounter(mock).Increment(context.Background(),
		Key{Scope: ScopeOrganisation, ScopeKey: "org1", OperationKind: "ai_summary"}, start, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCounter_StaleWindowDoesNotReset(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherFunc(
		func(_ string, actual string) error {
			for _, want := range []string{
				"rate_limit_counters.window_start >= EXCLUDED.window_start",
				"GREATEST(rate_limit_counters.window_start, EXCLUDED.window_start)",
			} {
				if !strings.Contains(actual, want) {
					return fmt.Errorf("upsert is missing %q", want)
				}
			}
			return nil
		})))
	require.NoError(t, err)
	defer mock.Close()

	stale := time.Date(2026, 5, 1, 11, 55, 0, 0, time.UTC)
	mock.ExpectQuery("rate_limit_counters").
		WithArgs("actor", "u1", "forecast", stale).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := NewPostgresCounter(mock).Increment(context.Background(),
		Key{Scope: ScopeActor, ScopeKey: "u1", OperationKind: "forecast"}, stale, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
