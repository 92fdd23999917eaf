package coldstart

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/coord"
	"github.com/ringflow/dialer/internal/lease"
)

type fakeCalls struct {
	calls map[string][]callstore.Call
}

func (f *fakeCalls) ActiveCalls(_ context.Context, campaignID string) ([]callstore.Call, error) {
	return f.calls[campaignID], nil
}

func setupGuard(t *testing.T, calls *fakeCalls) (*miniredis.Miniredis, *redis.Client, *Guard) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g := New(client, calls, Config{
		Grace:         30 * time.Second,
		PreDialTTLMax: time.Minute,
		ActiveTTL:     2 * time.Hour,
	}, zerolog.Nop())
	return mr, client, g
}

func TestEnsureReadyFreshCampaign(t *testing.T) {
	_, client, g := setupGuard(t, &fakeCalls{})
	ctx := context.Background()

	ready, err := g.EnsureReady(ctx, "K")
	require.NoError(t, err)
	assert.True(t, ready, "no leases and no live calls: nothing to recover")

	// The decision is remembered.
	state, err := client.Get(ctx, coord.NewKeys("K").ColdStart()).Result()
	require.NoError(t, err)
	assert.Equal(t, "done", state)
}

func TestEnsureReadyWarmStore(t *testing.T) {
	_, client, g := setupGuard(t, &fakeCalls{})
	ctx := context.Background()

	require.NoError(t, client.SAdd(ctx, coord.NewKeys("K").Leases(), "call-1").Err())

	ready, err := g.EnsureReady(ctx, "K")
	require.NoError(t, err)
	assert.True(t, ready, "non-empty lease set means no wipe happened")
}

func TestEnsureReadyDetectsWipe(t *testing.T) {
	calls := &fakeCalls{calls: map[string][]callstore.Call{
		"K": {
			{ID: "call-1", CampaignID: "K", Status: callstore.CallActive, ActiveToken: "tok-a"},
			{ID: "call-2", CampaignID: "K", Status: callstore.CallDialing},
		},
	}}
	_, client, g := setupGuard(t, calls)
	ctx := context.Background()
	k := coord.NewKeys("K")

	ready, err := g.EnsureReady(ctx, "K")
	require.NoError(t, err)
	assert.False(t, ready, "rebuild blocks promotion")

	// Active call rebuilt with its stored token, dialing call with sentinel.
	tok, err := client.Get(ctx, k.Lease("call-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, "tok-a", tok)

	tok, err = client.Get(ctx, k.Lease(coord.PreMember("call-2"))).Result()
	require.NoError(t, err)
	assert.Equal(t, lease.RecoveredToken, tok)

	card, err := client.SCard(ctx, k.Leases()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, card)

	// Still blocking on the next pass.
	ready, err = g.EnsureReady(ctx, "K")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestEnsureReadyGraceExpiry(t *testing.T) {
	calls := &fakeCalls{calls: map[string][]callstore.Call{
		"K": {{ID: "call-1", CampaignID: "K", Status: callstore.CallActive}},
	}}
	mr, _, g := setupGuard(t, calls)
	ctx := context.Background()

	ready, err := g.EnsureReady(ctx, "K")
	require.NoError(t, err)
	require.False(t, ready)

	// Blocking marker expires after the grace window. The rebuilt leases
	// are still in place, so the next pass sees a warm store.
	mr.FastForward(31 * time.Second)

	ready, err = g.EnsureReady(ctx, "K")
	require.NoError(t, err)
	assert.True(t, ready, "grace expiry unblocks promotion")
}

func TestMarkUpgradedLiftsBlocking(t *testing.T) {
	calls := &fakeCalls{calls: map[string][]callstore.Call{
		"K": {{ID: "call-1", CampaignID: "K", Status: callstore.CallActive}},
	}}
	_, _, g := setupGuard(t, calls)
	ctx := context.Background()

	ready, err := g.EnsureReady(ctx, "K")
	require.NoError(t, err)
	require.False(t, ready)

	require.NoError(t, g.MarkUpgraded(ctx, "K"))

	ready, err = g.EnsureReady(ctx, "K")
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestReapRecovered(t *testing.T) {
	_, client, g := setupGuard(t, &fakeCalls{})
	ctx := context.Background()
	k := coord.NewKeys("K")

	// One sentinel, one real lease.
	require.NoError(t, client.SAdd(ctx, k.Leases(), "call-1", "call-2").Err())
	require.NoError(t, client.Set(ctx, k.Lease("call-1"), lease.RecoveredToken, time.Hour).Err())
	require.NoError(t, client.Set(ctx, k.Lease("call-2"), "real-token", time.Hour).Err())

	reaped, err := g.ReapRecovered(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	card, err := client.SCard(ctx, k.Leases()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)
	exists, err := client.Exists(ctx, k.Lease("call-2")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists, "real lease untouched")
}

func TestReapRecoveredWaitsForBlockingToLift(t *testing.T) {
	_, client, g := setupGuard(t, &fakeCalls{})
	ctx := context.Background()
	k := coord.NewKeys("K")

	require.NoError(t, client.SAdd(ctx, k.Leases(), "call-1").Err())
	require.NoError(t, client.Set(ctx, k.Lease("call-1"), lease.RecoveredToken, time.Hour).Err())
	require.NoError(t, client.Set(ctx, k.ColdStart(), "blocking", time.Hour).Err())

	reaped, err := g.ReapRecovered(ctx, "K")
	require.NoError(t, err)
	assert.Zero(t, reaped, "sentinels survive while blocking")
}
