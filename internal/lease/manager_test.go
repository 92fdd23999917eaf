package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringflow/dialer/internal/coord"
)

func setupManager(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Manager) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := NewManager(client, Config{
		PreDialTTL:    20 * time.Second,
		PreDialTTLMax: 60 * time.Second,
		ActiveTTL:     2 * time.Hour,
	}, zerolog.Nop())
	return mr, client, m
}

func TestAcquirePreRespectsLimit(t *testing.T) {
	_, client, m := setupManager(t)
	ctx := context.Background()

	tokens := map[string]string{}
	for _, id := range []string{"a", "b", "c"} {
		tok, ok, err := m.AcquirePre(ctx, "K", id, 3)
		require.NoError(t, err)
		require.True(t, ok, "call %s should be admitted", id)
		tokens[id] = tok
	}

	_, ok, err := m.AcquirePre(ctx, "K", "d", 3)
	require.NoError(t, err)
	assert.False(t, ok, "fourth admission must be denied at limit=3")

	card, err := client.SCard(ctx, coord.NewKeys("K").Leases()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, card)

	// Releasing one slot frees one admission.
	released, err := m.Release(ctx, "K", "a", tokens["a"], true, false)
	require.NoError(t, err)
	require.True(t, released)

	_, ok, err = m.AcquirePre(ctx, "K", "d", 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquirePreCountsReserved(t *testing.T) {
	_, client, m := setupManager(t)
	ctx := context.Background()
	k := coord.NewKeys("K")

	require.NoError(t, client.Set(ctx, k.Reserved(), 2, 0).Err())

	_, ok, err := m.AcquirePre(ctx, "K", "a", 2)
	require.NoError(t, err)
	assert.False(t, ok, "reserved slots count against the limit")

	_, ok, err = m.AcquirePre(ctx, "K", "a", 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquirePreDuplicateDenied(t *testing.T) {
	_, _, m := setupManager(t)
	ctx := context.Background()

	_, ok, err := m.AcquirePre(ctx, "K", "a", 5)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.AcquirePre(ctx, "K", "a", 5)
	require.NoError(t, err)
	assert.False(t, ok, "same call may not hold two pre-dial leases")
}

func TestUpgradeHappyPath(t *testing.T) {
	_, client, m := setupManager(t)
	ctx := context.Background()
	k := coord.NewKeys("K")

	pre, ok, err := m.AcquirePre(ctx, "K", "x", 3)
	require.NoError(t, err)
	require.True(t, ok)

	active, ok, err := m.Upgrade(ctx, "K", "x", pre)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, active)
	assert.NotEqual(t, pre, active, "active token must be fresh")

	// Membership swapped pre-x -> x, pre keys gone.
	isPre, err := client.SIsMember(ctx, k.Leases(), coord.PreMember("x")).Result()
	require.NoError(t, err)
	assert.False(t, isPre)
	isActive, err := client.SIsMember(ctx, k.Leases(), "x").Result()
	require.NoError(t, err)
	assert.True(t, isActive)
	exists, err := client.Exists(ctx, k.Lease(coord.PreMember("x"))).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	// Card unchanged: swap does not consume a second slot.
	card, err := client.SCard(ctx, k.Leases()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)
}

func TestUpgradeWrongTokenLosesRace(t *testing.T) {
	_, _, m := setupManager(t)
	ctx := context.Background()

	_, ok, err := m.AcquirePre(ctx, "K", "x", 3)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.Upgrade(ctx, "K", "x", "bogus")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpgradeIdempotentAfterSuccess(t *testing.T) {
	_, _, m := setupManager(t)
	ctx := context.Background()

	pre, _, err := m.AcquirePre(ctx, "K", "x", 3)
	require.NoError(t, err)

	active, ok, err := m.Upgrade(ctx, "K", "x", pre)
	require.NoError(t, err)
	require.True(t, ok)

	// Retried upgrade (crash between upgrade and token store): pre-lease is
	// gone but the active lease exists, so the stored token is handed back.
	again, ok, err := m.Upgrade(ctx, "K", "x", pre)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, active, again)
}

func TestReleaseIdempotent(t *testing.T) {
	_, client, m := setupManager(t)
	ctx := context.Background()

	pre, _, err := m.AcquirePre(ctx, "K", "x", 3)
	require.NoError(t, err)
	active, _, err := m.Upgrade(ctx, "K", "x", pre)
	require.NoError(t, err)

	released, err := m.Release(ctx, "K", "x", active, false, false)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = m.Release(ctx, "K", "x", active, false, false)
	require.NoError(t, err)
	assert.False(t, released, "second release is a no-op")

	card, err := client.SCard(ctx, coord.NewKeys("K").Leases()).Result()
	require.NoError(t, err)
	assert.Zero(t, card)
}

func TestForceReleaseTriesActiveThenPre(t *testing.T) {
	_, client, m := setupManager(t)
	ctx := context.Background()
	k := coord.NewKeys("K")

	// Active lease: force release removes it.
	pre, _, err := m.AcquirePre(ctx, "K", "x", 3)
	require.NoError(t, err)
	_, _, err = m.Upgrade(ctx, "K", "x", pre)
	require.NoError(t, err)

	released, err := m.ForceRelease(ctx, "K", "x", false)
	require.NoError(t, err)
	assert.True(t, released)

	// Pre-dial-only lease: force release falls back to the pre member.
	_, _, err = m.AcquirePre(ctx, "K", "y", 3)
	require.NoError(t, err)
	released, err = m.ForceRelease(ctx, "K", "y", false)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = m.ForceRelease(ctx, "K", "y", false)
	require.NoError(t, err)
	assert.False(t, released, "nothing left to release")

	card, err := client.SCard(ctx, k.Leases()).Result()
	require.NoError(t, err)
	assert.Zero(t, card)
}

func TestReleasePublishesSlotAvailable(t *testing.T) {
	_, client, m := setupManager(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, coord.NewKeys("K").SlotAvailableChannel())
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pre, _, err := m.AcquirePre(ctx, "K", "x", 3)
	require.NoError(t, err)

	released, err := m.Release(ctx, "K", "x", pre, true, true)
	require.NoError(t, err)
	require.True(t, released)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "1", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no slot-available wakeup received")
	}
}

func TestRenewTokenChecks(t *testing.T) {
	_, client, m := setupManager(t)
	ctx := context.Background()
	k := coord.NewKeys("K")

	pre, _, err := m.AcquirePre(ctx, "K", "x", 3)
	require.NoError(t, err)

	ok, err := m.Renew(ctx, "K", "x", pre, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Renew(ctx, "K", "x", "bogus", true)
	require.NoError(t, err)
	assert.False(t, ok)

	// Recovered sentinel only while blocking.
	require.NoError(t, client.Set(ctx, k.Lease("z"), RecoveredToken, time.Minute).Err())
	require.NoError(t, client.SAdd(ctx, k.Leases(), "z").Err())

	ok, err = m.Renew(ctx, "K", "z", RecoveredToken, false)
	require.NoError(t, err)
	assert.False(t, ok, "sentinel rejected while not blocking")

	require.NoError(t, client.Set(ctx, k.ColdStart(), "blocking", time.Minute).Err())
	ok, err = m.Renew(ctx, "K", "z", RecoveredToken, false)
	require.NoError(t, err)
	assert.True(t, ok, "sentinel accepted while blocking")
}

func TestRenewPreCappedStopsAtCap(t *testing.T) {
	mr, client, m := setupManager(t)
	ctx := context.Background()
	k := coord.NewKeys("K")

	pre, _, err := m.AcquirePre(ctx, "K", "x", 3)
	require.NoError(t, err)

	ok, err := m.RenewPreCapped(ctx, "K", "x", pre)
	require.NoError(t, err)
	assert.True(t, ok)

	// Past the hard cap the renewal is refused even with the right token.
	mr.FastForward(61 * time.Second)
	ok, err = m.RenewPreCapped(ctx, "K", "x", pre)
	require.NoError(t, err)
	assert.False(t, ok, "renewal refused past the pre-dial cap")

	// Near the cap the TTL is clamped to the cap remainder.
	pre2, _, err := m.AcquirePre(ctx, "K", "y", 3)
	require.NoError(t, err)
	mr.FastForward(55 * time.Second)
	ok, err = m.RenewPreCapped(ctx, "K", "y", pre2)
	require.NoError(t, err)
	require.True(t, ok)
	ttl, err := client.PTTL(ctx, k.Lease(coord.PreMember("y"))).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 5*time.Second, "TTL clamped to cap remainder")
}

func TestPreDialLeaseExpires(t *testing.T) {
	mr, client, m := setupManager(t)
	ctx := context.Background()
	k := coord.NewKeys("K")

	_, ok, err := m.AcquirePre(ctx, "K", "x", 3)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(25 * time.Second)

	// Lease key expired; member lingers until the janitor sweeps it.
	exists, err := client.Exists(ctx, k.Lease(coord.PreMember("x"))).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
	card, err := client.SCard(ctx, k.Leases()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)
}

func TestOccupancy(t *testing.T) {
	_, _, m := setupManager(t)
	ctx := context.Background()

	pre, _, err := m.AcquirePre(ctx, "K", "x", 5)
	require.NoError(t, err)
	_, _, err = m.Upgrade(ctx, "K", "x", pre)
	require.NoError(t, err)
	_, _, err = m.AcquirePre(ctx, "K", "y", 5)
	require.NoError(t, err)

	leases, reserved, limit, err := m.Occupancy(ctx, "K")
	require.NoError(t, err)
	assert.EqualValues(t, 2, leases)
	assert.EqualValues(t, 0, reserved)
	assert.EqualValues(t, 5, limit)
}
