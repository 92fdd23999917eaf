package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringflow/dialer/internal/broker"
	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/campaign"
	"github.com/ringflow/dialer/internal/coldstart"
	"github.com/ringflow/dialer/internal/coord"
	"github.com/ringflow/dialer/internal/lease"
	"github.com/ringflow/dialer/internal/ledger"
	"github.com/ringflow/dialer/internal/waitlist"
)

type fakeCampaigns struct {
	ids []string
}

func (f *fakeCampaigns) CampaignIDs(_ context.Context, _ ...campaign.State) ([]string, error) {
	return f.ids, nil
}

type fakeCalls struct {
	calls []callstore.Call
}

func (f *fakeCalls) ActiveCalls(context.Context, string) ([]callstore.Call, error) {
	return f.calls, nil
}

type fixture struct {
	client  *redis.Client
	led     *ledger.Ledger
	wl      *waitlist.Waitlist
	queue   *broker.Broker
	calls   *fakeCalls
	janitor *Janitor
}

func setup(t *testing.T, campaignIDs ...string) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := zerolog.Nop()
	leases := lease.NewManager(client, lease.Config{
		PreDialTTL:    20 * time.Second,
		PreDialTTLMax: time.Minute,
		ActiveTTL:     2 * time.Hour,
	}, log)
	led := ledger.New(client, log)
	wl := waitlist.New(client, waitlist.Fairness{High: 3, Normal: 1}, log)
	calls := &fakeCalls{}
	guard := coldstart.New(client, calls, coldstart.Config{}, log)
	queue := broker.New(client, broker.Config{}, log)

	j := New(client, leases, led, wl, guard, queue, &fakeCampaigns{ids: campaignIDs}, calls,
		Config{Interval: time.Second, ReservationTTL: time.Minute}, log)

	return &fixture{client: client, led: led, wl: wl, queue: queue, calls: calls, janitor: j}
}

// reserve plants a ledger entry plus its reserved-counter debit, the way the
// admission script does.
func (f *fixture) reserve(t *testing.T, campaignID, member string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	k := coord.NewKeys(campaignID)
	require.NoError(t, f.client.ZAdd(ctx, k.Ledger(), redis.Z{
		Score: float64(at.UnixMilli()), Member: member,
	}).Err())
	require.NoError(t, f.client.Incr(ctx, k.Reserved()).Err())
}

func TestSweepReapsExpiredLeaseMembers(t *testing.T) {
	f := setup(t, "K")
	ctx := context.Background()
	k := coord.NewKeys("K")

	// Member "a" still holds its lease key; "b" expired, leaving only the
	// set entry behind.
	require.NoError(t, f.client.SAdd(ctx, k.Leases(), "a", "b").Err())
	require.NoError(t, f.client.Set(ctx, k.Lease("a"), "tok-a", time.Hour).Err())

	f.janitor.Sweep(ctx)

	members, err := f.client.SMembers(ctx, k.Leases()).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestSweepRenewsLeasesForLiveCalls(t *testing.T) {
	f := setup(t, "K")
	ctx := context.Background()
	k := coord.NewKeys("K")

	// A live upgraded call whose lease is about to expire, and a recovered
	// sentinel the guard owns.
	f.calls.calls = []callstore.Call{
		{ID: "call-live", CampaignID: "K", Status: callstore.CallDialing, ActiveToken: "tok-live"},
		{ID: "call-ghost", CampaignID: "K", Status: callstore.CallDialing, ActiveToken: lease.RecoveredToken},
	}
	require.NoError(t, f.client.SAdd(ctx, k.Leases(), "call-live", "call-ghost").Err())
	require.NoError(t, f.client.Set(ctx, k.Lease("call-live"), "tok-live", 2*time.Second).Err())
	require.NoError(t, f.client.Set(ctx, k.Lease("call-ghost"), lease.RecoveredToken, 2*time.Second).Err())

	f.janitor.Sweep(ctx)

	ttl, err := f.client.PTTL(ctx, k.Lease("call-live")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute, "live call keeps its slot past the original TTL")

	ttl, err = f.client.PTTL(ctx, k.Lease("call-ghost")).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 2*time.Second, "sentinel leases are not renewed")
}

func TestSweepPublishesFreedSlots(t *testing.T) {
	f := setup(t, "K")
	ctx := context.Background()
	k := coord.NewKeys("K")

	require.NoError(t, f.client.SAdd(ctx, k.Leases(), "gone").Err())

	sub := f.client.Subscribe(ctx, k.SlotAvailableChannel())
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	f.janitor.Sweep(ctx)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, k.SlotAvailableChannel(), msg.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("expected slot-available after lease reap")
	}
}

func TestSweepReapsOrphanedReservations(t *testing.T) {
	f := setup(t, "K")
	ctx := context.Background()
	k := coord.NewKeys("K")
	old := time.Now().Add(-2 * time.Minute)

	// Aged reservation with no broker job: orphaned, reaped.
	f.reserve(t, "K", ledger.Member(campaign.PriorityNormal, "j-orphan"), old)
	// Aged reservation whose job still sits in the queue: left alone.
	f.reserve(t, "K", ledger.Member(campaign.PriorityHigh, "j-live"), old)
	added, err := f.queue.Enqueue(ctx, "j-live", []byte(`{}`), 0)
	require.NoError(t, err)
	require.True(t, added)
	// Fresh reservation: inside the TTL, left alone.
	f.reserve(t, "K", ledger.Member(campaign.PriorityNormal, "j-new"), time.Now())

	f.janitor.Sweep(ctx)

	members, err := f.client.ZRange(ctx, k.Ledger(), 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"H:j-live", "N:j-new"}, members)

	reserved, err := f.led.Reserved(ctx, "K")
	require.NoError(t, err)
	assert.EqualValues(t, 2, reserved)
}

func TestSweepRebuildsDriftedWaitlistIndex(t *testing.T) {
	f := setup(t, "K")
	ctx := context.Background()
	k := coord.NewKeys("K")

	added, err := f.wl.Enqueue(ctx, campaign.JobPayload{
		Version: campaign.PayloadVersion, CampaignID: "K", CallID: "c1",
		ContactRef: "ct1", Priority: campaign.PriorityNormal,
	})
	require.NoError(t, err)
	require.True(t, added)

	// Simulate a lost index.
	require.NoError(t, f.client.Del(ctx, k.WaitlistIndex()).Err())

	f.janitor.Sweep(ctx)

	indexed, err := f.client.SCard(ctx, k.WaitlistIndex()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, indexed)
}

func TestSweepLeavesHealthyCampaignAlone(t *testing.T) {
	f := setup(t, "K")
	ctx := context.Background()
	k := coord.NewKeys("K")

	require.NoError(t, f.client.SAdd(ctx, k.Leases(), "a").Err())
	require.NoError(t, f.client.Set(ctx, k.Lease("a"), "tok", time.Hour).Err())
	f.reserve(t, "K", ledger.Member(campaign.PriorityNormal, "j1"), time.Now())

	f.janitor.Sweep(ctx)

	card, err := f.client.SCard(ctx, k.Leases()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)
	reserved, err := f.led.Reserved(ctx, "K")
	require.NoError(t, err)
	assert.EqualValues(t, 1, reserved)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.janitor.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
