package lease

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envalloc/envalloc/pkg/alloc"
)

// newTestEtcdStore connects to the cluster named by ENVALLOC_TEST_ETCD_ENDPOINTS
// under a fresh prefix, or skips the test.
func newTestEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	endpoints := os.Getenv("ENVALLOC_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ENVALLOC_TEST_ETCD_ENDPOINTS not set")
	}
	store, err := NewEtcdStore(EtcdConfig{
		Endpoints: strings.Split(endpoints, ","),
		Prefix:    "/envalloc-test/" + uuid.New().String(),
		Retention: time.Minute,
	}, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Ping(context.Background()))
	return store
}

func TestEtcdStoreMutualExclusion(t *testing.T) {
	store := newTestEtcdStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TryReserve(ctx, ReserveRequest{ResourceIDs: []string{"x-1"}, RequesterID: "req", TTL: 30 * time.Second})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.True(t, alloc.IsConflict(err), "unexpected error %v", err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestEtcdStoreLifecycle(t *testing.T) {
	store := newTestEtcdStore(t)
	ctx := context.Background()

	req := ReserveRequest{ResourceIDs: []string{"a", "b"}, RequesterID: "r1", TTL: 30 * time.Second, IdempotencyKey: "r1:1"}
	res, err := store.TryReserve(ctx, req)
	require.NoError(t, err)

	replay, err := store.TryReserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.ID, replay.ID)

	holders, err := store.Holders(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": res.ID, "b": res.ID}, holders)

	renewed, err := store.Renew(ctx, res.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.Deadline.After(res.Deadline))

	held, err := store.ListByRequester(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, held, 1)

	require.NoError(t, store.Release(ctx, res.ID))
	require.NoError(t, store.Release(ctx, res.ID))

	got, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, alloc.ReservationReleased, got.Status)

	holders, err = store.Holders(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, holders)

	fresh, err := store.TryReserve(ctx, req)
	require.NoError(t, err, "a released reservation's key must not be replayed")
	assert.NotEqual(t, res.ID, fresh.ID)
	require.NoError(t, store.Release(ctx, fresh.ID))
}

func TestEtcdStoreExpiry(t *testing.T) {
	store := newTestEtcdStore(t)
	ctx := context.Background()

	res, err := store.TryReserve(ctx, ReserveRequest{ResourceIDs: []string{"e"}, RequesterID: "r1", TTL: time.Second})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		expired, err := store.ListExpired(ctx, time.Now())
		return err == nil && len(expired) == 1 && expired[0].ID == res.ID
	}, 5*time.Second, 100*time.Millisecond)

	_, err = store.TryReserve(ctx, ReserveRequest{ResourceIDs: []string{"e"}, RequesterID: "r2", TTL: 30 * time.Second})
	require.NoError(t, err, "a lapsed holder must not block a new reserve")

	require.NoError(t, store.Release(ctx, res.ID))
	got, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, alloc.ReservationExpired, got.Status)
}

func TestEtcdElectorCampaignAgainClosesPreviousSession(t *testing.T) {
	store := newTestEtcdStore(t)
	elector := NewEtcdElector(store, "sweeper", "test", 5, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, elector.Campaign(ctx))
	firstTerm := elector.Lost()

	require.NoError(t, elector.Campaign(ctx), "a new term must not wait behind our own old key")
	select {
	case <-firstTerm:
	default:
		t.Fatal("previous election session is still open")
	}
	require.NoError(t, elector.Resign(ctx))
}
