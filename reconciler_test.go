package pair

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestReconciler(ctx context.Context, store RemoteStore, connections *ConnectionStore) *ChangeReconciler {
	return NewChangeReconciler(ctx, store, connections, &ChangeReconcilerSettings{
		EventQueueSize:     256,
		ResubscribeTimeout: 10 * time.Millisecond,
	})
}

func TestReconcilerAppliesPeerLocationEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")
	abId, baId := seedPair(ctx, t, store, userA, userB, clock.Now())

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()

	reconciler := newTestReconciler(ctx, store, connectionStore)
	reconciler.Start()
	defer reconciler.Stop()

	waitFor(t, "initial resync", func() bool {
		return connectionStore.ConnectionCount() == 1
	})

	// bob reports. the event on his row carries alice's view of him.
	reportTime := clock.Now()
	_, err := store.Update(ctx, TableConnections, Filter{
		"connection_id": baId.String(),
	}, map[string]any{
		"latitude":            38.0,
		"longitude":           -121.0,
		"address":             "bob's place",
		"location_updated_at": reportTime,
	})
	assert.Equal(t, nil, err)

	waitFor(t, "peer location merge", func() bool {
		connection, ok := connectionStore.Connection(abId)
		return ok && connection.Latitude != nil && *connection.Latitude == 38.0
	})
	connection, _ := connectionStore.Connection(abId)
	assert.Equal(t, "bob's place", connection.Address)
	assert.Equal(t, true, connection.LocationUpdatedAt.Equal(reportTime))
}

func TestReconcilerResubscribesAfterStreamLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")
	abId, baId := seedPair(ctx, t, store, userA, userB, clock.Now())

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()

	reconciler := newTestReconciler(ctx, store, connectionStore)
	reconciler.Start()
	defer reconciler.Stop()

	waitFor(t, "initial resync", func() bool {
		return connectionStore.ConnectionCount() == 1
	})

	// drop every open subscription, as a transport failure would
	store.CloseSubscriptions()

	// a write that lands after the drop must still converge via the
	// resubscribe and resync cycle
	_, err := store.Update(ctx, TableConnections, Filter{
		"connection_id": baId.String(),
	}, map[string]any{
		"latitude":            40.0,
		"longitude":           -120.0,
		"location_updated_at": clock.Now(),
	})
	assert.Equal(t, nil, err)

	waitFor(t, "convergence after resubscribe", func() bool {
		connection, ok := connectionStore.Connection(abId)
		return ok && connection.Latitude != nil && *connection.Latitude == 40.0
	})
}

func TestReconcilerReplayIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")
	abId, _ := seedPair(ctx, t, store, userA, userB, clock.Now())

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()
	assert.Equal(t, nil, connectionStore.Refresh(ctx))

	reconciler := newTestReconciler(ctx, store, connectionStore)

	reportTime := clock.Now()
	event := &ChangeEvent{
		Type:  ChangeTypeUpdate,
		Table: TableConnections,
		New: requireRowFromValue(map[string]any{
			"connection_id":       NewId().String(),
			"owner_user_id":       userB.UserId.String(),
			"peer_user_id":        userA.UserId.String(),
			"latitude":            38.0,
			"longitude":           -121.0,
			"location_updated_at": reportTime,
		}),
	}
	reconciler.applyEvent(ctx, event)
	reconciler.applyEvent(ctx, event)
	reconciler.applyEvent(ctx, event)

	assert.Equal(t, 1, connectionStore.ConnectionCount())
	connection, _ := connectionStore.Connection(abId)
	assert.Equal(t, 38.0, *connection.Latitude)
	assert.Equal(t, true, connection.LocationUpdatedAt.Equal(reportTime))
}

func TestReconcilerHealsOneSidedPairFromEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()
	assert.Equal(t, nil, connectionStore.Refresh(ctx))
	assert.Equal(t, 0, connectionStore.ConnectionCount())

	reconciler := newTestReconciler(ctx, store, connectionStore)
	reconciler.Start()
	defer reconciler.Stop()

	// only bob's side appears
	ba := &Connection{
		ConnectionId:           NewId(),
		OwnerUserId:            userB.UserId,
		PeerUserId:             userA.UserId,
		PeerDisplayName:        userA.DisplayName,
		Status:                 ConnectionStatusConnected,
		LocationSharingEnabled: true,
		CreateTime:             clock.Now(),
	}
	assert.Equal(t, nil, store.Insert(ctx, TableConnections, requireRowFromValue(ba)))

	waitFor(t, "one sided pair heal", func() bool {
		return connectionStore.ContainsPeer(userB.UserId)
	})

	ownRows, err := store.Query(ctx, TableConnections, Filter{
		"owner_user_id": userA.UserId.String(),
		"peer_user_id":  userB.UserId.String(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(ownRows))
}

func TestReconcilerFinishesPeerRemoval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")
	_, baId := seedPair(ctx, t, store, userA, userB, clock.Now())

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()

	reconciler := newTestReconciler(ctx, store, connectionStore)
	reconciler.Start()
	defer reconciler.Stop()

	waitFor(t, "initial resync", func() bool {
		return connectionStore.ConnectionCount() == 1
	})

	// bob removed alice but only his own row got deleted
	_, err := store.Delete(ctx, TableConnections, Filter{
		"connection_id": baId.String(),
	})
	assert.Equal(t, nil, err)

	waitFor(t, "peer removal", func() bool {
		return connectionStore.ConnectionCount() == 0
	})
	waitFor(t, "own row cleanup", func() bool {
		rows, err := store.Query(ctx, TableConnections, nil)
		return err == nil && len(rows) == 0
	})
}

func TestReconcilerAppliesAccountLockEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")
	abId, _ := seedPair(ctx, t, store, userA, userB, clock.Now())

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()

	reconciler := newTestReconciler(ctx, store, connectionStore)
	reconciler.Start()
	defer reconciler.Stop()

	waitFor(t, "initial resync", func() bool {
		return connectionStore.ConnectionCount() == 1
	})

	// bob's account gets locked
	_, err := store.Update(ctx, TableAccounts, Filter{
		"user_id": userB.UserId.String(),
	}, map[string]any{
		"locked": true,
	})
	assert.Equal(t, nil, err)

	waitFor(t, "peer lock", func() bool {
		connection, ok := connectionStore.Connection(abId)
		return ok && connection.PeerLocked
	})

	// the denormalized copy converges too
	waitFor(t, "peer lock denorm", func() bool {
		rows, err := store.Query(ctx, TableConnections, Filter{
			"connection_id": abId.String(),
		})
		return err == nil && len(rows) == 1 && rows[0]["peer_locked"] == true
	})
}
