package pair

import (
	"context"
	"sync"
	"testing"
	"time"
)

// shared fixtures for the package tests. everything runs against the
// in-process `MemoryStore` with a movable clock.

type testClock struct {
	mutex sync.Mutex
	t     time.Time
}

func newTestClock() *testClock {
	return &testClock{
		t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (self *testClock) Now() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.t
}

func (self *testClock) Advance(d time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.t = self.t.Add(d)
}

func newTestStore(ctx context.Context, clock *testClock) *MemoryStore {
	return NewMemoryStore(ctx, &MemoryStoreSettings{
		Now: clock.Now,
	})
}

func seedAccount(store *MemoryStore, displayName string, phone string) *Account {
	account := &Account{
		UserId:      NewId(),
		DisplayName: displayName,
		Phone:       phone,
	}
	store.AddAccount(account)
	return account
}

// inserts the two directional rows of an established pair
func seedPair(ctx context.Context, t *testing.T, store *MemoryStore, a *Account, b *Account, now time.Time) (abId Id, baId Id) {
	ab := &Connection{
		ConnectionId:           NewId(),
		OwnerUserId:            a.UserId,
		PeerUserId:             b.UserId,
		PeerDisplayName:        b.DisplayName,
		PeerContactInfo:        b.Phone,
		Status:                 ConnectionStatusConnected,
		LocationSharingEnabled: true,
		CreateTime:             now,
	}
	ba := &Connection{
		ConnectionId:           NewId(),
		OwnerUserId:            b.UserId,
		PeerUserId:             a.UserId,
		PeerDisplayName:        a.DisplayName,
		PeerContactInfo:        a.Phone,
		Status:                 ConnectionStatusConnected,
		LocationSharingEnabled: true,
		CreateTime:             now,
	}
	if err := store.Insert(ctx, TableConnections, requireRowFromValue(ab)); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, TableConnections, requireRowFromValue(ba)); err != nil {
		t.Fatal(err)
	}
	return ab.ConnectionId, ba.ConnectionId
}

func newTestConnectionStore(ctx context.Context, userId Id, store RemoteStore, clock *testClock) *ConnectionStore {
	connectionStore := NewConnectionStoreWithDefaults(ctx, userId, store)
	connectionStore.now = clock.Now
	return connectionStore
}

func waitFor(t *testing.T, description string, condition func() bool) {
	endTime := time.Now().Add(5 * time.Second)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", description)
}

// wraps a store and fails selected operations, for rollback tests
type faultStore struct {
	RemoteStore

	mutex       sync.Mutex
	updateError error
	deleteError error
}

func newFaultStore(inner RemoteStore) *faultStore {
	return &faultStore{
		RemoteStore: inner,
	}
}

func (self *faultStore) setUpdateError(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.updateError = err
}

func (self *faultStore) setDeleteError(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.deleteError = err
}

func (self *faultStore) Update(ctx context.Context, table Table, filter Filter, payload map[string]any) (int, error) {
	self.mutex.Lock()
	err := self.updateError
	self.mutex.Unlock()
	if err != nil {
		return 0, err
	}
	return self.RemoteStore.Update(ctx, table, filter, payload)
}

func (self *faultStore) Delete(ctx context.Context, table Table, filter Filter) (int, error) {
	self.mutex.Lock()
	err := self.deleteError
	self.mutex.Unlock()
	if err != nil {
		return 0, err
	}
	return self.RemoteStore.Delete(ctx, table, filter)
}
