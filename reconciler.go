package pair

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// consumes change events from the store subscriptions and merges them
// into the `ConnectionStore`.
//
// three event classes are watched: the user's own outgoing rows, the
// reverse rows where the user is the peer, and account lock changes.
// the underlying transport can fire callbacks concurrently, so all
// events are funneled onto one queue with a single consumer before
// touching the cache.
//
// on any subscription error the whole set is torn down, re-established
// and followed by one full resync to close the gap. `Resume` forces
// the same cycle for background-to-foreground and focus transitions.

type ChangeReconcilerSettings struct {
	EventQueueSize     int
	ResubscribeTimeout time.Duration
}

func DefaultChangeReconcilerSettings() *ChangeReconcilerSettings {
	return &ChangeReconcilerSettings{
		EventQueueSize:     256,
		ResubscribeTimeout: 1 * time.Second,
	}
}

type ChangeReconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       RemoteStore
	connections *ConnectionStore

	settings *ChangeReconcilerSettings

	resume *Monitor

	mutex   sync.Mutex
	started bool
}

func NewChangeReconcilerWithDefaults(ctx context.Context, store RemoteStore, connections *ConnectionStore) *ChangeReconciler {
	return NewChangeReconciler(ctx, store, connections, DefaultChangeReconcilerSettings())
}

func NewChangeReconciler(ctx context.Context, store RemoteStore, connections *ConnectionStore, settings *ChangeReconcilerSettings) *ChangeReconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChangeReconciler{
		ctx:         cancelCtx,
		cancel:      cancel,
		store:       store,
		connections: connections,
		settings:    settings,
		resume:      NewMonitor(),
	}
}

func (self *ChangeReconciler) Start() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.started {
		return
	}
	self.started = true
	go self.run()
}

// tears down the current subscriptions and re-establishes them,
// followed by one full resync. call on foreground or focus.
func (self *ChangeReconciler) Resume() {
	self.resume.NotifyAll()
}

func (self *ChangeReconciler) Stop() {
	self.cancel()
}

func (self *ChangeReconciler) run() {
	defer self.cancel()

	userId := self.connections.UserId()
	for {
		reconnect := NewReconnect(self.settings.ResubscribeTimeout)

		subs, err := self.subscribeAll(self.ctx, userId)
		if err != nil {
			glog.Infof("[rc]subscribe error = %s\n", err)
		} else if err := self.connections.Refresh(self.ctx); err != nil {
			// the gap cannot be considered closed without the resync
			glog.Infof("[rc]resync error = %s\n", err)
			unsubAll(subs)
		} else {
			self.drain(subs)
			unsubAll(subs)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *ChangeReconciler) subscribeAll(ctx context.Context, userId Id) ([]Subscription, error) {
	subs := []Subscription{}
	specs := []struct {
		table     Table
		filter    Filter
		eventMask EventMask
	}{
		{TableConnections, Filter{"owner_user_id": userId.String()}, EventAll},
		{TableConnections, Filter{"peer_user_id": userId.String()}, EventAll},
		{TableAccounts, nil, EventUpdate},
	}
	for _, spec := range specs {
		sub, err := self.store.Subscribe(ctx, spec.table, spec.filter, spec.eventMask)
		if err != nil {
			unsubAll(subs)
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func unsubAll(subs []Subscription) {
	for _, sub := range subs {
		sub.Unsub()
	}
}

// serializes the subscriptions onto one queue and applies events in
// order until an error, a resume, or stop
func (self *ChangeReconciler) drain(subs []Subscription) {
	drainCtx, drainCancel := context.WithCancel(self.ctx)
	defer drainCancel()

	events := make(chan *ChangeEvent, self.settings.EventQueueSize)
	errs := make(chan error, len(subs))
	for _, sub := range subs {
		go pumpSubscription(drainCtx, sub, events, errs)
	}

	notifyResume := self.resume.NotifyChannel()
	for {
		select {
		case <-drainCtx.Done():
			return
		case <-notifyResume:
			glog.Infof("[rc]resume\n")
			return
		case err := <-errs:
			glog.Infof("[rc]subscription lost = %s\n", err)
			return
		case event := <-events:
			self.applyEvent(drainCtx, event)
		}
	}
}

func pumpSubscription(ctx context.Context, sub Subscription, events chan *ChangeEvent, errs chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			select {
			case errs <- err:
			default:
			}
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case events <- event:
			}
		}
	}
}

// idempotent: replaying an event, or receiving it after a resync
// already applied the same data, does not corrupt state
func (self *ChangeReconciler) applyEvent(ctx context.Context, event *ChangeEvent) {
	glog.V(2).Infof("[rc]%s %s\n", event.Type, event.Table)

	switch event.Table {
	case TableAccounts:
		self.applyAccountEvent(ctx, event)
	case TableConnections:
		self.applyConnectionEvent(ctx, event)
	}
}

func (self *ChangeReconciler) applyAccountEvent(ctx context.Context, event *ChangeEvent) {
	if event.Type != ChangeTypeUpdate || event.New == nil {
		return
	}
	locked, ok := event.New["locked"].(bool)
	if !ok {
		return
	}
	accountUserId := rowId(event.New, "user_id")
	userId := self.connections.UserId()
	if accountUserId == (Id{}) || accountUserId == userId {
		return
	}
	if !self.connections.patchPeerLock(accountUserId, locked) {
		return
	}
	// converge the denormalized copy on the own row. best effort.
	if _, err := self.store.Update(ctx, TableConnections, pairFilter(userId, accountUserId), map[string]any{"peer_locked": locked}); err != nil {
		glog.Infof("[rc]peer lock denorm %s = %s\n", accountUserId, err)
	}
}

func (self *ChangeReconciler) applyConnectionEvent(ctx context.Context, event *ChangeEvent) {
	userId := self.connections.UserId()

	if event.Type == ChangeTypeDelete {
		self.applyConnectionDelete(ctx, event.Old, userId)
		return
	}
	row := event.New
	if row == nil {
		return
	}
	ownerUserId := rowId(row, "owner_user_id")
	peerUserId := rowId(row, "peer_user_id")

	switch {
	case ownerUserId == userId:
		self.applyOwnRow(ctx, event.Type, row)
	case peerUserId == userId:
		self.applyReverseRow(ctx, ownerUserId, row)
	}
}

func (self *ChangeReconciler) applyOwnRow(ctx context.Context, changeType ChangeType, row map[string]any) {
	connectionId := rowId(row, "connection_id")
	if connectionId == (Id{}) {
		return
	}

	if changeType == ChangeTypeUpdate && self.connections.patchOwnRow(connectionId, row) {
		return
	}
	// unknown or newly inserted row. the change payload can be
	// partial, so fetch the full projection when needed.
	if self.connections.containsOwnRow(connectionId) && changeType == ChangeTypeInsert {
		return
	}
	if hasFullConnectionRow(row) {
		self.connections.upsertOwnRow(row)
		return
	}
	rows, err := self.store.Query(ctx, TableConnections, Filter{
		"connection_id": connectionId.String(),
	})
	if err != nil || len(rows) == 0 {
		glog.Infof("[rc]own row fetch %s = %v\n", connectionId, err)
		return
	}
	self.connections.upsertOwnRow(rows[0])
}

// a change to the row that describes this user as seen by the peer.
// carries the peer's location. a reverse row with no own-side record
// is a one-sided pair, healed here.
func (self *ChangeReconciler) applyReverseRow(ctx context.Context, peerUserId Id, row map[string]any) {
	if self.connections.patchReverseRow(peerUserId, row) {
		return
	}

	userId := self.connections.UserId()
	rows, err := self.store.Query(ctx, TableConnections, pairFilter(userId, peerUserId))
	if err != nil {
		glog.Infof("[rc]own row fetch peer=%s = %s\n", peerUserId, err)
		return
	}
	if 0 < len(rows) {
		self.connections.upsertOwnRow(rows[0])
	} else {
		reverseRows, err := self.store.Query(ctx, TableConnections, pairFilter(peerUserId, userId))
		if err != nil || len(reverseRows) == 0 {
			return
		}
		reverse, err := valueFromRow[Connection](reverseRows[0])
		if err != nil {
			return
		}
		healed := self.connections.healMissingOwnRow(ctx, reverse)
		if healed == nil {
			return
		}
		self.connections.upsertOwnRow(requireRowFromValue(healed))
	}
	self.connections.patchReverseRow(peerUserId, row)
}

func (self *ChangeReconciler) applyConnectionDelete(ctx context.Context, old map[string]any, userId Id) {
	if old == nil {
		return
	}
	ownerUserId := rowId(old, "owner_user_id")
	peerUserId := rowId(old, "peer_user_id")

	if ownerUserId == userId || ownerUserId == (Id{}) {
		// own row deleted
		connectionId := rowId(old, "connection_id")
		if connectionId != (Id{}) {
			self.connections.removeOwnRow(connectionId)
		} else if peerUserId != (Id{}) {
			self.connections.removeByPeer(peerUserId)
		}
		// consistency backstop
		if err := self.connections.Refresh(ctx); err != nil {
			glog.Infof("[rc]delete resync = %s\n", err)
		}
		return
	}

	if peerUserId == userId {
		// the peer removed this user. their delete of the own-side
		// row can have failed, so finish the removal from here.
		self.connections.removeByPeer(ownerUserId)
		if _, err := self.store.Delete(ctx, TableConnections, pairFilter(userId, ownerUserId)); err != nil {
			glog.Infof("[rc]own row delete peer=%s = %s\n", ownerUserId, err)
		}
	}
}

func hasFullConnectionRow(row map[string]any) bool {
	for _, key := range []string{"connection_id", "owner_user_id", "peer_user_id", "status", "create_time"} {
		if _, ok := row[key]; !ok {
			return false
		}
	}
	return true
}
