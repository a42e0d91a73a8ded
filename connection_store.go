package pair

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// in-memory authoritative cache of the user's connection records.
// the single source of truth for the ui layer.
//
// each cached record is a projection merged from the two directional
// rows: identity and flags from the user's own row, the peer's
// location and freshness from the reverse row.
//
// mutations follow a command pattern: snapshot, apply optimistically,
// issue the remote mutation under a timeout, roll back on failure.

type ConnectionsChangeFunction = func(connections []*Connection)

type ConnectionStoreSettings struct {
	// applied to every remote mutation. expiry is a failure and
	// triggers rollback.
	MutationTimeout time.Duration

	// blank-state recovery guard
	BlankStateDelay    time.Duration
	BlankStateCooldown time.Duration
}

func DefaultConnectionStoreSettings() *ConnectionStoreSettings {
	return &ConnectionStoreSettings{
		MutationTimeout:    15 * time.Second,
		BlankStateDelay:    2 * time.Second,
		BlankStateCooldown: 30 * time.Second,
	}
}

type ConnectionStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId Id
	store  RemoteStore

	settings *ConnectionStoreSettings
	now      func() time.Time

	stateLock             sync.Mutex
	connections           map[Id]*Connection
	loading               bool
	lastError             error
	lastRefreshTime       time.Time
	blankRecoveryActive   bool
	lastBlankRecoveryTime time.Time

	changeCallbacks *CallbackList[ConnectionsChangeFunction]
	update          *Monitor
}

func NewConnectionStoreWithDefaults(ctx context.Context, userId Id, store RemoteStore) *ConnectionStore {
	return NewConnectionStore(ctx, userId, store, DefaultConnectionStoreSettings())
}

func NewConnectionStore(ctx context.Context, userId Id, store RemoteStore, settings *ConnectionStoreSettings) *ConnectionStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionStore{
		ctx:             cancelCtx,
		cancel:          cancel,
		userId:          userId,
		store:           store,
		settings:        settings,
		now:             time.Now,
		connections:     map[Id]*Connection{},
		changeCallbacks: NewCallbackList[ConnectionsChangeFunction](),
		update:          NewMonitor(),
	}
}

func (self *ConnectionStore) UserId() Id {
	return self.userId
}

// ordered copies, safe to hand to the ui
func (self *ConnectionStore) Connections() []*Connection {
	self.stateLock.Lock()
	connections := make([]*Connection, 0, len(self.connections))
	for _, connection := range self.connections {
		connections = append(connections, connection.Copy())
	}
	self.stateLock.Unlock()

	slices.SortFunc(connections, func(a *Connection, b *Connection) int {
		if c := strings.Compare(a.PeerDisplayName, b.PeerDisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.ConnectionId.String(), b.ConnectionId.String())
	})
	return connections
}

func (self *ConnectionStore) Connection(connectionId Id) (*Connection, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connection, ok := self.connections[connectionId]
	if !ok {
		return nil, false
	}
	return connection.Copy(), true
}

func (self *ConnectionStore) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.connections)
}

func (self *ConnectionStore) Loading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loading
}

func (self *ConnectionStore) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastError
}

func (self *ConnectionStore) AddChangeCallback(changeCallback ConnectionsChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionStore) UpdateMonitor() *Monitor {
	return self.update
}

func (self *ConnectionStore) notifyChanged() {
	connections := self.Connections()
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			changeCallback(connections)
		}()
	}
	self.update.NotifyAll()
	self.maybeRecoverBlankState()
}

// full resync. queries both directions and rebuilds the projections.
// a one-sided pair discovered here is healed by creating the missing
// own-side row.
func (self *ConnectionStore) Refresh(ctx context.Context) error {
	self.stateLock.Lock()
	self.loading = true
	self.stateLock.Unlock()

	ownRows, err := self.store.Query(ctx, TableConnections, Filter{
		"owner_user_id": self.userId.String(),
	})
	var reverseRows []map[string]any
	if err == nil {
		reverseRows, err = self.store.Query(ctx, TableConnections, Filter{
			"peer_user_id": self.userId.String(),
		})
	}
	if err != nil {
		self.stateLock.Lock()
		self.loading = false
		self.lastError = err
		self.stateLock.Unlock()
		return err
	}

	connections := map[Id]*Connection{}
	peerConnections := map[Id]*Connection{}
	for _, ownRow := range ownRows {
		connection, err := valueFromRow[Connection](ownRow)
		if err != nil {
			glog.Infof("[cs]refresh drop malformed row = %s\n", err)
			continue
		}
		// the own row's location columns are this user's outbound
		// report. the projection's location belongs to the peer.
		connection.Latitude = nil
		connection.Longitude = nil
		connection.Address = ""
		connection.LocationUpdatedAt = nil
		connection.BatteryPercent = nil
		connections[connection.ConnectionId] = connection
		peerConnections[connection.PeerUserId] = connection
	}
	for _, reverseRow := range reverseRows {
		reverse, err := valueFromRow[Connection](reverseRow)
		if err != nil {
			continue
		}
		connection, ok := peerConnections[reverse.OwnerUserId]
		if !ok {
			// one-sided pair. heal by creating this side's row.
			connection = self.healMissingOwnRow(ctx, reverse)
			if connection == nil {
				continue
			}
			connections[connection.ConnectionId] = connection
			peerConnections[connection.PeerUserId] = connection
		}
		connection.Latitude = reverse.Latitude
		connection.Longitude = reverse.Longitude
		connection.Address = reverse.Address
		connection.LocationUpdatedAt = reverse.LocationUpdatedAt
		connection.BatteryPercent = reverse.BatteryPercent
	}

	self.stateLock.Lock()
	self.connections = connections
	self.loading = false
	self.lastError = nil
	self.lastRefreshTime = self.now()
	self.stateLock.Unlock()

	glog.V(2).Infof("[cs]refresh n=%d\n", len(connections))
	self.notifyChanged()
	return nil
}

// builds and inserts the own-side row of a pair whose reverse row
// exists. failure is non-fatal, the next resync retries.
func (self *ConnectionStore) healMissingOwnRow(ctx context.Context, reverse *Connection) *Connection {
	connection := &Connection{
		ConnectionId:           NewId(),
		OwnerUserId:            self.userId,
		PeerUserId:             reverse.OwnerUserId,
		Status:                 ConnectionStatusConnected,
		LocationSharingEnabled: reverse.LocationSharingEnabled,
		CreateTime:             self.now(),
	}
	accountRows, err := self.store.Query(ctx, TableAccounts, Filter{
		"user_id": reverse.OwnerUserId.String(),
	})
	if err == nil && 0 < len(accountRows) {
		if account, err := valueFromRow[Account](accountRows[0]); err == nil {
			connection.PeerDisplayName = account.DisplayName
			if account.Phone != "" {
				connection.PeerContactInfo = account.Phone
			} else {
				connection.PeerContactInfo = account.Email
			}
			connection.PeerLocked = account.Locked
		}
	}

	row := requireRowFromValue(connection)
	if err := self.store.Insert(ctx, TableConnections, row); err != nil {
		glog.Infof("[cs]heal missing row %s->%s = %s\n", self.userId, reverse.OwnerUserId, err)
		return nil
	}
	glog.Infof("[cs]healed missing row %s->%s\n", self.userId, reverse.OwnerUserId)
	return connection
}

// if the store reports zero connections while the user plausibly has
// some, schedule one delayed resync. gated so it cannot fire again
// inside the cooldown window.
func (self *ConnectionStore) maybeRecoverBlankState() {
	self.stateLock.Lock()
	if 0 < len(self.connections) || self.loading || self.lastError != nil {
		self.stateLock.Unlock()
		return
	}
	now := self.now()
	if now.Sub(self.lastRefreshTime) < self.settings.BlankStateDelay {
		// just refreshed, plausibly authoritative
		self.stateLock.Unlock()
		return
	}
	if self.blankRecoveryActive || now.Sub(self.lastBlankRecoveryTime) < self.settings.BlankStateCooldown {
		self.stateLock.Unlock()
		return
	}
	self.blankRecoveryActive = true
	self.stateLock.Unlock()

	glog.Infof("[cs]blank state recovery armed\n")
	go func() {
		defer func() {
			self.stateLock.Lock()
			self.blankRecoveryActive = false
			self.lastBlankRecoveryTime = self.now()
			self.stateLock.Unlock()
		}()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.BlankStateDelay):
		}
		self.Refresh(self.ctx)
	}()
}

// pairs the prior-state snapshot with its restore so the two cannot
// drift apart at call sites
type storeCommand struct {
	name     string
	apply    func()
	rollback func()
	mutate   func(ctx context.Context) error
}

func (self *ConnectionStore) execute(ctx context.Context, command *storeCommand) error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		command.apply()
	}()
	self.notifyChanged()

	mutateCtx, mutateCancel := context.WithTimeout(ctx, self.settings.MutationTimeout)
	defer mutateCancel()

	if err := command.mutate(mutateCtx); err != nil {
		glog.Infof("[cs]%s rollback = %s\n", command.name, err)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			command.rollback()
		}()
		self.notifyChanged()
		return err
	}
	return nil
}

// toggles sharing on the connection and mirrors the flag onto the
// reverse row so the change is visible to the peer. only the primary
// row write can fail the operation.
func (self *ConnectionStore) SetLocationSharing(ctx context.Context, connectionId Id, enabled bool) error {
	self.stateLock.Lock()
	connection, ok := self.connections[connectionId]
	if !ok {
		self.stateLock.Unlock()
		return NewValidationError("unknown connection %s", connectionId)
	}
	priorEnabled := connection.LocationSharingEnabled
	peerUserId := connection.PeerUserId
	self.stateLock.Unlock()

	return self.execute(ctx, &storeCommand{
		name: "set location sharing",
		apply: func() {
			if connection, ok := self.connections[connectionId]; ok {
				connection.LocationSharingEnabled = enabled
			}
		},
		rollback: func() {
			if connection, ok := self.connections[connectionId]; ok {
				connection.LocationSharingEnabled = priorEnabled
			}
		},
		mutate: func(ctx context.Context) error {
			payload := map[string]any{"location_sharing_enabled": enabled}
			if _, err := self.store.Update(ctx, TableConnections, Filter{
				"connection_id": connectionId.String(),
			}, payload); err != nil {
				return err
			}
			// reverse row write is best effort, healed by resync
			if _, err := self.store.Update(ctx, TableConnections, pairFilter(peerUserId, self.userId), payload); err != nil {
				glog.Infof("[cs]reverse sharing update %s = %s\n", connectionId, err)
			}
			return nil
		},
	})
}

// deletes both directional rows. the reverse row delete failing is
// non-fatal.
func (self *ConnectionStore) RemoveConnection(ctx context.Context, connectionId Id) error {
	self.stateLock.Lock()
	connection, ok := self.connections[connectionId]
	if !ok {
		self.stateLock.Unlock()
		return NewValidationError("unknown connection %s", connectionId)
	}
	snapshot := connection.Copy()
	peerUserId := connection.PeerUserId
	self.stateLock.Unlock()

	return self.execute(ctx, &storeCommand{
		name: "remove connection",
		apply: func() {
			delete(self.connections, connectionId)
		},
		rollback: func() {
			self.connections[connectionId] = snapshot
		},
		mutate: func(ctx context.Context) error {
			if _, err := self.store.Delete(ctx, TableConnections, Filter{
				"connection_id": connectionId.String(),
			}); err != nil {
				return err
			}
			if _, err := self.store.Delete(ctx, TableConnections, pairFilter(peerUserId, self.userId)); err != nil {
				glog.Infof("[cs]reverse delete %s = %s\n", connectionId, err)
			}
			return nil
		},
	})
}

// clears the emergency lock banner for a peer. the authoritative
// account flag write is best effort, the peers' own reconcilers
// converge their denormalized copies.
func (self *ConnectionStore) UnlockPeer(ctx context.Context, connectionId Id) error {
	self.stateLock.Lock()
	connection, ok := self.connections[connectionId]
	if !ok {
		self.stateLock.Unlock()
		return NewValidationError("unknown connection %s", connectionId)
	}
	priorLocked := connection.PeerLocked
	peerUserId := connection.PeerUserId
	self.stateLock.Unlock()

	return self.execute(ctx, &storeCommand{
		name: "unlock peer",
		apply: func() {
			if connection, ok := self.connections[connectionId]; ok {
				connection.PeerLocked = false
			}
		},
		rollback: func() {
			if connection, ok := self.connections[connectionId]; ok {
				connection.PeerLocked = priorLocked
			}
		},
		mutate: func(ctx context.Context) error {
			if _, err := self.store.Update(ctx, TableConnections, Filter{
				"connection_id": connectionId.String(),
			}, map[string]any{"peer_locked": false}); err != nil {
				return err
			}
			if _, err := self.store.Update(ctx, TableAccounts, Filter{
				"user_id": peerUserId.String(),
			}, map[string]any{"locked": false}); err != nil {
				glog.Infof("[cs]account unlock %s = %s\n", peerUserId, err)
			}
			return nil
		},
	})
}

// reconciler merge surface. all patches are idempotent and keyed so a
// replayed event cannot corrupt state.

// full own-side row insert or replace. keeps any cached peer location,
// which the own row does not carry.
func (self *ConnectionStore) upsertOwnRow(row map[string]any) bool {
	connection, err := valueFromRow[Connection](row)
	if err != nil {
		glog.Infof("[cs]upsert drop malformed row = %s\n", err)
		return false
	}
	connection.Latitude = nil
	connection.Longitude = nil
	connection.Address = ""
	connection.LocationUpdatedAt = nil
	connection.BatteryPercent = nil

	self.stateLock.Lock()
	if cached, ok := self.connections[connection.ConnectionId]; ok {
		connection.Latitude = cached.Latitude
		connection.Longitude = cached.Longitude
		connection.Address = cached.Address
		connection.LocationUpdatedAt = cached.LocationUpdatedAt
		connection.BatteryPercent = cached.BatteryPercent
	}
	self.connections[connection.ConnectionId] = connection
	self.stateLock.Unlock()

	self.notifyChanged()
	return true
}

func (self *ConnectionStore) containsOwnRow(connectionId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.connections[connectionId]
	return ok
}

func (self *ConnectionStore) ContainsPeer(peerUserId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, connection := range self.connections {
		if connection.PeerUserId == peerUserId {
			return true
		}
	}
	return false
}

// patches only the fields present in a change payload on the user's
// own row. the own row's location columns are this user's outbound
// echo and never touch the cached peer location.
func (self *ConnectionStore) patchOwnRow(connectionId Id, row map[string]any) bool {
	self.stateLock.Lock()
	connection, ok := self.connections[connectionId]
	if !ok {
		self.stateLock.Unlock()
		return false
	}
	changed := false
	if enabled, ok := row["location_sharing_enabled"].(bool); ok && connection.LocationSharingEnabled != enabled {
		connection.LocationSharingEnabled = enabled
		changed = true
	}
	if locked, ok := row["peer_locked"].(bool); ok && connection.PeerLocked != locked {
		connection.PeerLocked = locked
		changed = true
	}
	if displayName, ok := row["peer_display_name"].(string); ok && connection.PeerDisplayName != displayName {
		connection.PeerDisplayName = displayName
		changed = true
	}
	if contactInfo, ok := row["peer_contact_info"].(string); ok && connection.PeerContactInfo != contactInfo {
		connection.PeerContactInfo = contactInfo
		changed = true
	}
	self.stateLock.Unlock()

	if changed {
		self.notifyChanged()
	}
	return true
}

// patches the peer's location from a reverse-row change payload.
// location fields apply only when the payload timestamp is not older
// than the cached one, so a late stale event cannot clobber a fresher
// value.
func (self *ConnectionStore) patchReverseRow(peerUserId Id, row map[string]any) bool {
	self.stateLock.Lock()
	var connection *Connection
	for _, cached := range self.connections {
		if cached.PeerUserId == peerUserId {
			connection = cached
			break
		}
	}
	if connection == nil {
		self.stateLock.Unlock()
		return false
	}

	changed := false
	if updatedAt, ok := rowTime(row, "location_updated_at"); ok {
		if connection.LocationUpdatedAt == nil || !updatedAt.Before(*connection.LocationUpdatedAt) {
			if latitude, ok := row["latitude"].(float64); ok {
				connection.Latitude = &latitude
				changed = true
			}
			if longitude, ok := row["longitude"].(float64); ok {
				connection.Longitude = &longitude
				changed = true
			}
			if address, ok := row["address"].(string); ok {
				connection.Address = address
				changed = true
			}
			if batteryPercent, ok := row["battery_percent"].(float64); ok {
				percent := int(batteryPercent)
				connection.BatteryPercent = &percent
				changed = true
			}
			if changed {
				connection.LocationUpdatedAt = &updatedAt
			}
		} else {
			glog.V(2).Infof("[cs]stale reverse patch peer=%s\n", peerUserId)
		}
	}
	if enabled, ok := row["location_sharing_enabled"].(bool); ok && connection.LocationSharingEnabled != enabled {
		// the flag is mirrored on both rows, most recent event wins
		connection.LocationSharingEnabled = enabled
		changed = true
	}
	self.stateLock.Unlock()

	if changed {
		self.notifyChanged()
	}
	return true
}

func (self *ConnectionStore) removeOwnRow(connectionId Id) bool {
	self.stateLock.Lock()
	_, ok := self.connections[connectionId]
	if ok {
		delete(self.connections, connectionId)
	}
	self.stateLock.Unlock()

	if ok {
		self.notifyChanged()
	}
	return ok
}

func (self *ConnectionStore) removeByPeer(peerUserId Id) bool {
	self.stateLock.Lock()
	removed := false
	for connectionId, connection := range self.connections {
		if connection.PeerUserId == peerUserId {
			delete(self.connections, connectionId)
			removed = true
		}
	}
	self.stateLock.Unlock()

	if removed {
		self.notifyChanged()
	}
	return removed
}

func (self *ConnectionStore) patchPeerLock(peerUserId Id, locked bool) bool {
	self.stateLock.Lock()
	changed := false
	for _, connection := range self.connections {
		if connection.PeerUserId == peerUserId && connection.PeerLocked != locked {
			connection.PeerLocked = locked
			changed = true
		}
	}
	self.stateLock.Unlock()

	if changed {
		self.notifyChanged()
	}
	return changed
}

// destroys the cache, for logout
func (self *ConnectionStore) Clear() {
	self.stateLock.Lock()
	maps.Clear(self.connections)
	self.stateLock.Unlock()
	self.update.NotifyAll()
}

func (self *ConnectionStore) Close() {
	self.cancel()
}
