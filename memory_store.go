package pair

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// in-process `RemoteStore` with change-feed fan-out.
// used by tests and local runs. mutations and procedures are atomic
// under one lock, which is what the redeem race depends on.

var memoryLog = LogFn(LogLevelDebug, "[ms]")

const memorySubscriptionBufferSize = 32

type MemoryStoreSettings struct {
	Now func() time.Time
}

func DefaultMemoryStoreSettings() *MemoryStoreSettings {
	return &MemoryStoreSettings{
		Now: time.Now,
	}
}

type MemoryStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MemoryStoreSettings

	mutex  sync.Mutex
	tables map[Table][]map[string]any
	subs   map[Id]*memorySubscription
}

func NewMemoryStoreWithDefaults(ctx context.Context) *MemoryStore {
	return NewMemoryStore(ctx, DefaultMemoryStoreSettings())
}

func NewMemoryStore(ctx context.Context, settings *MemoryStoreSettings) *MemoryStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MemoryStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		tables:   map[Table][]map[string]any{},
		subs:     map[Id]*memorySubscription{},
	}
}

func (self *MemoryStore) now() time.Time {
	return self.settings.Now()
}

// seeds an account row outside the engine's own mutation path
func (self *MemoryStore) AddAccount(account *Account) {
	row := requireRowFromValue(account)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.tables[TableAccounts] = append(self.tables[TableAccounts], row)
}

func (self *MemoryStore) Query(ctx context.Context, table Table, filter Filter) ([]map[string]any, error) {
	normalFilter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	rows := []map[string]any{}
	for _, row := range self.tables[table] {
		if matchFilter(row, normalFilter) {
			rows = append(rows, maps.Clone(row))
		}
	}
	return rows, nil
}

func (self *MemoryStore) Insert(ctx context.Context, table Table, row map[string]any) error {
	normalRow, err := rowFromValue(row)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.insert(table, normalRow)
	return nil
}

// must be called with `mutex`
func (self *MemoryStore) insert(table Table, normalRow map[string]any) {
	self.tables[table] = append(self.tables[table], normalRow)
	self.emit(&ChangeEvent{
		Type:  ChangeTypeInsert,
		Table: table,
		New:   maps.Clone(normalRow),
	})
}

func (self *MemoryStore) Update(ctx context.Context, table Table, filter Filter, payload map[string]any) (int, error) {
	normalFilter, err := normalizeFilter(filter)
	if err != nil {
		return 0, err
	}
	normalPayload, err := rowFromValue(payload)
	if err != nil {
		return 0, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.update(table, normalFilter, normalPayload), nil
}

// must be called with `mutex`
func (self *MemoryStore) update(table Table, normalFilter Filter, normalPayload map[string]any) int {
	updateCount := 0
	for _, row := range self.tables[table] {
		if !matchFilter(row, normalFilter) {
			continue
		}
		maps.Copy(row, normalPayload)
		updateCount += 1

		// the change payload is partial. carry the row keys so the
		// consumer can locate the row.
		changeNew := maps.Clone(normalPayload)
		changeNew[table.IdKey()] = row[table.IdKey()]
		for _, key := range []string{"owner_user_id", "peer_user_id"} {
			if value, ok := row[key]; ok {
				changeNew[key] = value
			}
		}
		self.emit(&ChangeEvent{
			Type:  ChangeTypeUpdate,
			Table: table,
			New:   changeNew,
		})
	}
	return updateCount
}

func (self *MemoryStore) Delete(ctx context.Context, table Table, filter Filter) (int, error) {
	normalFilter, err := normalizeFilter(filter)
	if err != nil {
		return 0, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	deleteCount := 0
	kept := []map[string]any{}
	for _, row := range self.tables[table] {
		if matchFilter(row, normalFilter) {
			deleteCount += 1
			self.emit(&ChangeEvent{
				Type:  ChangeTypeDelete,
				Table: table,
				Old:   maps.Clone(row),
			})
		} else {
			kept = append(kept, row)
		}
	}
	self.tables[table] = kept
	return deleteCount, nil
}

func (self *MemoryStore) CallProcedure(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	normalArgs, err := rowFromValue(args)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	switch name {
	case ProcedureAcceptInvitation:
		return self.acceptInvitation(normalArgs)
	case ProcedureRedeemCode:
		return self.redeemCode(normalArgs)
	default:
		return nil, fmt.Errorf("unknown procedure %s", name)
	}
}

// must be called with `mutex`
func (self *MemoryStore) acceptInvitation(args map[string]any) (map[string]any, error) {
	invitationId, err := argId(args, "invitation_id")
	if err != nil {
		return nil, err
	}
	inviteeUserId, err := argId(args, "invitee_user_id")
	if err != nil {
		return nil, err
	}

	var invitationRow map[string]any
	for _, row := range self.tables[TableInvitations] {
		if rowId(row, "invitation_id") == invitationId {
			invitationRow = row
			break
		}
	}
	if invitationRow == nil {
		return map[string]any{"outcome": "invalid"}, nil
	}
	expireTime, ok := rowTime(invitationRow, "expire_time")
	if invitationRow["status"] != string(InvitationStatusPending) || !ok || !self.now().Before(expireTime) {
		return map[string]any{"outcome": "invalid"}, nil
	}
	inviterUserId := rowId(invitationRow, "inviter_user_id")

	// the pair and the status change are one atomic step
	self.createConnectionPair(inviterUserId, inviteeUserId)
	self.update(
		TableInvitations,
		Filter{"invitation_id": invitationId.String()},
		map[string]any{"status": string(InvitationStatusAccepted)},
	)

	return map[string]any{
		"outcome":         "ok",
		"inviter_user_id": inviterUserId.String(),
	}, nil
}

// must be called with `mutex`
func (self *MemoryStore) redeemCode(args map[string]any) (map[string]any, error) {
	code, _ := args["code"].(string)
	redeemerUserId, err := argId(args, "redeemer_user_id")
	if err != nil {
		return nil, err
	}

	var codeRow map[string]any
	for _, row := range self.tables[TableConnectionCodes] {
		if row["code"] == code {
			expireTime, ok := rowTime(row, "expire_time")
			if row["is_used"] != true && ok && self.now().Before(expireTime) {
				codeRow = row
				break
			}
		}
	}
	if codeRow == nil {
		return map[string]any{"outcome": "invalid"}, nil
	}
	ownerUserId := rowId(codeRow, "owner_user_id")
	if ownerUserId == redeemerUserId {
		return map[string]any{"outcome": "invalid"}, nil
	}

	// conditional mark-used before pair creation. a concurrent
	// redeemer of the same code finds no active row and loses.
	self.update(
		TableConnectionCodes,
		Filter{"code_id": rowId(codeRow, "code_id").String(), "is_used": false},
		map[string]any{"is_used": true, "used_by_user_id": redeemerUserId.String()},
	)
	self.createConnectionPair(ownerUserId, redeemerUserId)

	return map[string]any{
		"outcome":       "ok",
		"owner_user_id": ownerUserId.String(),
	}, nil
}

// must be called with `mutex`.
// creates the missing directional rows of the pair, skipping any that
// already exist.
func (self *MemoryStore) createConnectionPair(userIdA Id, userIdB Id) {
	self.createDirectionalRow(userIdA, userIdB)
	self.createDirectionalRow(userIdB, userIdA)
}

// must be called with `mutex`
func (self *MemoryStore) createDirectionalRow(ownerUserId Id, peerUserId Id) {
	for _, row := range self.tables[TableConnections] {
		if rowId(row, "owner_user_id") == ownerUserId && rowId(row, "peer_user_id") == peerUserId {
			return
		}
	}

	peer := self.account(peerUserId)
	connection := &Connection{
		ConnectionId:           NewId(),
		OwnerUserId:            ownerUserId,
		PeerUserId:             peerUserId,
		Status:                 ConnectionStatusConnected,
		LocationSharingEnabled: true,
		CreateTime:             self.now(),
	}
	if peer != nil {
		connection.PeerDisplayName = peer.DisplayName
		if peer.Phone != "" {
			connection.PeerContactInfo = peer.Phone
		} else {
			connection.PeerContactInfo = peer.Email
		}
		connection.PeerLocked = peer.Locked
	}
	self.insert(TableConnections, requireRowFromValue(connection))
}

// must be called with `mutex`
func (self *MemoryStore) account(userId Id) *Account {
	for _, row := range self.tables[TableAccounts] {
		if rowId(row, "user_id") == userId {
			if account, err := valueFromRow[Account](row); err == nil {
				return account
			}
		}
	}
	return nil
}

func (self *MemoryStore) Subscribe(ctx context.Context, table Table, filter Filter, eventMask EventMask) (Subscription, error) {
	normalFilter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		subId:     NewId(),
		store:     self,
		table:     table,
		filter:    normalFilter,
		eventMask: eventMask,
		events:    make(chan *ChangeEvent, memorySubscriptionBufferSize),
		errs:      make(chan error, 1),
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.subs[sub.subId] = sub
	return sub, nil
}

// fails all open subscriptions, as a transport drop would.
// lets tests and local runs exercise the resubscribe path.
func (self *MemoryStore) CloseSubscriptions() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, sub := range self.subs {
		sub.fail(errors.New("subscription closed"))
	}
	maps.Clear(self.subs)
}

// must be called with `mutex`
func (self *MemoryStore) emit(event *ChangeEvent) {
	for _, sub := range self.subs {
		if sub.table != event.Table {
			continue
		}
		if !sub.eventMask.Contains(event.Type) {
			continue
		}
		if !matchFilter(event.New, sub.filter) && !matchFilter(event.Old, sub.filter) {
			continue
		}
		select {
		case sub.events <- event:
			memoryLog("%s %s -> sub %s", event.Type, event.Table, sub.subId)
		default:
			// slow consumer. surface an error so it resubscribes.
			sub.fail(errors.New("event buffer overflow"))
			delete(self.subs, sub.subId)
		}
	}
}

func (self *MemoryStore) removeSub(subId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.subs, subId)
}

func (self *MemoryStore) Close() {
	self.cancel()
	self.CloseSubscriptions()
}

type memorySubscription struct {
	subId     Id
	store     *MemoryStore
	table     Table
	filter    Filter
	eventMask EventMask

	events chan *ChangeEvent
	errs   chan error

	failed bool
}

func (self *memorySubscription) Events() <-chan *ChangeEvent {
	return self.events
}

func (self *memorySubscription) Err() <-chan error {
	return self.errs
}

func (self *memorySubscription) Unsub() {
	self.store.removeSub(self.subId)
}

func (self *memorySubscription) fail(err error) {
	if self.failed {
		return
	}
	self.failed = true
	select {
	case self.errs <- err:
	default:
	}
}

func normalizeFilter(filter Filter) (Filter, error) {
	if filter == nil {
		return Filter{}, nil
	}
	row, err := rowFromValue(map[string]any(filter))
	if err != nil {
		return nil, err
	}
	return Filter(row), nil
}

// a nil filter value matches an absent or null key
func matchFilter(row map[string]any, filter Filter) bool {
	if row == nil {
		return false
	}
	for key, filterValue := range filter {
		if !reflect.DeepEqual(row[key], filterValue) {
			return false
		}
	}
	return true
}

func rowId(row map[string]any, key string) Id {
	if idStr, ok := row[key].(string); ok {
		if id, err := ParseId(idStr); err == nil {
			return id
		}
	}
	return Id{}
}

func argId(args map[string]any, key string) (Id, error) {
	idStr, ok := args[key].(string)
	if !ok {
		return Id{}, fmt.Errorf("missing argument %s", key)
	}
	return ParseId(idStr)
}

func rowTime(row map[string]any, key string) (time.Time, bool) {
	timeStr, ok := row[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, timeStr)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
