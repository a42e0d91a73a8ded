package pair

import (
	"context"
)

// the durable owner of all rows is an external real-time data store.
// the engine only talks to this contract. `MemoryStore` implements it
// in process, `HttpRemoteStore` implements it over http + websocket.

type Table string

const (
	TableConnections     Table = "connections"
	TableInvitations     Table = "invitations"
	TableConnectionCodes Table = "connection_codes"
	TableAccounts        Table = "accounts"
)

func (self Table) IdKey() string {
	switch self {
	case TableConnections:
		return "connection_id"
	case TableInvitations:
		return "invitation_id"
	case TableConnectionCodes:
		return "code_id"
	case TableAccounts:
		return "user_id"
	default:
		return "id"
	}
}

// equality match on json-normalized values
type Filter map[string]any

// selects the one directional connection row owner -> peer
func pairFilter(ownerUserId Id, peerUserId Id) Filter {
	return Filter{
		"owner_user_id": ownerUserId.String(),
		"peer_user_id":  peerUserId.String(),
	}
}

type ChangeType string

const (
	ChangeTypeInsert ChangeType = "insert"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeDelete ChangeType = "delete"
)

type EventMask int

const (
	EventInsert EventMask = 1 << iota
	EventUpdate
	EventDelete
)

const EventAll = EventInsert | EventUpdate | EventDelete

func (self EventMask) Contains(changeType ChangeType) bool {
	switch changeType {
	case ChangeTypeInsert:
		return self&EventInsert != 0
	case ChangeTypeUpdate:
		return self&EventUpdate != 0
	case ChangeTypeDelete:
		return self&EventDelete != 0
	default:
		return false
	}
}

// `New` carries only the fields present in the change payload plus the
// row id and the owner/peer keys. `Old` is set for deletes, and may be
// the only way to identify the deleted row.
type ChangeEvent struct {
	Type  ChangeType     `json:"type"`
	Table Table          `json:"table"`
	Old   map[string]any `json:"old,omitempty"`
	New   map[string]any `json:"new,omitempty"`
}

// a live subscription. `Err` yields at most one error, after which no
// more events are delivered and the consumer must resubscribe.
type Subscription interface {
	Events() <-chan *ChangeEvent
	Err() <-chan error
	Unsub()
}

// procedure names for the atomic server-side operations.
// each must be atomic at the store: partial application would leave
// the two users' clients in disagreeing states.
const (
	ProcedureAcceptInvitation = "accept_invitation"
	ProcedureRedeemCode       = "redeem_connection_code"
)

type RemoteStore interface {
	Query(ctx context.Context, table Table, filter Filter) ([]map[string]any, error)
	Insert(ctx context.Context, table Table, row map[string]any) error
	// applies `payload` to all rows matching `filter`.
	// returns the number of rows updated.
	Update(ctx context.Context, table Table, filter Filter, payload map[string]any) (int, error)
	Delete(ctx context.Context, table Table, filter Filter) (int, error)
	CallProcedure(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Subscribe(ctx context.Context, table Table, filter Filter, eventMask EventMask) (Subscription, error)
}
