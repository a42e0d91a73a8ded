package pair

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// phone-number-addressed connection request lifecycle.
//
// accept must be atomic at the store: the connection pair and the
// status change happen in one server-side procedure, because a partial
// application would leave the two users' clients in disagreeing
// states.

// a duplicate invite or an existing connection is a benign outcome
// with an informational message, not an error
type InviteOutcome string

const (
	InviteOutcomeSent             InviteOutcome = "sent"
	InviteOutcomeAlreadyConnected InviteOutcome = "already_connected"
	InviteOutcomeAlreadyInvited   InviteOutcome = "already_invited"
)

var ErrInvitationNotPending = errors.New("invitation is no longer pending")

type InvitationManagerSettings struct {
	InvitationExpireTimeout time.Duration
}

func DefaultInvitationManagerSettings() *InvitationManagerSettings {
	return &InvitationManagerSettings{
		InvitationExpireTimeout: 7 * 24 * time.Hour,
	}
}

type InvitationManager struct {
	ctx context.Context

	store       RemoteStore
	connections *ConnectionStore
	dispatcher  NotificationDispatcher
	reporter    *LocationReporter

	settings *InvitationManagerSettings
	now      func() time.Time
}

func NewInvitationManagerWithDefaults(
	ctx context.Context,
	store RemoteStore,
	connections *ConnectionStore,
	dispatcher NotificationDispatcher,
	reporter *LocationReporter,
) *InvitationManager {
	return NewInvitationManager(ctx, store, connections, dispatcher, reporter, DefaultInvitationManagerSettings())
}

func NewInvitationManager(
	ctx context.Context,
	store RemoteStore,
	connections *ConnectionStore,
	dispatcher NotificationDispatcher,
	reporter *LocationReporter,
	settings *InvitationManagerSettings,
) *InvitationManager {
	return &InvitationManager{
		ctx:         ctx,
		store:       store,
		connections: connections,
		dispatcher:  dispatcher,
		reporter:    reporter,
		settings:    settings,
		now:         time.Now,
	}
}

func (self *InvitationManager) userId() Id {
	return self.connections.UserId()
}

func (self *InvitationManager) ownAccount(ctx context.Context) (*Account, error) {
	rows, err := self.store.Query(ctx, TableAccounts, Filter{
		"user_id": self.userId().String(),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("missing own account")
	}
	return valueFromRow[Account](rows[0])
}

func (self *InvitationManager) accountByPhone(ctx context.Context, phone string) (*Account, error) {
	rows, err := self.store.Query(ctx, TableAccounts, Filter{
		"phone": phone,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return valueFromRow[Account](rows[0])
}

func (self *InvitationManager) SendInvitation(ctx context.Context, inviteePhone string) (InviteOutcome, *Invitation, error) {
	normalizedPhone, err := NormalizePhone(inviteePhone)
	if err != nil {
		return "", nil, err
	}

	ownAccount, err := self.ownAccount(ctx)
	if err != nil {
		return "", nil, err
	}
	if ownPhone, err := NormalizePhone(ownAccount.Phone); err == nil && ownPhone == normalizedPhone {
		return "", nil, NewValidationError("cannot invite yourself")
	}

	invitee, err := self.accountByPhone(ctx, normalizedPhone)
	if err != nil {
		return "", nil, err
	}
	if invitee != nil {
		connectionRows, err := self.store.Query(ctx, TableConnections, pairFilter(self.userId(), invitee.UserId))
		if err != nil {
			return "", nil, err
		}
		if 0 < len(connectionRows) {
			return InviteOutcomeAlreadyConnected, nil, nil
		}
	}

	pendingRows, err := self.store.Query(ctx, TableInvitations, Filter{
		"inviter_user_id": self.userId().String(),
		"invitee_phone":   normalizedPhone,
		"status":          string(InvitationStatusPending),
	})
	if err != nil {
		return "", nil, err
	}
	now := self.now()
	for _, pendingRow := range pendingRows {
		if expireTime, ok := rowTime(pendingRow, "expire_time"); ok && now.Before(expireTime) {
			return InviteOutcomeAlreadyInvited, nil, nil
		}
	}

	invitation := &Invitation{
		InvitationId:       NewId(),
		InviterUserId:      self.userId(),
		InviterDisplayName: ownAccount.DisplayName,
		InviterPhone:       ownAccount.Phone,
		InviterEmail:       ownAccount.Email,
		InviterPhotoUrl:    ownAccount.PhotoUrl,
		InviteePhone:       normalizedPhone,
		Status:             InvitationStatusPending,
		CreateTime:         now,
		ExpireTime:         now.Add(self.settings.InvitationExpireTimeout),
	}
	if err := self.store.Insert(ctx, TableInvitations, requireRowFromValue(invitation)); err != nil {
		return "", nil, err
	}
	glog.V(2).Infof("[iv]sent %s\n", invitation.InvitationId)

	if invitee != nil {
		self.dispatcher.Notify(
			self.ctx,
			[]Id{invitee.UserId},
			"Connection request",
			ownAccount.DisplayName+" wants to connect with you",
			map[string]string{"invitation_id": invitation.InvitationId.String()},
		)
	}
	return InviteOutcomeSent, invitation, nil
}

// invitations addressed to this user's phone, unexpired at read time
func (self *InvitationManager) PendingInvitations(ctx context.Context) ([]*Invitation, error) {
	ownAccount, err := self.ownAccount(ctx)
	if err != nil {
		return nil, err
	}
	ownPhone, err := NormalizePhone(ownAccount.Phone)
	if err != nil {
		return nil, err
	}
	return self.pendingByFilter(ctx, Filter{
		"invitee_phone": ownPhone,
		"status":        string(InvitationStatusPending),
	})
}

// invitations this user has sent, unexpired at read time
func (self *InvitationManager) SentInvitations(ctx context.Context) ([]*Invitation, error) {
	return self.pendingByFilter(ctx, Filter{
		"inviter_user_id": self.userId().String(),
		"status":          string(InvitationStatusPending),
	})
}

func (self *InvitationManager) pendingByFilter(ctx context.Context, filter Filter) ([]*Invitation, error) {
	rows, err := self.store.Query(ctx, TableInvitations, filter)
	if err != nil {
		return nil, err
	}
	now := self.now()
	invitations := []*Invitation{}
	for _, row := range rows {
		invitation, err := valueFromRow[Invitation](row)
		if err != nil {
			continue
		}
		// expiry is a timestamp comparison at read time, no write
		if invitation.PendingAt(now) {
			invitations = append(invitations, invitation)
		}
	}
	slices.SortFunc(invitations, func(a *Invitation, b *Invitation) int {
		return b.CreateTime.Compare(a.CreateTime)
	})
	return invitations, nil
}

func (self *InvitationManager) AcceptInvitation(ctx context.Context, invitationId Id) error {
	result, err := self.store.CallProcedure(ctx, ProcedureAcceptInvitation, map[string]any{
		"invitation_id":   invitationId.String(),
		"invitee_user_id": self.userId().String(),
	})
	if err != nil {
		return err
	}
	if result["outcome"] != "ok" {
		return ErrInvitationNotPending
	}
	glog.V(2).Infof("[iv]accepted %s\n", invitationId)

	if inviterIdStr, ok := result["inviter_user_id"].(string); ok {
		if inviterUserId, err := ParseId(inviterIdStr); err == nil {
			self.dispatcher.Notify(
				self.ctx,
				[]Id{inviterUserId},
				"Invitation accepted",
				"Your connection request was accepted",
				map[string]string{"invitation_id": invitationId.String()},
			)
		}
	}
	if self.reporter != nil {
		// give the new pair a first location without waiting a tick
		self.reporter.ReportNow()
	}
	return nil
}

func (self *InvitationManager) RejectInvitation(ctx context.Context, invitationId Id) error {
	updateCount, err := self.store.Update(ctx, TableInvitations, Filter{
		"invitation_id": invitationId.String(),
		"status":        string(InvitationStatusPending),
	}, map[string]any{
		"status": string(InvitationStatusRejected),
	})
	if err != nil {
		return err
	}
	if updateCount == 0 {
		return ErrInvitationNotPending
	}
	return nil
}
