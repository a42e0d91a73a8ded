package pair

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang/glog"
)

// in-person pairing via a short numeric code. generation invalidates
// all of the owner's previous codes before inserting the new one, so
// there is at most one redeemable code per owner. redemption runs
// server-side so that two concurrent redeems of the same code resolve
// to exactly one winner.

const ConnectionCodeDigits = 6

type RedeemOutcome string

const (
	RedeemOutcomeConnected        RedeemOutcome = "connected"
	RedeemOutcomeAlreadyConnected RedeemOutcome = "already_connected"
	RedeemOutcomeInvalid          RedeemOutcome = "invalid"
)

type CodeExchangeManagerSettings struct {
	CodeExpireTimeout time.Duration
}

func DefaultCodeExchangeManagerSettings() *CodeExchangeManagerSettings {
	return &CodeExchangeManagerSettings{
		CodeExpireTimeout: 1 * time.Hour,
	}
}

type CodeExchangeManager struct {
	ctx context.Context

	store       RemoteStore
	connections *ConnectionStore
	reporter    *LocationReporter

	settings *CodeExchangeManagerSettings
	now      func() time.Time
}

func NewCodeExchangeManagerWithDefaults(
	ctx context.Context,
	store RemoteStore,
	connections *ConnectionStore,
	reporter *LocationReporter,
) *CodeExchangeManager {
	return NewCodeExchangeManager(ctx, store, connections, reporter, DefaultCodeExchangeManagerSettings())
}

func NewCodeExchangeManager(
	ctx context.Context,
	store RemoteStore,
	connections *ConnectionStore,
	reporter *LocationReporter,
	settings *CodeExchangeManagerSettings,
) *CodeExchangeManager {
	return &CodeExchangeManager{
		ctx:         ctx,
		store:       store,
		connections: connections,
		reporter:    reporter,
		settings:    settings,
		now:         time.Now,
	}
}

func (self *CodeExchangeManager) userId() Id {
	return self.connections.UserId()
}

// GenerateCode mints a fresh code for this user, retiring any code
// generated earlier.
func (self *CodeExchangeManager) GenerateCode(ctx context.Context) (*ConnectionCode, error) {
	// retire first. if the insert below fails the user simply has no
	// active code, never two.
	_, err := self.store.Update(ctx, TableConnectionCodes, Filter{
		"owner_user_id": self.userId().String(),
		"is_used":       false,
	}, map[string]any{
		"is_used": true,
	})
	if err != nil {
		return nil, err
	}

	codeValue, err := randomCode()
	if err != nil {
		return nil, err
	}
	now := self.now()
	code := &ConnectionCode{
		CodeId:      NewId(),
		OwnerUserId: self.userId(),
		Code:        codeValue,
		CreateTime:  now,
		ExpireTime:  now.Add(self.settings.CodeExpireTimeout),
		IsUsed:      false,
	}
	if err := self.store.Insert(ctx, TableConnectionCodes, requireRowFromValue(code)); err != nil {
		return nil, err
	}
	glog.V(2).Infof("[cx]generated %s\n", code.CodeId)
	return code, nil
}

// RedeemCode pairs this user with the code's owner.
func (self *CodeExchangeManager) RedeemCode(ctx context.Context, code string) (RedeemOutcome, error) {
	code = strings.TrimSpace(code)
	if len(code) != ConnectionCodeDigits || strings.Trim(code, "0123456789") != "" {
		return "", NewValidationError("code must be %d digits", ConnectionCodeDigits)
	}

	// local pre-checks give the user a specific message for the cases
	// the procedure would otherwise collapse into "invalid"
	codeRows, err := self.store.Query(ctx, TableConnectionCodes, Filter{
		"code":    code,
		"is_used": false,
	})
	if err != nil {
		return "", err
	}
	now := self.now()
	for _, codeRow := range codeRows {
		existing, err := valueFromRow[ConnectionCode](codeRow)
		if err != nil || !existing.ActiveAt(now) {
			continue
		}
		if existing.OwnerUserId == self.userId() {
			return "", NewValidationError("cannot redeem your own code")
		}
		if self.connections.ContainsPeer(existing.OwnerUserId) {
			return RedeemOutcomeAlreadyConnected, nil
		}
	}

	result, err := self.store.CallProcedure(ctx, ProcedureRedeemCode, map[string]any{
		"code":            code,
		"redeemer_user_id": self.userId().String(),
	})
	if err != nil {
		return "", err
	}
	if result["outcome"] != "ok" {
		// expired, already used, or lost a concurrent redeem
		return RedeemOutcomeInvalid, nil
	}
	glog.V(2).Infof("[cx]redeemed\n")

	if self.reporter != nil {
		// the new pair's reverse row is empty until each side reports.
		// the two users are physically together, so report immediately.
		self.reporter.ReportNow()
	}
	return RedeemOutcomeConnected, nil
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < ConnectionCodeDigits; i += 1 {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", ConnectionCodeDigits, n), nil
}
