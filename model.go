package pair

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// one directional record owned by a user, pointing at a peer.
// a true peer relationship is two rows, one per direction.
// the location fields carry the owner's own reported location,
// so the peer's view of the owner reads the reverse row.
// the pair is not created atomically in all flows, so one row can
// transiently exist without the reverse. see `ChangeReconciler`.
type Connection struct {
	ConnectionId           Id               `json:"connection_id"`
	OwnerUserId            Id               `json:"owner_user_id"`
	PeerUserId             Id               `json:"peer_user_id"`
	PeerDisplayName        string           `json:"peer_display_name,omitempty"`
	PeerContactInfo        string           `json:"peer_contact_info,omitempty"`
	Status                 ConnectionStatus `json:"status"`
	Latitude               *float64         `json:"latitude,omitempty"`
	Longitude              *float64         `json:"longitude,omitempty"`
	Address                string           `json:"address,omitempty"`
	LocationUpdatedAt      *time.Time       `json:"location_updated_at,omitempty"`
	BatteryPercent         *int             `json:"battery_percent,omitempty"`
	LocationSharingEnabled bool             `json:"location_sharing_enabled"`
	PeerLocked             bool             `json:"peer_locked"`
	CreateTime             time.Time        `json:"create_time"`
}

func (self *Connection) Location() *Location {
	if self.Latitude == nil || self.Longitude == nil {
		return nil
	}
	return &Location{
		Latitude:  *self.Latitude,
		Longitude: *self.Longitude,
		Address:   self.Address,
	}
}

func (self *Connection) Copy() *Connection {
	copy := *self
	if self.Latitude != nil {
		latitude := *self.Latitude
		copy.Latitude = &latitude
	}
	if self.Longitude != nil {
		longitude := *self.Longitude
		copy.Longitude = &longitude
	}
	if self.LocationUpdatedAt != nil {
		locationUpdatedAt := *self.LocationUpdatedAt
		copy.LocationUpdatedAt = &locationUpdatedAt
	}
	if self.BatteryPercent != nil {
		batteryPercent := *self.BatteryPercent
		copy.BatteryPercent = &batteryPercent
	}
	return &copy
}

type ConnectionStatus string

const (
	ConnectionStatusConnected ConnectionStatus = "connected"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// phone-number-addressed connection request.
// inviter fields are a denormalized snapshot at send time.
type Invitation struct {
	InvitationId       Id               `json:"invitation_id"`
	InviterUserId      Id               `json:"inviter_user_id"`
	InviterDisplayName string           `json:"inviter_display_name,omitempty"`
	InviterPhone       string           `json:"inviter_phone,omitempty"`
	InviterEmail       string           `json:"inviter_email,omitempty"`
	InviterPhotoUrl    string           `json:"inviter_photo_url,omitempty"`
	InviteePhone       string           `json:"invitee_phone"`
	Status             InvitationStatus `json:"status"`
	CreateTime         time.Time        `json:"create_time"`
	ExpireTime         time.Time        `json:"expire_time"`
}

// expiry is evaluated at read time, not by a background sweep
func (self *Invitation) PendingAt(t time.Time) bool {
	return self.Status == InvitationStatusPending && t.Before(self.ExpireTime)
}

type InvitationStatus string

const (
	InvitationStatusPending  InvitationStatus = "pending"
	InvitationStatusAccepted InvitationStatus = "accepted"
	InvitationStatusRejected InvitationStatus = "rejected"
)

func (self InvitationStatus) IsTerminal() bool {
	switch self {
	case InvitationStatusAccepted, InvitationStatusRejected:
		return true
	default:
		return false
	}
}

// short-lived shared secret. at most one unused, unexpired code
// exists per owner at any instant.
type ConnectionCode struct {
	CodeId       Id        `json:"code_id"`
	OwnerUserId  Id        `json:"owner_user_id"`
	Code         string    `json:"code"`
	CreateTime   time.Time `json:"create_time"`
	ExpireTime   time.Time `json:"expire_time"`
	IsUsed       bool      `json:"is_used"`
	UsedByUserId *Id       `json:"used_by_user_id,omitempty"`
}

func (self *ConnectionCode) ActiveAt(t time.Time) bool {
	return !self.IsUsed && t.Before(self.ExpireTime)
}

// account projection used for denormalized snapshots and the lock flag
type Account struct {
	UserId      Id     `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	PhotoUrl    string `json:"photo_url,omitempty"`
	Locked      bool   `json:"locked"`
}

const PhoneNumberDigits = 10

// digits only, fixed length. a leading country 1 is dropped.
func NormalizePhone(phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if '0' <= r && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) == PhoneNumberDigits+1 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != PhoneNumberDigits {
		return "", NewValidationError("phone number must have %d digits", PhoneNumberDigits)
	}
	return digits, nil
}

type ValidationError struct {
	message string
}

func NewValidationError(format string, a ...any) *ValidationError {
	return &ValidationError{
		message: fmt.Sprintf(format, a...),
	}
}

func (self *ValidationError) Error() string {
	return self.message
}

// row codecs. rows move through the store as json-normalized maps so
// that partial change payloads can be inspected key by key.

func rowFromValue(value any) (map[string]any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func requireRowFromValue(value any) map[string]any {
	row, err := rowFromValue(value)
	if err != nil {
		panic(err)
	}
	return row
}

func valueFromRow[T any](row map[string]any) (*T, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	value := new(T)
	if err := json.Unmarshal(b, value); err != nil {
		return nil, err
	}
	return value, nil
}
