package pair

import (
	"time"
)

// derives online/offline from the freshness of the peer's last
// location write. recomputed on every read and never stored, so a
// connection silently ages from online to offline without an event.

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

func (self Presence) IsOnline() bool {
	return self == PresenceOnline
}

type PresenceEvaluatorSettings struct {
	StalenessWindow time.Duration
}

func DefaultPresenceEvaluatorSettings() *PresenceEvaluatorSettings {
	return &PresenceEvaluatorSettings{
		StalenessWindow: 5 * time.Minute,
	}
}

type PresenceEvaluator struct {
	settings *PresenceEvaluatorSettings
	now      func() time.Time
}

func NewPresenceEvaluatorWithDefaults() *PresenceEvaluator {
	return NewPresenceEvaluator(DefaultPresenceEvaluatorSettings())
}

func NewPresenceEvaluator(settings *PresenceEvaluatorSettings) *PresenceEvaluator {
	return &PresenceEvaluator{
		settings: settings,
		now:      time.Now,
	}
}

func (self *PresenceEvaluator) Evaluate(connection *Connection) Presence {
	if connection == nil || connection.LocationUpdatedAt == nil {
		return PresenceOffline
	}
	if self.now().Sub(*connection.LocationUpdatedAt) <= self.settings.StalenessWindow {
		return PresenceOnline
	}
	return PresenceOffline
}
