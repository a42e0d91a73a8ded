package pair

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPresenceEvaluator(t *testing.T) {
	clock := newTestClock()
	evaluator := NewPresenceEvaluatorWithDefaults()
	evaluator.now = clock.Now

	connectionAt := func(age time.Duration) *Connection {
		updatedAt := clock.Now().Add(-age)
		return &Connection{
			ConnectionId:      NewId(),
			LocationUpdatedAt: &updatedAt,
		}
	}

	assert.Equal(t, PresenceOnline, evaluator.Evaluate(connectionAt(4*time.Minute)))
	assert.Equal(t, PresenceOffline, evaluator.Evaluate(connectionAt(6*time.Minute)))
	// exactly at the window is still online
	assert.Equal(t, PresenceOnline, evaluator.Evaluate(connectionAt(5*time.Minute)))

	// no location write yet
	assert.Equal(t, PresenceOffline, evaluator.Evaluate(&Connection{ConnectionId: NewId()}))
	assert.Equal(t, PresenceOffline, evaluator.Evaluate(nil))

	assert.Equal(t, true, PresenceOnline.IsOnline())
	assert.Equal(t, false, PresenceOffline.IsOnline())
}

func TestPresenceAgesOut(t *testing.T) {
	clock := newTestClock()
	evaluator := NewPresenceEvaluatorWithDefaults()
	evaluator.now = clock.Now

	updatedAt := clock.Now()
	connection := &Connection{
		ConnectionId:      NewId(),
		LocationUpdatedAt: &updatedAt,
	}

	assert.Equal(t, PresenceOnline, evaluator.Evaluate(connection))

	// no event fires. the same record reads offline once stale.
	clock.Advance(10 * time.Minute)
	assert.Equal(t, PresenceOffline, evaluator.Evaluate(connection))
}
