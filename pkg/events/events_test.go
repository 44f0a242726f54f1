package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpilot/pgpilot/pkg/types"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	node := &types.Node{
		ID:            1,
		Formation:     "default",
		Name:          "node_1",
		Host:          "db1",
		Port:          5432,
		ReportedState: types.StateSecondary,
		GoalState:     types.StatePreparePromotion,
		Health:        types.NodeHealthGood,
	}
	broker.Publish(NewStateNotification(node, "promoting the only standby", time.Now()))

	select {
	case notification := <-sub:
		assert.Equal(t, "state", notification.Type)
		assert.Equal(t, int64(1), notification.NodeID)
		assert.Equal(t, types.StatePreparePromotion, notification.GoalState)
		assert.Equal(t, "promoting the only standby", notification.Description)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	node := &types.Node{ID: 1, Formation: "default"}
	for i := 0; i < 200; i++ {
		broker.Publish(NewStateNotification(node, "burst", time.Now()))
	}

	// The subscriber buffer holds 50; publishing never blocks and the
	// subscriber still drains what fits.
	deadline := time.After(time.Second)
	received := 0
loop:
	for {
		select {
		case <-sub:
			received++
			if received >= 50 {
				break loop
			}
		case <-deadline:
			break loop
		}
	}
	require.Greater(t, received, 0)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe is harmless.
	broker.Unsubscribe(sub)
}
