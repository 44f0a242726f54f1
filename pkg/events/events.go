package events

import (
	"sync"
	"time"

	"github.com/pgpilot/pgpilot/pkg/types"
)

// ChannelState is the pub/sub channel state notifications go out on.
const ChannelState = "state"

// StateNotification is the compact JSON payload published on the "state"
// channel after every goal-state change. Listeners receive notifications in
// commit order.
type StateNotification struct {
	Type          string                 `json:"type"`
	Formation     string                 `json:"formation"`
	NodeID        int64                  `json:"nodeId"`
	GroupID       int                    `json:"groupId"`
	Name          string                 `json:"name"`
	Host          string                 `json:"host"`
	Port          int                    `json:"port"`
	ReportedState types.ReplicationState `json:"reportedState"`
	GoalState     types.ReplicationState `json:"goalState"`
	Health        types.NodeHealth       `json:"health"`
	Description   string                 `json:"description"`
	Timestamp     time.Time              `json:"timestamp"`
}

// NewStateNotification builds the payload for one node transition.
func NewStateNotification(node *types.Node, description string, at time.Time) *StateNotification {
	return &StateNotification{
		Type:          ChannelState,
		Formation:     node.Formation,
		NodeID:        node.ID,
		GroupID:       node.GroupID,
		Name:          node.Name,
		Host:          node.Host,
		Port:          node.Port,
		ReportedState: node.ReportedState,
		GoalState:     node.GoalState,
		Health:        node.Health,
		Description:   description,
		Timestamp:     at,
	}
}

// Subscriber is a channel that receives notifications
type Subscriber chan *StateNotification

// Broker manages subscriptions and distribution of state notifications
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	notifyCh    chan *StateNotification
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new notification broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		notifyCh:    make(chan *StateNotification, 100), // Buffer up to 100 notifications
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes a notification to all subscribers
func (b *Broker) Publish(notification *StateNotification) {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	select {
	case b.notifyCh <- notification:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case notification := <-b.notifyCh:
			b.broadcast(notification)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(notification *StateNotification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- notification:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
