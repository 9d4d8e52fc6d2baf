// Package transport defines the publish/subscribe capability the engine
// consumes. Delivery is assumed at-least-once with no ordering guarantee and
// possible silent gaps; nothing behind this interface deduplicates.
package transport

import "context"

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PresenceTopic is the shared presence-scoped topic.
const PresenceTopic = "presence"

// ChannelTopic returns the topic carrying a channel's events.
func ChannelTopic(channelID string) string {
	return "chat." + channelID
}

// Handler receives the raw payload of one delivery.
type Handler func(data []byte)

// SubscribeEvents are the lifecycle callbacks of a subscription. Either may
// be nil. OnReady fires once the transport guarantees delivery of events
// published from then on; OnError fires if the subscription cannot become
// (or stay) ready.
type SubscribeEvents struct {
	OnReady func()
	OnError func(err error)
}

// Subscription is a live handle on a topic.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Transport is a pub/sub session. Reconnection is the implementation's
// business; callers only observe state changes.
type Transport interface {
	Connect(ctx context.Context) error
	Close()
	State() State
	OnStateChange(fn func(State))
	Subscribe(topic string, handler Handler, events SubscribeEvents) (Subscription, error)
	Publish(topic string, data []byte) error
}
