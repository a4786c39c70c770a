package events

// Topic constants for domain events emitted by the storefront.
const (
	TopicCheckoutCompleted = "checkout.completed"
	TopicCheckoutFailed    = "checkout.failed"
	TopicOrderPlaced       = "order.placed"
	TopicOrderUpdated      = "orderUpdated"
	TopicCartExpired       = "cart.expired"
)

// DefaultTopics returns the topics relayed to live subscribers.
func DefaultTopics() []string {
	return []string{
		TopicCheckoutCompleted,
		TopicCheckoutFailed,
		TopicOrderPlaced,
		TopicOrderUpdated,
	}
}
