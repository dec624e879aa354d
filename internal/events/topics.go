package events

// Topic constants for checkout events.
const (
	TopicCheckoutSubmitted = "checkout.submitted"
	TopicCheckoutFailed    = "checkout.failed"
	TopicCheckoutPaid      = "checkout.paid"
)

// DefaultTopics returns the canonical list of topics.
func DefaultTopics() []string {
	return []string{
		TopicCheckoutSubmitted,
		TopicCheckoutFailed,
		TopicCheckoutPaid,
	}
}
