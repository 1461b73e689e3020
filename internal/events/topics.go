package events

// Topic constants for payment outcome events.
const (
	TopicPaymentSucceeded     = "payment.succeeded"
	TopicPaymentFailed        = "payment.failed"
	TopicPaymentProviderError = "payment.provider_error"
	TopicCheckoutFallback     = "checkout.fallback"
)

// DefaultTopics returns the canonical list of topics emitted by the orchestrator.
func DefaultTopics() []string {
	return []string{
		TopicPaymentSucceeded,
		TopicPaymentFailed,
		TopicPaymentProviderError,
		TopicCheckoutFallback,
	}
}
