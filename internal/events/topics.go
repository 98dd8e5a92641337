package events

// Topic constants for domain events emitted by the payment pipeline.
const (
	TopicOrderPaid            = "order.paid"
	TopicPaymentFailed        = "payment.failed"
	TopicOrderResubmitted     = "order.resubmitted"
	TopicNeedCompleted        = "need.completed"
	TopicReconciliationFailed = "reconciliation.failed"
)

// DefaultTopics returns the canonical list of topics that collaborators may subscribe to.
func DefaultTopics() []string {
	return []string{
		TopicOrderPaid,
		TopicPaymentFailed,
		TopicOrderResubmitted,
		TopicNeedCompleted,
		TopicReconciliationFailed,
	}
}
