package event

// Type identifies the kind of domain occurrence an event describes.
// The set is closed: producers and consumers only exchange these values.
type Type string

// Event type constants
const (
	// TypeConversationStarted marks the beginning of a customer conversation
	TypeConversationStarted Type = "conversation_started"
	// TypeConversationEnded marks the end of a customer conversation
	TypeConversationEnded Type = "conversation_ended"
	// TypeMessageReceived is an inbound customer message
	TypeMessageReceived Type = "message_received"
	// TypeMessageSent is an outbound message delivered to the customer
	TypeMessageSent Type = "message_sent"
	// TypeAIResponseGenerated is a successfully generated AI response
	TypeAIResponseGenerated Type = "ai_response_generated"
	// TypeAIResponseFailed is an AI response generation failure
	TypeAIResponseFailed Type = "ai_response_failed"
	// TypeOrderCreated is a business order creation
	TypeOrderCreated Type = "order_created"
	// TypePaymentProcessed is a completed payment
	TypePaymentProcessed Type = "payment_processed"
	// TypeBusinessMetric is a business analytics data point
	TypeBusinessMetric Type = "business_metric"
	// TypeSystemAlert is an operational alert raised by the platform
	TypeSystemAlert Type = "system_alert"
	// TypeDeadLetter wraps a message that exhausted its processing attempts
	TypeDeadLetter Type = "dead_letter"
)

// Valid reports whether the type is one of the declared constants.
func (t Type) Valid() bool {
	switch t {
	case TypeConversationStarted, TypeConversationEnded,
		TypeMessageReceived, TypeMessageSent,
		TypeAIResponseGenerated, TypeAIResponseFailed,
		TypeOrderCreated, TypePaymentProcessed, TypeBusinessMetric,
		TypeSystemAlert, TypeDeadLetter:
		return true
	}
	return false
}

// Priority expresses delivery urgency. It is carried on the envelope but does
// not affect broker ordering; consumers may use it to schedule work.
type Priority string

// Priority constants
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether the priority is one of the declared constants.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// DefaultVersion is the envelope version stamped on new events.
const DefaultVersion = "1.0"
