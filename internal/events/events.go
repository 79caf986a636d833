package events

// Billing event types recorded in the outbox and forwarded to tenants.
const (
	EventAddOnPurchased    = "addon.purchased"
	EventAddOnActivated    = "addon.activated"
	EventTrialStarted      = "addon.trial_started"
	EventTrialConverted    = "addon.trial_converted"
	EventTrialExpired      = "addon.trial_expired"
	EventRenewalSucceeded  = "addon.renewal_succeeded"
	EventPaymentFailed     = "addon.payment_failed"
	EventSuspended         = "addon.suspended"
	EventReactivated       = "addon.reactivated"
	EventCancelled         = "addon.cancelled"
	EventExpired           = "addon.expired"
	EventArchived          = "addon.archived"
	EventLowBalance        = "addon.low_balance"
	EventCreditsAdded      = "addon.credits_added"
	EventRefundIssued      = "addon.refund_issued"
)
