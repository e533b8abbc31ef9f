package messages

import "time"

const (
	ActionAccept          = "accept"
	ActionConfirmDelivery = "confirm_delivery"
	ActionConfirmPayment  = "confirm_payment"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeConflict  = "conflict"
	OutcomeFailed    = "failed"
)

// ActionOutcome is one journal record about a worker action on an order.
type ActionOutcome struct {
	Action  string    `json:"action"`
	UserID  string    `json:"user_id"`
	OrderID string    `json:"order_id,omitempty"`
	TxnRef  string    `json:"txn_ref,omitempty"`
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`

	Error *string `json:"error,omitempty"`
}
