package ordersapi

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/pkg/errors"
)

// ErrConflict is the expected business rejection of an accept: somebody else got the order first.
var ErrConflict = errors.New("order already taken")

// PaymentConfirmation is what the backend needs to settle a provider redirect.
type PaymentConfirmation struct {
	TxnRef       string
	Amount       int64
	ResponseCode string
	PaidAt       time.Time
}

type Client interface {
	ListAvailable(ctx context.Context) ([]models.Order, error)
	ListMine(ctx context.Context, id models.Identity) ([]models.Order, error)
	AcceptOrder(ctx context.Context, id models.Identity, orderID string) error
	ConfirmDelivery(ctx context.Context, id models.Identity, orderID string) error
	ConfirmPayment(ctx context.Context, id models.Identity, p PaymentConfirmation) error
}

// TransportError covers an unreachable API and non-business HTTP failures.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same call later may succeed.
func (e *TransportError) Retryable() bool {
	return e.Err != nil || e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
