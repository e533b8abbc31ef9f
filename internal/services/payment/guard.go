package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyConfirmed = errors.New("payment already submitted for confirmation")
	ErrEmptyRef         = errors.New("transaction reference is required")
)

// ConfirmFailedError means the backend confirmation call itself failed. The reference stays
// marked; only an explicit Retry sends it again.
type ConfirmFailedError struct {
	Ref string
	Err error
}

func (e *ConfirmFailedError) Error() string {
	return fmt.Sprintf("confirm payment %s: %v", e.Ref, e.Err)
}

func (e *ConfirmFailedError) Unwrap() error { return e.Err }

type ConfirmFunc func(ctx context.Context) error

// Guard lets a transaction reference reach the backend at most once.
type Guard struct {
	rec Record
}

func NewGuard(rec Record) *Guard {
	if rec == nil {
		rec = NewMemoryRecord()
	}
	return &Guard{rec: rec}
}

func (g *Guard) TryConfirm(ctx context.Context, ref string, confirm ConfirmFunc) error {
	if ref == "" {
		return ErrEmptyRef
	}
	// Помечаем до вызова: повторный вызов во время запроса тоже считается дублем.
	marked, err := g.rec.Mark(ctx, ref)
	if err != nil {
		return errors.Wrap(err, "mark transaction")
	}
	if !marked {
		slog.Info("payment confirmation skipped, already submitted", "txn_ref", ref)
		return ErrAlreadyConfirmed
	}
	if err := confirm(ctx); err != nil {
		slog.Error("payment confirmation failed", "txn_ref", ref, "error", err.Error())
		return &ConfirmFailedError{Ref: ref, Err: err}
	}
	slog.Info("payment confirmed", "txn_ref", ref)
	return nil
}

// Retry clears the mark for ref and confirms again. Callers must only use it for a reference
// whose last attempt failed; the guard itself does not know the outcome.
func (g *Guard) Retry(ctx context.Context, ref string, confirm ConfirmFunc) error {
	if ref == "" {
		return ErrEmptyRef
	}
	if err := g.rec.Forget(ctx, ref); err != nil {
		return errors.Wrap(err, "forget transaction")
	}
	return g.TryConfirm(ctx, ref, confirm)
}

// MarkedAt reports when ref was submitted, if it was.
func (g *Guard) MarkedAt(ctx context.Context, ref string) (time.Time, bool, error) {
	at, ok, err := g.rec.MarkedAt(ctx, ref)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "lookup transaction mark")
	}
	return at, ok, nil
}

func IsAlreadyConfirmed(err error) bool {
	return errors.Is(err, ErrAlreadyConfirmed)
}
