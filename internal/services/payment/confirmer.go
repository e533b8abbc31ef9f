package payment

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/BearBump/CourierDesk/internal/broker/messages"
	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi"
	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/pkg/errors"
)

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeDuplicate is a repeated redirect; presentation shows the previous result silently.
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDeclined  Outcome = "declined"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	Outcome  Outcome   `json:"outcome"`
	Redirect *Redirect `json:"redirect,omitempty"`
	Message  string    `json:"message,omitempty"`
}

type PaymentAPI interface {
	ConfirmPayment(ctx context.Context, id models.Identity, p ordersapi.PaymentConfirmation) error
}

type Journal interface {
	Record(ctx context.Context, out messages.ActionOutcome) error
}

var (
	ErrUnknownRef = errors.New("no redirect seen for this transaction reference")
	// ErrNotRetryable: only a failed confirmation may be sent again.
	ErrNotRetryable = errors.New("payment is not retryable")
)

type refState struct {
	redirect Redirect
	last     Outcome
	retrying bool
}

// Status describes what this session knows about one transaction reference.
type Status struct {
	TxnRef      string     `json:"txnRef"`
	LastOutcome Outcome    `json:"lastOutcome,omitempty"`
	Retrying    bool       `json:"retrying"`
	MarkedAt    *time.Time `json:"markedAt,omitempty"`
	Redirect    Redirect   `json:"redirect"`
}

// Confirmer handles the provider redirect: parse, guard, confirm with the backend.
type Confirmer struct {
	api     PaymentAPI
	guard   *Guard
	id      models.Identity
	journal Journal

	mu   sync.Mutex
	refs map[string]*refState
}

func NewConfirmer(api PaymentAPI, guard *Guard, id models.Identity) *Confirmer {
	return &Confirmer{api: api, guard: guard, id: id, refs: make(map[string]*refState)}
}

// WithJournal enables best-effort publishing of confirmation outcomes.
func (c *Confirmer) WithJournal(j Journal) *Confirmer {
	c.journal = j
	return c
}

// HandleRedirect never returns an error for a bad query or a failed call: both degrade to a
// non-success Result.
func (c *Confirmer) HandleRedirect(ctx context.Context, q url.Values) Result {
	r, err := ParseRedirect(q)
	if err != nil {
		slog.Warn("malformed payment redirect", "error", err.Error())
		return Result{Outcome: OutcomeInvalid, Message: err.Error()}
	}
	if !r.Succeeded() {
		slog.Info("payment declined by provider", "txn_ref", r.TxnRef, "response_code", r.ResponseCode)
		return Result{Outcome: OutcomeDeclined, Redirect: &r}
	}

	c.mu.Lock()
	if _, ok := c.refs[r.TxnRef]; !ok {
		c.refs[r.TxnRef] = &refState{redirect: r}
	}
	c.mu.Unlock()

	res := c.result(ctx, r, c.guard.TryConfirm(ctx, r.TxnRef, c.confirmFunc(r)))
	c.settle(r.TxnRef, res.Outcome, false)
	return res
}

// Retry resends a seen redirect whose last confirmation attempt failed. A confirmed or still
// running reference yields ErrNotRetryable and no backend call.
func (c *Confirmer) Retry(ctx context.Context, ref string) (Result, error) {
	c.mu.Lock()
	st, ok := c.refs[ref]
	if !ok {
		c.mu.Unlock()
		return Result{}, ErrUnknownRef
	}
	if st.retrying || st.last != OutcomeFailed {
		last, retrying := st.last, st.retrying
		c.mu.Unlock()
		slog.Info("payment retry refused", "txn_ref", ref, "last_outcome", string(last), "retrying", retrying)
		if last == "" || retrying {
			return Result{}, errors.Wrap(ErrNotRetryable, "confirmation still in progress")
		}
		return Result{}, errors.Wrapf(ErrNotRetryable, "last outcome %s", last)
	}
	st.retrying = true
	r := st.redirect
	c.mu.Unlock()

	res := c.result(ctx, r, c.guard.Retry(ctx, ref, c.confirmFunc(r)))
	c.settle(ref, res.Outcome, true)
	return res, nil
}

// Status returns the last known outcome and, when the record has it, the time of the mark.
func (c *Confirmer) Status(ctx context.Context, ref string) (Status, error) {
	c.mu.Lock()
	st, ok := c.refs[ref]
	if !ok {
		c.mu.Unlock()
		return Status{}, ErrUnknownRef
	}
	out := Status{TxnRef: ref, LastOutcome: st.last, Retrying: st.retrying, Redirect: st.redirect}
	c.mu.Unlock()

	at, marked, err := c.guard.MarkedAt(ctx, ref)
	if err != nil {
		return out, err
	}
	if marked {
		out.MarkedAt = &at
	}
	return out, nil
}

// settle records confirmed and failed outcomes; a duplicate says nothing new about the ref.
func (c *Confirmer) settle(ref string, o Outcome, retry bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.refs[ref]
	if retry {
		st.retrying = false
	}
	if o == OutcomeConfirmed || o == OutcomeFailed {
		st.last = o
	}
}

func (c *Confirmer) confirmFunc(r Redirect) ConfirmFunc {
	return func(ctx context.Context) error {
		return c.api.ConfirmPayment(ctx, c.id, ordersapi.PaymentConfirmation{
			TxnRef:       r.TxnRef,
			Amount:       r.Amount,
			ResponseCode: r.ResponseCode,
			PaidAt:       r.PaidAt,
		})
	}
}

func (c *Confirmer) result(ctx context.Context, r Redirect, err error) Result {
	switch {
	case err == nil:
		c.record(ctx, r.TxnRef, messages.OutcomeSucceeded, nil)
		return Result{Outcome: OutcomeConfirmed, Redirect: &r}
	case IsAlreadyConfirmed(err):
		return Result{Outcome: OutcomeDuplicate, Redirect: &r}
	default:
		c.record(ctx, r.TxnRef, messages.OutcomeFailed, err)
		return Result{Outcome: OutcomeFailed, Redirect: &r, Message: err.Error()}
	}
}

func (c *Confirmer) record(ctx context.Context, ref, outcome string, err error) {
	if c.journal == nil {
		return
	}
	out := messages.ActionOutcome{
		Action:  messages.ActionConfirmPayment,
		UserID:  c.id.UserID,
		TxnRef:  ref,
		Outcome: outcome,
		At:      time.Now().UTC(),
	}
	if err != nil {
		msg := err.Error()
		out.Error = &msg
	}
	if jerr := c.journal.Record(ctx, out); jerr != nil {
		slog.Warn("journal payment outcome failed", "txn_ref", ref, "error", jerr.Error())
	}
}
