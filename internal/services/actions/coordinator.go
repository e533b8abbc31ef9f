package actions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/CourierDesk/internal/broker/messages"
	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi"
	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrAlreadyPending = errors.New("action already in flight")
	ErrEmptyOrderID   = errors.New("order id is required")
)

type Kind string

const (
	KindAccept          Kind = "accept"
	KindConfirmDelivery Kind = "confirm_delivery"
)

type PendingAction struct {
	OrderID string    `json:"orderId"`
	Kind    Kind      `json:"kind"`
	Since   time.Time `json:"since"`
}

type key struct {
	orderID string
	kind    Kind
}

type API interface {
	AcceptOrder(ctx context.Context, id models.Identity, orderID string) error
	ConfirmDelivery(ctx context.Context, id models.Identity, orderID string) error
}

// Invalidator refetches both order views.
type Invalidator interface {
	InvalidateAll(ctx context.Context) error
}

type Journal interface {
	Record(ctx context.Context, out messages.ActionOutcome) error
}

// Coordinator sends worker actions, at most one per (order, kind) at a time, and resyncs the
// views after each of them.
type Coordinator struct {
	api     API
	views   Invalidator
	id      models.Identity
	journal Journal

	mu      sync.Mutex
	pending map[key]time.Time
}

func New(api API, views Invalidator, id models.Identity) *Coordinator {
	return &Coordinator{
		api:     api,
		views:   views,
		id:      id,
		pending: make(map[key]time.Time),
	}
}

func (c *Coordinator) WithJournal(j Journal) *Coordinator {
	c.journal = j
	return c
}

// Accept returns ordersapi.ErrConflict (check with ordersapi.IsConflict) when somebody else
// took the order.
func (c *Coordinator) Accept(ctx context.Context, orderID string) error {
	return c.do(ctx, KindAccept, orderID, func(ctx context.Context) error {
		return c.api.AcceptOrder(ctx, c.id, orderID)
	})
}

func (c *Coordinator) ConfirmDelivery(ctx context.Context, orderID string) error {
	return c.do(ctx, KindConfirmDelivery, orderID, func(ctx context.Context) error {
		return c.api.ConfirmDelivery(ctx, c.id, orderID)
	})
}

func (c *Coordinator) do(ctx context.Context, kind Kind, orderID string, send func(context.Context) error) error {
	if orderID == "" {
		return ErrEmptyOrderID
	}
	k := key{orderID: orderID, kind: kind}

	c.mu.Lock()
	if _, busy := c.pending[k]; busy {
		c.mu.Unlock()
		slog.Info("action skipped, already pending", "order_id", orderID, "kind", string(kind))
		return ErrAlreadyPending
	}
	c.pending[k] = time.Now().UTC()
	c.mu.Unlock()

	err := send(ctx)

	c.mu.Lock()
	delete(c.pending, k)
	c.mu.Unlock()

	c.logOutcome(kind, orderID, err)
	c.record(ctx, kind, orderID, err)

	// Состояние берём только с сервера, без оптимистичных правок.
	if rerr := c.views.InvalidateAll(context.WithoutCancel(ctx)); rerr != nil {
		slog.Warn("refresh after action failed", "order_id", orderID, "kind", string(kind), "error", rerr.Error())
	}
	return err
}

func (c *Coordinator) logOutcome(kind Kind, orderID string, err error) {
	switch {
	case err == nil:
		slog.Info("action succeeded", "order_id", orderID, "kind", string(kind))
	case ordersapi.IsConflict(err):
		slog.Info("action rejected, order taken", "order_id", orderID, "kind", string(kind))
	default:
		slog.Error("action failed", "order_id", orderID, "kind", string(kind), "error", err.Error())
	}
}

func (c *Coordinator) record(ctx context.Context, kind Kind, orderID string, err error) {
	if c.journal == nil {
		return
	}
	out := messages.ActionOutcome{
		Action:  journalAction(kind),
		UserID:  c.id.UserID,
		OrderID: orderID,
		Outcome: messages.OutcomeSucceeded,
		At:      time.Now().UTC(),
	}
	if err != nil {
		out.Outcome = messages.OutcomeFailed
		if ordersapi.IsConflict(err) {
			out.Outcome = messages.OutcomeConflict
		}
		msg := err.Error()
		out.Error = &msg
	}
	if jerr := c.journal.Record(context.WithoutCancel(ctx), out); jerr != nil {
		slog.Warn("journal action outcome failed", "order_id", orderID, "error", jerr.Error())
	}
}

func journalAction(k Kind) string {
	if k == KindAccept {
		return messages.ActionAccept
	}
	return messages.ActionConfirmDelivery
}

// Pending lists in-flight actions, oldest first.
func (c *Coordinator) Pending() []PendingAction {
	c.mu.Lock()
	out := make([]PendingAction, 0, len(c.pending))
	for k, since := range c.pending {
		out = append(out, PendingAction{OrderID: k.orderID, Kind: k.kind, Since: since})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}
