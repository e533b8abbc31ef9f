package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi"
	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/pkg/errors"
)

// FakeClient — in-memory заглушка API заказов для демо-режима и тестов.
// Семантика назначения как у настоящего бэкенда: первый accept выигрывает, остальные получают Conflict.
type FakeClient struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	assignee map[string]string
	payments map[string]ordersapi.PaymentConfirmation

	onChange func()
}

func New() *FakeClient {
	return &FakeClient{
		orders:   make(map[string]*models.Order),
		assignee: make(map[string]string),
		payments: make(map[string]ordersapi.PaymentConfirmation),
	}
}

// Seed creates n ready-for-delivery orders with deterministic ids.
func (f *FakeClient) Seed(n int) *FakeClient {
	now := time.Now().UTC()
	for i := 1; i <= n; i++ {
		f.Put(models.Order{
			ID:        fmt.Sprintf("ORD-%03d", i),
			Status:    models.OrderStatusReadyForDelivery,
			StatusRaw: models.OrderStatusReadyForDelivery,
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
			Amount:    int64(i) * 10_000,
		})
	}
	return f
}

// OnChange registers a hook fired after every mutation, e.g. to publish a push notification.
func (f *FakeClient) OnChange(fn func()) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

func (f *FakeClient) Put(o models.Order) {
	f.mu.Lock()
	cp := o
	f.orders[o.ID] = &cp
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *FakeClient) ListAvailable(ctx context.Context) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Order, 0, len(f.orders))
	for id, o := range f.orders {
		if _, taken := f.assignee[id]; taken {
			continue
		}
		if o.Status != models.OrderStatusReadyForDelivery {
			continue
		}
		out = append(out, *o)
	}
	sortOrders(out)
	return out, nil
}

func (f *FakeClient) ListMine(ctx context.Context, id models.Identity) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for orderID, user := range f.assignee {
		if user == id.UserID {
			out = append(out, *f.orders[orderID])
		}
	}
	sortOrders(out)
	return out, nil
}

func (f *FakeClient) AcceptOrder(ctx context.Context, id models.Identity, orderID string) error {
	if err := ctx.Err(); err != nil {
		return &ordersapi.TransportError{Op: "accept order", Err: err}
	}
	f.mu.Lock()
	o, ok := f.orders[orderID]
	if !ok {
		f.mu.Unlock()
		return &ordersapi.TransportError{Op: "accept order", StatusCode: 404, Message: "order not found"}
	}
	if user, taken := f.assignee[orderID]; taken {
		f.mu.Unlock()
		return errors.Wrapf(ordersapi.ErrConflict, "order %s assigned to %s", orderID, user)
	}
	f.assignee[orderID] = id.UserID
	o.Status = models.OrderStatusInDelivery
	o.StatusRaw = models.OrderStatusInDelivery
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *FakeClient) ConfirmDelivery(ctx context.Context, id models.Identity, orderID string) error {
	if err := ctx.Err(); err != nil {
		return &ordersapi.TransportError{Op: "confirm delivery", Err: err}
	}
	f.mu.Lock()
	if f.assignee[orderID] != id.UserID {
		f.mu.Unlock()
		return &ordersapi.TransportError{Op: "confirm delivery", StatusCode: 403, Message: "order is not assigned to you"}
	}
	o := f.orders[orderID]
	o.Status = models.OrderStatusCompleted
	o.StatusRaw = models.OrderStatusCompleted
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *FakeClient) ConfirmPayment(ctx context.Context, id models.Identity, p ordersapi.PaymentConfirmation) error {
	if err := ctx.Err(); err != nil {
		return &ordersapi.TransportError{Op: "confirm payment", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.TxnRef] = p
	return nil
}

// Payments returns how many distinct transactions were confirmed.
func (f *FakeClient) Payments() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payments)
}

func sortOrders(out []models.Order) {
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
}
