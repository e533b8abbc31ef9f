package orderstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("order state store closed")

type View string

const (
	ViewAvailable View = "available"
	ViewMine      View = "mine"
)

// Fetcher is the read side of the order API.
type Fetcher interface {
	ListAvailable(ctx context.Context) ([]models.Order, error)
	ListMine(ctx context.Context, id models.Identity) ([]models.Order, error)
}

// ViewSnapshot is a copy of one view at a point in time.
type ViewSnapshot struct {
	View      View           `json:"view"`
	Orders    []models.Order `json:"orders"`
	Seq       uint64         `json:"seq"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	LastError string         `json:"lastError,omitempty"`
	Stale     int64          `json:"staleDiscarded"`
}

type viewState struct {
	orders    []models.Order
	issued    uint64
	applied   uint64
	updatedAt time.Time
	lastError string
	stale     int64
}

// Store keeps the "available" and "mine" views of one worker session.
// Views are only ever replaced by a whole snapshot.
type Store struct {
	api Fetcher
	id  models.Identity

	life   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	views  map[View]*viewState
}

func New(api Fetcher, id models.Identity) *Store {
	life, cancel := context.WithCancel(context.Background())
	return &Store{
		api:    api,
		id:     id,
		life:   life,
		cancel: cancel,
		views: map[View]*viewState{
			ViewAvailable: {},
			ViewMine:      {},
		},
	}
}

func (s *Store) Identity() models.Identity { return s.id }

func (s *Store) RefreshAvailable(ctx context.Context) ([]models.Order, error) {
	return s.refresh(ctx, ViewAvailable, s.api.ListAvailable)
}

func (s *Store) RefreshMine(ctx context.Context) ([]models.Order, error) {
	return s.refresh(ctx, ViewMine, func(ctx context.Context) ([]models.Order, error) {
		return s.api.ListMine(ctx, s.id)
	})
}

// InvalidateAll refetches both views. The trigger carries no data, so nothing is diffed.
func (s *Store) InvalidateAll(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		_, err := s.RefreshAvailable(ctx)
		return err
	})
	g.Go(func() error {
		_, err := s.RefreshMine(ctx)
		return err
	})
	return g.Wait()
}

func (s *Store) refresh(ctx context.Context, v View, fetch func(context.Context) ([]models.Order, error)) ([]models.Order, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	vs := s.views[v]
	vs.issued++
	seq := vs.issued
	s.mu.Unlock()

	// Запрос живёт не дольше, чем сам store.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()

	orders, err := fetch(reqCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err != nil {
		if seq > vs.applied {
			vs.lastError = err.Error()
		}
		slog.Warn("refresh failed, keeping previous snapshot", "view", string(v), "seq", seq, "error", err.Error())
		return nil, errors.Wrapf(err, "refresh %s", v)
	}
	if seq < vs.applied {
		vs.stale++
		slog.Warn("discard stale refresh result", "view", string(v), "seq", seq, "applied", vs.applied)
		return s.ordersLocked(v), nil
	}

	vs.orders = dedupe(orders)
	vs.applied = seq
	vs.updatedAt = time.Now().UTC()
	vs.lastError = ""
	return s.ordersLocked(v), nil
}

func (s *Store) ordersLocked(v View) []models.Order {
	if v == ViewAvailable {
		return s.availableLocked()
	}
	return copyOrders(s.views[v].orders)
}

// Available returns the available view without orders that are already mine.
func (s *Store) Available() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableLocked()
}

func (s *Store) availableLocked() []models.Order {
	mine := make(map[string]struct{}, len(s.views[ViewMine].orders))
	for _, o := range s.views[ViewMine].orders {
		mine[o.ID] = struct{}{}
	}
	out := make([]models.Order, 0, len(s.views[ViewAvailable].orders))
	for _, o := range s.views[ViewAvailable].orders {
		if _, ok := mine[o.ID]; ok {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (s *Store) Mine() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOrders(s.views[ViewMine].orders)
}

func (s *Store) Snapshot(v View) (ViewSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.views[v]
	if !ok {
		return ViewSnapshot{}, errors.Errorf("unknown view %q", v)
	}
	snap := ViewSnapshot{
		View:      v,
		Seq:       vs.applied,
		LastError: vs.lastError,
		Stale:     vs.stale,
	}
	snap.Orders = s.ordersLocked(v)
	if !vs.updatedAt.IsZero() {
		t := vs.updatedAt
		snap.UpdatedAt = &t
	}
	return snap, nil
}

// Close cancels every outstanding fetch; results arriving afterwards are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// dedupe keeps the last record per order id, in first-seen order.
func dedupe(in []models.Order) []models.Order {
	idx := make(map[string]int, len(in))
	out := make([]models.Order, 0, len(in))
	for _, o := range in {
		if i, ok := idx[o.ID]; ok {
			out[i] = o
			continue
		}
		idx[o.ID] = len(out)
		out = append(out, o)
	}
	return out
}

func copyOrders(in []models.Order) []models.Order {
	out := make([]models.Order, len(in))
	copy(out, in)
	return out
}
