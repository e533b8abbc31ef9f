package orderstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CourierDesk/internal/integrations/ordersapi"
	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fetcherMock struct {
	mock.Mock
}

func (m *fetcherMock) ListAvailable(ctx context.Context) ([]models.Order, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]models.Order)
	return out, args.Error(1)
}

func (m *fetcherMock) ListMine(ctx context.Context, id models.Identity) ([]models.Order, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).([]models.Order)
	return out, args.Error(1)
}

var bob = models.Identity{UserID: "bob"}

func orders(ids ...string) []models.Order {
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Order{ID: id, Status: models.OrderStatusReadyForDelivery})
	}
	return out
}

func ids(in []models.Order) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		out = append(out, o.ID)
	}
	return out
}

type StoreSuite struct {
	suite.Suite

	api   *fetcherMock
	store *Store
}

func (s *StoreSuite) SetupTest() {
	s.api = &fetcherMock{}
	s.store = New(s.api, bob)
}

func (s *StoreSuite) TearDownTest() {
	s.store.Close()
}

func (s *StoreSuite) TestRefreshAvailable_ReplacesAndDedupes() {
	s.api.On("ListAvailable", mock.Anything).Return(orders("1", "2", "1"), nil).Once()
	s.api.On("ListAvailable", mock.Anything).Return(orders("3"), nil).Once()

	got, err := s.store.RefreshAvailable(context.Background())
	s.Require().NoError(err)
	s.Require().Equal([]string{"1", "2"}, ids(got))

	got, err = s.store.RefreshAvailable(context.Background())
	s.Require().NoError(err)
	s.Require().Equal([]string{"3"}, ids(got))
	s.Require().Equal([]string{"3"}, ids(s.store.Available()))
	s.api.AssertExpectations(s.T())
}

func (s *StoreSuite) TestRefreshMine_UsesBoundIdentity() {
	s.api.On("ListMine", mock.Anything, bob).Return(orders("7"), nil).Once()

	got, err := s.store.RefreshMine(context.Background())
	s.Require().NoError(err)
	s.Require().Equal([]string{"7"}, ids(got))
	s.api.AssertExpectations(s.T())
}

func (s *StoreSuite) TestRefreshFailure_KeepsPreviousSnapshot() {
	s.api.On("ListAvailable", mock.Anything).Return(orders("1"), nil).Once()
	s.api.On("ListAvailable", mock.Anything).Return(nil, errors.New("connection refused")).Once()

	_, err := s.store.RefreshAvailable(context.Background())
	s.Require().NoError(err)

	_, err = s.store.RefreshAvailable(context.Background())
	s.Require().Error(err)
	s.Require().Contains(err.Error(), "refresh available")

	snap, err := s.store.Snapshot(ViewAvailable)
	s.Require().NoError(err)
	s.Require().Equal([]string{"1"}, ids(snap.Orders))
	s.Require().Equal("connection refused", snap.LastError)
	s.Require().Equal(uint64(1), snap.Seq)
}

func (s *StoreSuite) TestRefreshBusinessFailure_KeepsPreviousSnapshot() {
	s.api.On("ListMine", mock.Anything, bob).Return(orders("1", "2"), nil).Once()
	s.api.On("ListMine", mock.Anything, bob).
		Return(nil, &ordersapi.TransportError{Op: "list mine", StatusCode: 200, Message: "db unavailable"}).Once()

	_, err := s.store.RefreshMine(context.Background())
	s.Require().NoError(err)

	got, err := s.store.RefreshMine(context.Background())
	s.Require().Error(err)
	s.Require().Nil(got)

	snap, err := s.store.Snapshot(ViewMine)
	s.Require().NoError(err)
	s.Require().Equal([]string{"1", "2"}, ids(snap.Orders))
	s.Require().Contains(snap.LastError, "db unavailable")
}

func (s *StoreSuite) TestRefreshAvailable_ReturnsWithoutMine() {
	s.api.On("ListMine", mock.Anything, bob).Return(orders("2"), nil).Once()
	s.api.On("ListAvailable", mock.Anything).Return(orders("1", "2"), nil).Once()

	_, err := s.store.RefreshMine(context.Background())
	s.Require().NoError(err)
	got, err := s.store.RefreshAvailable(context.Background())
	s.Require().NoError(err)
	s.Require().Equal([]string{"1"}, ids(got))
}

func (s *StoreSuite) TestAvailable_ExcludesMine() {
	s.api.On("ListAvailable", mock.Anything).Return(orders("1", "2", "3"), nil).Once()
	s.api.On("ListMine", mock.Anything, bob).Return(orders("2"), nil).Once()

	s.Require().NoError(s.store.InvalidateAll(context.Background()))
	s.Require().Equal([]string{"1", "3"}, ids(s.store.Available()))
	s.Require().Equal([]string{"2"}, ids(s.store.Mine()))

	snap, err := s.store.Snapshot(ViewAvailable)
	s.Require().NoError(err)
	s.Require().Equal([]string{"1", "3"}, ids(snap.Orders))
}

func (s *StoreSuite) TestInvalidateAll_RefreshesBothOnce() {
	s.api.On("ListAvailable", mock.Anything).Return(orders("1"), nil).Once()
	s.api.On("ListMine", mock.Anything, bob).Return(nil, errors.New("503")).Once()

	err := s.store.InvalidateAll(context.Background())
	s.Require().Error(err)
	s.Require().Equal([]string{"1"}, ids(s.store.Available()))
	s.api.AssertNumberOfCalls(s.T(), "ListAvailable", 1)
	s.api.AssertNumberOfCalls(s.T(), "ListMine", 1)
}

func (s *StoreSuite) TestReadersGetCopies() {
	s.api.On("ListMine", mock.Anything, bob).Return(orders("1"), nil).Once()
	_, err := s.store.RefreshMine(context.Background())
	s.Require().NoError(err)

	got := s.store.Mine()
	got[0].ID = "mutated"
	s.Require().Equal([]string{"1"}, ids(s.store.Mine()))
}

func (s *StoreSuite) TestSnapshot_UnknownView() {
	_, err := s.store.Snapshot(View("archive"))
	s.Require().Error(err)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

// gatedFetcher отвечает на вызовы по очереди; каждый ответ ждёт своего gate.
type gatedFetcher struct {
	mu      sync.Mutex
	replies []gatedReply
	started chan int
	calls   int
}

type gatedReply struct {
	orders []models.Order
	err    error
	gate   chan struct{}
}

func (f *gatedFetcher) next(ctx context.Context) ([]models.Order, error) {
	f.mu.Lock()
	r := f.replies[f.calls]
	n := f.calls
	f.calls++
	f.mu.Unlock()
	f.started <- n
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.orders, r.err
}

func (f *gatedFetcher) ListAvailable(ctx context.Context) ([]models.Order, error) {
	return f.next(ctx)
}

func (f *gatedFetcher) ListMine(ctx context.Context, id models.Identity) ([]models.Order, error) {
	return f.next(ctx)
}

func TestRefresh_OlderResultNeverOverwritesNewer(t *testing.T) {
	slow := make(chan struct{})
	f := &gatedFetcher{
		started: make(chan int, 2),
		replies: []gatedReply{
			{orders: orders("old"), gate: slow},
			{orders: orders("new")},
		},
	}
	st := New(f, bob)
	defer st.Close()

	first := make(chan []models.Order, 1)
	go func() {
		got, err := st.RefreshAvailable(context.Background())
		require.NoError(t, err)
		first <- got
	}()
	require.Equal(t, 0, <-f.started)

	got, err := st.RefreshAvailable(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, <-f.started)
	require.Equal(t, []string{"new"}, ids(got))

	close(slow)
	select {
	case got := <-first:
		// опоздавший вызов получает уже применённый снимок
		require.Equal(t, []string{"new"}, ids(got))
	case <-time.After(time.Second):
		t.Fatal("first refresh did not return")
	}

	snap, err := st.Snapshot(ViewAvailable)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, ids(snap.Orders))
	require.Equal(t, uint64(2), snap.Seq)
	require.Equal(t, int64(1), snap.Stale)
}

func TestRefresh_OlderFailureDoesNotMarkNewerSnapshot(t *testing.T) {
	slow := make(chan struct{})
	f := &gatedFetcher{
		started: make(chan int, 2),
		replies: []gatedReply{
			{err: errors.New("timeout"), gate: slow},
			{orders: orders("a")},
		},
	}
	st := New(f, bob)
	defer st.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := st.RefreshMine(context.Background())
		errCh <- err
	}()
	<-f.started
	_, err := st.RefreshMine(context.Background())
	require.NoError(t, err)
	<-f.started

	close(slow)
	require.Error(t, <-errCh)

	snap, err := st.Snapshot(ViewMine)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(snap.Orders))
	require.Empty(t, snap.LastError)
}

func TestClose_CancelsInFlightAndDropsResult(t *testing.T) {
	f := &gatedFetcher{
		started: make(chan int, 1),
		replies: []gatedReply{{orders: orders("x"), gate: make(chan struct{})}},
	}
	st := New(f, bob)

	errCh := make(chan error, 1)
	go func() {
		_, err := st.RefreshAvailable(context.Background())
		errCh <- err
	}()
	<-f.started
	st.Close()
	st.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("in-flight refresh was not cancelled")
	}
	require.Empty(t, st.Available())

	_, err := st.RefreshMine(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
