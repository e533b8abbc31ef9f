package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuard_ConcurrentTryConfirmCallsOnce(t *testing.T) {
	g := NewGuard(nil)

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.TryConfirm(context.Background(), "TX1", fn)
		}(i)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyConfirmed):
			dup++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 7, dup)
}

func TestGuard_ReentrantCallIsDuplicate(t *testing.T) {
	g := NewGuard(nil)
	var inner error
	err := g.TryConfirm(context.Background(), "TX2", func(ctx context.Context) error {
		inner = g.TryConfirm(ctx, "TX2", func(context.Context) error { return nil })
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, inner, ErrAlreadyConfirmed)
}

func TestGuard_FailureKeepsMarkUntilRetry(t *testing.T) {
	g := NewGuard(nil)
	boom := errors.New("502 bad gateway")

	err := g.TryConfirm(context.Background(), "TX3", func(context.Context) error { return boom })
	var cf *ConfirmFailedError
	require.ErrorAs(t, err, &cf)
	require.Equal(t, "TX3", cf.Ref)
	require.ErrorIs(t, err, boom)

	// без явного Retry повторной отправки нет
	called := false
	err = g.TryConfirm(context.Background(), "TX3", func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrAlreadyConfirmed)
	require.False(t, called)

	require.NoError(t, g.Retry(context.Background(), "TX3", func(context.Context) error {
		called = true
		return nil
	}))
	require.True(t, called)
}

func TestGuard_EmptyRef(t *testing.T) {
	g := NewGuard(NewMemoryRecord())
	require.ErrorIs(t, g.TryConfirm(context.Background(), "", nil), ErrEmptyRef)
	require.ErrorIs(t, g.Retry(context.Background(), "", nil), ErrEmptyRef)
}

type brokenRecord struct{}

func (brokenRecord) Mark(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenRecord) Forget(context.Context, string) error { return errors.New("redis down") }

func (brokenRecord) MarkedAt(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("redis down")
}

func TestGuard_RecordErrorDoesNotConfirm(t *testing.T) {
	g := NewGuard(brokenRecord{})
	called := false
	err := g.TryConfirm(context.Background(), "TX4", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	require.False(t, called)
	require.False(t, IsAlreadyConfirmed(err))

	_, _, err = g.MarkedAt(context.Background(), "TX4")
	require.Error(t, err)
}

func TestMemoryRecord(t *testing.T) {
	r := NewMemoryRecord()
	ok, err := r.Mark(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.Mark(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, r.Len())

	at, found, err := r.MarkedAt(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, time.Now(), at, time.Minute)

	require.NoError(t, r.Forget(context.Background(), "a"))
	require.Equal(t, 0, r.Len())
	_, found, err = r.MarkedAt(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, found)
}
