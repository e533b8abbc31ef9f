package pgpayment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/CourierDesk/internal/services/payment"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPGPayment_LedgerFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "courier_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/courier_test?sslmode=disable"
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	ok, err := st.Mark(ctx, "TX1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.Mark(ctx, "TX1")
	require.NoError(t, err)
	require.False(t, ok)

	at, found, err := st.MarkedAt(ctx, "TX1")
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, time.Now(), at, time.Minute)

	require.NoError(t, st.Forget(ctx, "TX1"))
	_, found, err = st.MarkedAt(ctx, "TX1")
	require.NoError(t, err)
	require.False(t, found)

	// повторная инициализация схемы не ломает данные
	st2, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st2.Close)

	// гонка двух процессов за одну ссылку
	g1, g2 := payment.NewGuard(st), payment.NewGuard(st2)
	var calls atomic.Int32
	fn := func(context.Context) error {
		calls.Add(1)
		return nil
	}
	var wg sync.WaitGroup
	for _, g := range []*payment.Guard{g1, g2, g1, g2} {
		wg.Add(1)
		go func(g *payment.Guard) {
			defer wg.Done()
			_ = g.TryConfirm(ctx, "TX2", fn)
		}(g)
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
}

func TestNew_BadDSN(t *testing.T) {
	_, err := New(context.Background(), "://not a dsn")
	require.Error(t, err)
}
