package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/pkg/errors"
)

// localQueueSize bounds each local connection. A notification only triggers a resync, so
// dropping one while others are still queued loses nothing.
const localQueueSize = 16

// LocalHub is an in-process Dialer for demo mode: whatever is published reaches every open
// connection, there is no network in between.
type LocalHub struct {
	mu    sync.Mutex
	conns map[*localConn]struct{}
}

func NewLocalHub() *LocalHub {
	return &LocalHub{conns: make(map[*localConn]struct{})}
}

func (h *LocalHub) Dial(ctx context.Context, id models.Identity) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &localConn{
		hub:  h,
		msgs: make(chan models.Notification, localQueueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c, nil
}

// Publish never blocks; it returns how many connections got the message.
func (h *LocalHub) Publish(msg string) int {
	n := models.Notification{Message: msg, ReceivedAt: time.Now().UTC()}
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for c := range h.conns {
		select {
		case c.msgs <- n:
			delivered++
		default:
			slog.Warn("local notification dropped, queue full", "message", msg)
		}
	}
	return delivered
}

func (h *LocalHub) remove(c *localConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type localConn struct {
	hub  *LocalHub
	msgs chan models.Notification
	once sync.Once
	done chan struct{}
}

// Join is a no-op: every local connection belongs to the same single worker.
func (c *localConn) Join(ctx context.Context, id models.Identity) error { return nil }

func (c *localConn) Read(ctx context.Context) (models.Notification, error) {
	select {
	case n := <-c.msgs:
		return n, nil
	case <-c.done:
		return models.Notification{}, errors.New("local connection closed")
	case <-ctx.Done():
		return models.Notification{}, ctx.Err()
	}
}

func (c *localConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c)
	})
	return nil
}
