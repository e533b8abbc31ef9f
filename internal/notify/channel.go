package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrNoIdentity       = errors.New("identity is required")
	ErrAlreadyConnected = errors.New("channel already connected")
	ErrStopped          = errors.New("channel stopped")
)

// Conn is one established push connection.
type Conn interface {
	// Join subscribes the connection to the identity-scoped group.
	Join(ctx context.Context, id models.Identity) error
	// Read blocks until the next notification; it must return once Close is called.
	Read(ctx context.Context) (models.Notification, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, id models.Identity) (Conn, error)
}

type Handler func(n models.Notification)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// ConnectionState is the channel state; Attempt is set only while reconnecting or failed.
type ConnectionState struct {
	State   State
	Attempt int
}

func (s ConnectionState) String() string {
	if s.State == StateReconnecting || s.State == StateFailed {
		return fmt.Sprintf("%s(%d)", s.State, s.Attempt)
	}
	return s.State.String()
}

type Options struct {
	Backoff       BackoffConfig
	OnStateChange func(ConnectionState)
}

// Channel owns a single push connection and keeps it alive until Stop.
type Channel struct {
	dialer  Dialer
	backoff *Backoff
	onState func(ConnectionState)

	// sleep ждёт перед переподключением; подменяется в тестах.
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	state       ConnectionState
	handler     Handler
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	connectedAt time.Time
	lastError   string

	box      *mailbox
	wg       sync.WaitGroup
	stopOnce sync.Once

	received     atomic.Int64
	dispatched   atomic.Int64
	dropped      atomic.Int64
	reconnects   atomic.Int64
	joinFailures atomic.Int64
}

func New(dialer Dialer, opts Options) *Channel {
	return &Channel{
		dialer:  dialer,
		backoff: NewBackoff(opts.Backoff, nil),
		onState: opts.OnStateChange,
		sleep:   sleepCtx,
		box:     newMailbox(),
	}
}

// OnMessage sets the single handler for inbound notifications, replacing any previous one.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop in the background. The channel lives until Stop is
// called or ctx is cancelled.
func (c *Channel) Connect(ctx context.Context, id models.Identity) error {
	if id.IsZero() {
		return ErrNoIdentity
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	// Add до снятия блокировки: Stop не должен дождаться нулевого счётчика раньше времени.
	c.wg.Add(2)
	c.state = ConnectionState{State: StateConnecting}
	cb := c.onState
	c.mu.Unlock()

	if cb != nil {
		cb(ConnectionState{State: StateConnecting})
	}
	go c.dispatchLoop(runCtx)
	go c.run(runCtx, id)
	return nil
}

// Stop is idempotent. After it returns no handler invocation starts, pending reconnects are
// cancelled and undelivered notifications are dropped. Must not be called from the handler.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		c.dropped.Add(int64(c.box.drain()))
		c.setState(ConnectionState{State: StateDisconnected})
		slog.Info("notification channel stopped")
	})
}

func (c *Channel) run(ctx context.Context, id models.Identity) {
	defer c.wg.Done()
	defer func() {
		if c.State().State != StateFailed {
			c.setState(ConnectionState{State: StateDisconnected})
		}
	}()

	attempt := 0
	for {
		if attempt > 0 {
			if c.backoff.Exhausted(attempt) {
				c.setState(ConnectionState{State: StateFailed, Attempt: attempt - 1})
				slog.Error("notification channel gave up", "attempts", attempt-1, "last_error", c.lastErr())
				return
			}
			c.setState(ConnectionState{State: StateReconnecting, Attempt: attempt})
			delay := c.backoff.Delay(attempt)
			slog.Info("notification channel reconnect scheduled", "attempt", attempt, "delay", delay.String())
			if err := c.sleep(ctx, delay); err != nil {
				return
			}
			c.reconnects.Add(1)
		}

		conn, err := c.dialer.Dial(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.recordErr(err)
			slog.Warn("notification channel dial failed", "attempt", attempt, "error", err.Error())
			attempt++
			continue
		}

		err = c.serve(ctx, conn, id)
		if ctx.Err() != nil {
			return
		}
		c.recordErr(err)
		slog.Warn("notification channel lost", "error", err.Error())
		attempt = 1
	}
}

// serve runs one connection until it fails or ctx is done.
func (c *Channel) serve(ctx context.Context, conn Conn, id models.Identity) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		if stop() {
			_ = conn.Close()
		}
	}()

	c.mu.Lock()
	c.connectedAt = time.Now().UTC()
	c.mu.Unlock()
	c.setState(ConnectionState{State: StateConnected})
	slog.Info("notification channel connected", "user_id", id.UserID)

	// Группа — best effort: без неё всё равно приходят broadcast-уведомления.
	if err := conn.Join(ctx, id); err != nil {
		c.joinFailures.Add(1)
		slog.Warn("join group failed", "user_id", id.UserID, "error", err.Error())
	}

	for {
		n, err := conn.Read(ctx)
		if err != nil {
			return errors.Wrap(err, "read notification")
		}
		if n.ReceivedAt.IsZero() {
			n.ReceivedAt = time.Now().UTC()
		}
		c.received.Add(1)
		c.box.push(n)
	}
}

func (c *Channel) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.box.ready:
		}
		for {
			if ctx.Err() != nil {
				return
			}
			n, ok := c.box.pop()
			if !ok {
				break
			}
			c.deliver(n)
		}
	}
}

func (c *Channel) deliver(n models.Notification) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.dropped.Add(1)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification handler panic", "panic", fmt.Sprint(r))
		}
	}()
	c.dispatched.Add(1)
	h(n)
}

func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Channel) recordErr(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

func (c *Channel) lastErr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

type Stats struct {
	State        string     `json:"state"`
	Attempt      int        `json:"attempt,omitempty"`
	ConnectedAt  *time.Time `json:"connectedAt,omitempty"`
	Reconnects   int64      `json:"reconnects"`
	Received     int64      `json:"received"`
	Dispatched   int64      `json:"dispatched"`
	Dropped      int64      `json:"dropped"`
	JoinFailures int64      `json:"joinFailures"`
	LastError    string     `json:"lastError,omitempty"`
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		State:     c.state.State.String(),
		Attempt:   c.state.Attempt,
		LastError: c.lastError,
	}
	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		st.ConnectedAt = &t
	}
	c.mu.Unlock()

	st.Reconnects = c.reconnects.Load()
	st.Received = c.received.Load()
	st.Dispatched = c.dispatched.Load()
	st.Dropped = c.dropped.Load()
	st.JoinFailures = c.joinFailures.Load()
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// mailbox is an unbounded FIFO so that a slow handler never blocks the read loop.
type mailbox struct {
	mu    sync.Mutex
	items []models.Notification
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(n models.Notification) {
	m.mu.Lock()
	m.items = append(m.items, n)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (models.Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return models.Notification{}, false
	}
	n := m.items[0]
	m.items[0] = models.Notification{}
	m.items = m.items[1:]
	return n, true
}

func (m *mailbox) drain() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.items)
	m.items = nil
	return n
}
