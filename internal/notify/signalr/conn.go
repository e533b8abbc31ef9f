package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/BearBump/CourierDesk/internal/notify"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const recordSeparator = 0x1e

// Hub protocol message types (JSON encoding).
const (
	typeInvocation = 1
	typeCompletion = 3
	typePing       = 6
	typeClose      = 7
)

const (
	DefaultNotificationTarget = "ReceiveNotification"
	DefaultJoinMethod         = "JoinGroup"
)

var handshakeRequest = []byte("{\"protocol\":\"json\",\"version\":1}\x1e")

type Dialer struct {
	URL                string
	NotificationTarget string
	JoinMethod         string

	HandshakeTimeout time.Duration // default: 10 seconds
	PingInterval     time.Duration // default: 15 seconds
	ServerTimeout    time.Duration // default: 30 seconds without any frame

	ws *websocket.Dialer
}

func NewDialer(hubURL string) *Dialer {
	return &Dialer{
		URL:                hubURL,
		NotificationTarget: DefaultNotificationTarget,
		JoinMethod:         DefaultJoinMethod,
		HandshakeTimeout:   10 * time.Second,
		PingInterval:       15 * time.Second,
		ServerTimeout:      30 * time.Second,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

type message struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func (d *Dialer) Dial(ctx context.Context, id models.Identity) (notify.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse hub url")
	}
	q := u.Query()
	q.Set("userId", id.UserID)
	u.RawQuery = q.Encode()

	ws, resp, err := d.ws.DialContext(ctx, u.String(), http.Header{"X-User-Id": []string{id.UserID}})
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial hub (http %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "dial hub")
	}

	if err := handshake(ws, d.HandshakeTimeout); err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Conn{
		ws:            ws,
		target:        d.NotificationTarget,
		joinMethod:    d.JoinMethod,
		serverTimeout: d.ServerTimeout,
		done:          make(chan struct{}),
	}
	if d.PingInterval > 0 {
		go c.keepAlive(d.PingInterval)
	}
	return c, nil
}

func handshake(ws *websocket.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, handshakeRequest); err != nil {
		return errors.Wrap(err, "send handshake")
	}
	_ = ws.SetReadDeadline(deadline)
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "read handshake")
	}
	rec, _, _ := bytes.Cut(raw, []byte{recordSeparator})
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec, &resp); err != nil {
		return errors.Wrap(err, "decode handshake")
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})
	return nil
}

// Conn is a hub connection speaking the JSON protocol over a websocket.
type Conn struct {
	ws            *websocket.Conn
	target        string
	joinMethod    string
	serverTimeout time.Duration

	writeMu sync.Mutex
	// один websocket-кадр может содержать несколько записей
	pending [][]byte

	closeOnce sync.Once
	done      chan struct{}
}

// Join sends a non-blocking invocation; the hub does not reply to it.
func (c *Conn) Join(ctx context.Context, id models.Identity) error {
	arg, _ := json.Marshal(id.UserID)
	return c.write(message{Type: typeInvocation, Target: c.joinMethod, Arguments: []json.RawMessage{arg}})
}

func (c *Conn) Read(ctx context.Context) (models.Notification, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Notification{}, err
		}
		rec, err := c.nextRecord()
		if err != nil {
			return models.Notification{}, err
		}

		var m message
		if err := json.Unmarshal(rec, &m); err != nil {
			slog.Warn("skip malformed hub record", "error", err.Error())
			continue
		}
		switch m.Type {
		case typePing:
			continue
		case typeClose:
			if m.Error != "" {
				return models.Notification{}, fmt.Errorf("hub closed connection: %s", m.Error)
			}
			return models.Notification{}, errors.New("hub closed connection")
		case typeCompletion:
			if m.Error != "" {
				slog.Warn("hub invocation failed", "invocation_id", m.InvocationID, "error", m.Error)
			}
			continue
		case typeInvocation:
			if m.Target != c.target {
				continue
			}
			return models.Notification{Message: firstArgText(m.Arguments), ReceivedAt: time.Now().UTC()}, nil
		default:
			continue
		}
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) nextRecord() ([]byte, error) {
	for len(c.pending) == 0 {
		if c.serverTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.serverTimeout))
		}
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(err, "read frame")
		}
		for _, rec := range bytes.Split(raw, []byte{recordSeparator}) {
			if len(bytes.TrimSpace(rec)) > 0 {
				c.pending = append(c.pending, rec)
			}
		}
	}
	rec := c.pending[0]
	c.pending = c.pending[1:]
	return rec, nil
}

func (c *Conn) write(m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal hub message")
	}
	b = append(b, recordSeparator)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrap(err, "write hub message")
	}
	return nil
}

func (c *Conn) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.write(message{Type: typePing}); err != nil {
				return
			}
		}
	}
}

// firstArgText returns a string argument as is and anything else as raw JSON.
func firstArgText(args []json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err == nil {
		return s
	}
	return string(args[0])
}
