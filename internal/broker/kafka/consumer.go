package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/BearBump/CourierDesk/internal/notify"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads push notifications from a topic. It implements notify.Conn: the message key
// addresses a worker (empty key = broadcast), Join narrows delivery to that worker.
type Consumer struct {
	r messageReader

	mu     sync.Mutex
	userID string
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{
		r: kafka.NewReader(cfg),
	}
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

func (c *Consumer) Join(ctx context.Context, id models.Identity) error {
	c.mu.Lock()
	c.userID = id.UserID
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Read(ctx context.Context) (models.Notification, error) {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return models.Notification{}, errors.Wrap(err, "fetch message")
		}
		// Уведомление — только сигнал "пересинхронизируйся", поэтому коммитим сразу.
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return models.Notification{}, errors.Wrap(err, "commit message")
		}
		if !c.addressedToUs(msg.Key) {
			continue
		}
		at := msg.Time
		if at.IsZero() {
			at = time.Now().UTC()
		}
		return models.Notification{Message: decodeText(msg.Value), ReceivedAt: at}, nil
	}
}

func (c *Consumer) addressedToUs(key []byte) bool {
	if len(key) == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID != "" && string(key) == c.userID
}

// decodeText accepts both {"message": "..."} and plain text payloads.
func decodeText(v []byte) string {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var m struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(trimmed, &m) == nil && m.Message != "" {
			return m.Message
		}
	}
	return string(v)
}

// NotificationDialer opens one consumer per connection. Every worker gets its own consumer
// group so that broadcast messages reach all of them.
type NotificationDialer struct {
	Brokers     []string
	Topic       string
	GroupPrefix string

	newReader func(brokers []string, topic, groupID string) messageReader
}

func NewNotificationDialer(brokers []string, topic, groupPrefix string) *NotificationDialer {
	return &NotificationDialer{Brokers: brokers, Topic: topic, GroupPrefix: groupPrefix}
}

func (d *NotificationDialer) Dial(ctx context.Context, id models.Identity) (notify.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	groupID := d.GroupPrefix + id.UserID
	if d.newReader != nil {
		return newConsumerWithReader(d.newReader(d.Brokers, d.Topic, groupID)), nil
	}
	return NewConsumer(d.Brokers, d.Topic, groupID), nil
}
