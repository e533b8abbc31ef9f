package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/CourierDesk/internal/broker/messages"
	"github.com/pkg/errors"
)

const DefaultJournalTopic = "courier.actions"

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Journal publishes action outcomes keyed by user id, so one worker's records stay ordered.
type Journal struct {
	p     publisher
	topic string
}

func NewJournal(p publisher, topic string) *Journal {
	if topic == "" {
		topic = DefaultJournalTopic
	}
	return &Journal{p: p, topic: topic}
}

func (j *Journal) Record(ctx context.Context, out messages.ActionOutcome) error {
	if out.At.IsZero() {
		out.At = time.Now().UTC()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "marshal action outcome")
	}
	return j.p.Publish(ctx, j.topic, []byte(out.UserID), b)
}
