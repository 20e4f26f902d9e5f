package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// Handler processes one sign outcome event. Returning an error leaves the
// message uncommitted, so the group replays it after the next (re)start.
type Handler func(key, value []byte) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds the stats pipeline. Offsets advance only after the handler
// succeeds: a sign attempt must never vanish from the tallies because the
// stats store hiccuped at the wrong moment.
type Consumer struct {
	r messageReader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		// Новая группа начинает с начала топика: статистика должна учесть
		// и те подписи, что случились до первого запуска checkin-api.
		StartOffset: kafka.FirstOffset,
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

// Consume pumps events into handler until the context ends or an error
// surfaces. Commit strictly follows a successful handle.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			return errors.Wrapf(err, "handle offset %d", msg.Offset)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrapf(err, "commit offset %d", msg.Offset)
		}
	}
}
