// README: NATS-backed event bus; events are JSON on subject prefix "ridehail.".
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"ridehail/internal/types"
)

const subjectPrefix = "ridehail."

type NATSBus struct {
	conn *nats.Conn
	log  logrus.FieldLogger
}

func NewNATSBus(conn *nats.Conn, log logrus.FieldLogger) *NATSBus {
	return &NATSBus{conn: conn, log: log}
}

func Subject(eventType string) string {
	if eventType == All {
		return subjectPrefix + ">"
	}
	return subjectPrefix + eventType
}

func (b *NATSBus) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	if err := b.conn.Publish(Subject(e.Type), data); err != nil {
		return types.Unavailable("nats publish", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(eventType string, h Handler) (func(), error) {
	sub, err := b.conn.Subscribe(Subject(eventType), func(m *nats.Msg) {
		var e Event
		if err := json.Unmarshal(m.Data, &e); err != nil {
			b.log.WithError(err).WithField("subject", m.Subject).Warn("drop malformed event")
			return
		}
		h(e)
	})
	if err != nil {
		return nil, types.Unavailable("nats subscribe", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
