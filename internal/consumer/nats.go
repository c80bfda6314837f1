package consumer

import (
	"context"
	"fmt"

	"taskorch/internal/model"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamPublisher is the slice of jetstream.JetStream the notifier uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSNotifier republishes every event on JetStream for other services. The
// event id doubles as the JetStream message id, so the stream also dedupes.
type NATSNotifier struct {
	js     StreamPublisher
	prefix string
}

func NewNATSNotifier(js StreamPublisher, subjectPrefix string) *NATSNotifier {
	if subjectPrefix == "" {
		subjectPrefix = "taskorch.events"
	}
	return &NATSNotifier{js: js, prefix: subjectPrefix}
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) Subject(eventType string) string {
	return n.prefix + "." + eventType
}

func (n *NATSNotifier) Consume(ctx context.Context, evt model.OutboxEvent) error {
	_, err := n.js.Publish(ctx, n.Subject(evt.EventType), []byte(evt.Payload), jetstream.WithMsgID(evt.EventID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.EventID, err)
	}
	return nil
}

// EnsureStream creates or updates the stream covering prefix.>.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, subjectPrefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	return err
}

// ConnectJetStream dials NATS and returns a JetStream handle. The caller owns
// the connection.
func ConnectJetStream(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("taskorch"))
	if err != nil {
		return nil, nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}
