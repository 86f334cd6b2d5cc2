// Package publish pushes applied-operation events to NATS JetStream for
// downstream consumers. Publishing is best-effort: the event log in Postgres
// is the authoritative record, so a failed publish is logged and skipped.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"VestLedger/internal/engine"
)

// StreamName is the JetStream stream holding outbound events.
const StreamName = "VEST_LEDGER_EVENTS"

// Publisher drains the engine's publish channel onto NATS.
// Subjects follow the pattern vest.ledger.events.{event_type}.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
}

// wireEvent is the published JSON shape.
type wireEvent struct {
	Sequence  int64     `json:"sequence"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	StreamID  string    `json:"stream_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan engine.Output) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the publisher loop. Returns when the channel closes or the
// context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", out.Envelope.Sequence, err)
				// Non-fatal: consumers can read the event log directly
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out engine.Output) error {
	env := out.Envelope
	evt := wireEvent{
		Sequence:  env.Sequence,
		EventID:   env.EventID.String(),
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}
	if env.StreamID != [32]byte{} {
		evt.StreamID = env.StreamID.String()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("vest.ledger.events.%s", evt.EventType)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureEventStream creates the outbound events stream.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"vest.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", StreamName)
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
