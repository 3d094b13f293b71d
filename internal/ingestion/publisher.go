package ingestion

import (
	"WardProtocol/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamPublisher is the slice of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes lifecycle events to NATS for downstream
// consumers. Subjects follow ward.events.{type}.{vault_id}.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan event.Lifecycle
	logger    zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan event.Lifecycle, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.Publish(ctx, evt); err != nil {
				// Non-fatal: the audit log holds every lifecycle event.
				op.logger.Warn().Err(err).Str("event_id", evt.ID.String()).Str("type", evt.TypeName).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends one event. The event id doubles as the JetStream message id
// so a retried publish is deduplicated by the server.
func (op *OutboundPublisher) Publish(ctx context.Context, evt event.Lifecycle) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubject(evt), data, jetstream.WithMsgID(evt.ID.String()))
	return err
}

// EventSubject builds ward.events.{type}.{vault_id}; events without a vault
// use "none".
func EventSubject(evt event.Lifecycle) string {
	vault := evt.VaultID
	if vault == "" {
		vault = "none"
	}
	return fmt.Sprintf("%s.%s.%s", EventsSubjectPrefix, evt.TypeName, subjectToken(vault))
}

// subjectToken replaces characters NATS treats as subject syntax.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
