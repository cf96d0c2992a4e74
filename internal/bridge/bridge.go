// Package bridge fans stamped room events out across relay instances over
// NATS JetStream, so members of one room can be served by different nodes.
// Receivers apply the same strictly-greater version gate as clients, which
// makes duplicate or reordered bridge delivery harmless.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/protocol"
)

// Config holds the bridge's JetStream settings.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectPrefix string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "SYNC_EVENTS",
		ConsumerName:  "sync-relay",
		SubjectPrefix: "sync.rooms",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// envelope is the bridge wire format.
type envelope struct {
	Instance string            `json:"instance"`
	RoomID   string            `json:"room_id"`
	Message  *protocol.Message `json:"message"`
}

// Bridge publishes local room events and consumes peers' events.
type Bridge struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	consumer   jetstream.Consumer
	cfg        Config
	instanceID string
}

// New connects to NATS and ensures the stream and consumer exist. The
// consumer name is suffixed with the instance id so every relay node sees
// every event.
func New(ctx context.Context, cfg Config) (*Bridge, error) {
	if cfg.URL == "" {
		cfg = DefaultConfig()
	}
	instanceID := uuid.New().String()[:8]

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &Bridge{nc: nc, js: js, cfg: cfg, instanceID: instanceID}
	if err := b.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return b, nil
}

func (b *Bridge) ensureConsumer(ctx context.Context) error {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  []string{b.cfg.SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          fmt.Sprintf("%s-%s", b.cfg.ConsumerName, b.instanceID),
		FilterSubject: b.cfg.SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxDeliver:    b.cfg.MaxDeliver,
		AckWait:       b.cfg.AckWait,
		MaxAckPending: b.cfg.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	b.consumer = consumer
	return nil
}

// Publish sends one stamped room event to the bridge.
func (b *Bridge) Publish(ctx context.Context, roomID string, msg *protocol.Message) error {
	data, err := json.Marshal(envelope{Instance: b.instanceID, RoomID: roomID, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal bridge envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", b.cfg.SubjectPrefix, roomID, msg.Type)
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Consume delivers peers' events to the handler until the context is
// cancelled. Events this instance published are skipped.
func (b *Bridge) Consume(ctx context.Context, handle func(roomID string, msg *protocol.Message)) error {
	consumeCtx, err := b.consumer.Consume(func(m jetstream.Msg) {
		var env envelope
		if err := json.Unmarshal(m.Data(), &env); err != nil {
			log.Debug().Err(err).Msg("discarding malformed bridge envelope")
			m.Ack()
			return
		}
		if env.Instance == b.instanceID {
			m.Ack()
			return
		}

		handle(env.RoomID, env.Message)
		m.Ack()
	})
	if err != nil {
		return fmt.Errorf("start bridge consumer: %w", err)
	}

	log.Info().
		Str("instance", b.instanceID).
		Str("stream", b.cfg.StreamName).
		Msg("bridge consumer started")

	<-ctx.Done()
	consumeCtx.Stop()
	return nil
}

// Close drains the NATS connection.
func (b *Bridge) Close() {
	if err := b.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("failed to drain NATS connection")
	}
}

// InstanceID identifies this relay node on the bridge.
func (b *Bridge) InstanceID() string {
	return b.instanceID
}
