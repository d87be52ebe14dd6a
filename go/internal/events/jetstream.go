package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	Replicas        int           // Number of replicas for the stream
	DuplicateWindow time.Duration // Window for duplicate detection
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "LASTCLICK_EVENTS",
		SubjectPrefix:   "lastclick.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Bus publishes events to JetStream and consumes the events of other
// instances.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
	origin string
}

// Connect dials NATS and makes sure the stream exists. origin identifies
// this instance so its own events are skipped on consume.
func Connect(ctx context.Context, cfg JetStreamConfig, origin string) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("lastclick-" + origin),
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

	b := &Bus{nc: nc, js: js, config: cfg, origin: origin}
	if err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return b, nil
}

func (b *Bus) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        b.config.StreamName,
		Description: "Widget state changes shared between instances",
		Subjects:    []string{fmt.Sprintf("%s.>", b.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      b.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    b.config.Replicas,
		Duplicates:  b.config.DuplicateWindow,
	}

	if _, err := b.js.CreateOrUpdateStream(ctx, sc); err != nil {
		return fmt.Errorf("create or update stream: %w", err)
	}
	log.Info().
		Str("stream", b.config.StreamName).
		Msg("JetStream stream ready")
	return nil
}

func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ack, err := b.js.PublishMsg(ctx, &nats.Msg{
		Subject: fmt.Sprintf("%s.%s", b.config.SubjectPrefix, env.EventType),
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{env.EventType},
			"Event-ID":   []string{env.EventID},
			"Origin":     []string{env.Origin},
		},
	}, jetstream.WithMsgID(env.EventID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.EventType, err)
	}

	log.Debug().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Uint64("sequence", ack.Sequence).
		Msg("event published")
	return nil
}

// Consume delivers events from other instances to h until ctx is done.
// An ordered consumer starting at new messages is used, so a restarted
// instance does not replay history; durable state comes from the store.
func (b *Bus) Consume(ctx context.Context, h Handler) error {
	consumer, err := b.js.OrderedConsumer(ctx, b.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{fmt.Sprintf("%s.>", b.config.SubjectPrefix)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create ordered consumer: %w", err)
	}

	log.Info().
		Str("stream", b.config.StreamName).
		Str("origin", b.origin).
		Msg("starting JetStream event consumer")

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := dispatch(ctx, msg.Data(), b.origin, h); err != nil {
			log.Error().
				Err(err).
				Str("subject", msg.Subject()).
				Msg("failed to process message")
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	log.Info().Msg("event consumer shutting down")
	return nil
}

// Close drains the connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

// dispatch decodes one message and hands it to h unless it came from
// origin.
func dispatch(ctx context.Context, data []byte, origin string, h Handler) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if env.Origin == origin {
		return nil
	}
	err := h.HandleEvent(ctx, env)
	recordEvent("in", env.EventType, err)
	return err
}
