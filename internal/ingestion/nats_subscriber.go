package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/core"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Submitter hands a command to the engine and waits for the outcome.
// *core.Processor satisfies it.
type Submitter interface {
	Submit(ctx context.Context, cmd *core.Command) (*core.Receipt, error)
}

// NATSSubscriber consumes command and price-feed subjects from JetStream and
// submits each message to the processor. Messages are acked only after the
// engine has decided them; a redelivery after a crash is absorbed by the
// processor's idempotency check.
type NATSSubscriber struct {
	js        jetstream.JetStream
	submitter Submitter
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// SubjectConfig maps a NATS subject to a payload parser.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
	Parse        func([]byte) (*core.Command, error)
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lending.commands.>", ConsumerName: "ledger-commands", StreamName: "LENDING_COMMANDS", Parse: ParseCommand},
		{Subject: "lending.prices.>", ConsumerName: "ledger-prices", StreamName: "LENDING_PRICES", Parse: ParsePriceFeed},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, submitter Submitter, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		submitter: submitter,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		parse := cfg.Parse
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, msg, parse)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// handle settles one message. Engine rejections are final and acked; only
// infrastructure failures are redelivered.
func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg, parse func([]byte) (*core.Command, error)) {
	cmd, err := parse(msg.Data())
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed message")
		_ = msg.Term()
		return
	}
	cmd.Source = "nats"

	receipt, err := ns.submitter.Submit(ctx, cmd)
	switch {
	case err == nil:
		ns.logger.Debug().
			Str("command_id", cmd.ID.String()).
			Int64("sequence", receipt.Sequence).
			Bool("duplicate", receipt.Duplicate).
			Msg("command applied")
		_ = msg.Ack()
	case ctx.Err() != nil, errors.Is(err, core.ErrProcessorStopped):
		_ = msg.Nak()
	case core.Reason(err) == "internal":
		ns.logger.Error().Err(err).Str("command_id", cmd.ID.String()).Msg("command failed, redelivering")
		_ = msg.NakWithDelay(time.Second)
	default:
		ns.logger.Info().
			Err(err).
			Str("command_id", cmd.ID.String()).
			Str("type", string(cmd.Type)).
			Str("reason", core.Reason(err)).
			Msg("command rejected")
		_ = msg.Ack()
	}
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "LENDING_COMMANDS",
			Subjects:  []string{"lending.commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LENDING_PRICES",
			Subjects:  []string{"lending.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
