package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/x-research-team/dtx-tracking/bus/event"
	"github.com/x-research-team/dtx-tracking/bus/kafka"
	"github.com/x-research-team/dtx-tracking/bus/rabbitmq"
	"github.com/x-research-team/dtx-tracking/config"
	"github.com/x-research-team/dtx-tracking/health"
	"github.com/x-research-team/dtx-tracking/tracking"
)

// transport — провайдеры входящего и исходящего топиков для выбранного брокера.
// Для локального транспорта провайдеры не задаются и шины работают в памяти.
type transport struct {
	inbound  []event.Option[tracking.DispatchEvent]
	outbound []event.Option[tracking.TrackingStatusUpdated]
	checks   map[string]health.Check
	close    func() error
}

func newTransport(cfg config.Config, logger *slog.Logger, propagator propagation.TextMapPropagator) (*transport, error) {
	switch cfg.Transport {
	case config.TransportKafka:
		return newKafkaTransport(cfg, logger, propagator)
	case config.TransportRabbitMQ:
		return newRabbitTransport(cfg, logger, propagator)
	case config.TransportLocal:
		return &transport{checks: map[string]health.Check{}, close: func() error { return nil }}, nil
	default:
		return nil, fmt.Errorf("неизвестный транспорт %q", cfg.Transport)
	}
}

func newKafkaTransport(cfg config.Config, logger *slog.Logger, propagator propagation.TextMapPropagator) (*transport, error) {
	common := []kafka.Option{
		kafka.WithBrokers(cfg.KafkaBrokers...),
		kafka.WithLogger(logger),
		kafka.WithPropagator(propagator),
	}

	inbound, err := kafka.NewProvider[tracking.DispatchEvent](cfg.InboundTopic, tracking.DispatchCodec{},
		append(common,
			kafka.WithGroupID(cfg.KafkaGroupID),
			kafka.WithHandlerTimeout(cfg.HandlerTimeout),
			kafka.WithRetryBackoff(cfg.KafkaRetryBackoff),
			kafka.WithMaxAttempts(cfg.KafkaMaxAttempts),
		)...,
	)
	if err != nil {
		return nil, fmt.Errorf("kafka provider %s: %w", cfg.InboundTopic, err)
	}

	outbound, err := kafka.NewProvider[tracking.TrackingStatusUpdated](tracking.TrackingStatusTopic, tracking.StatusCodec{TypeID: cfg.StatusTypeID}, common...)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("kafka provider %s: %w", tracking.TrackingStatusTopic, err),
			inbound.Shutdown(context.Background()),
		)
	}

	brokers := cfg.KafkaBrokers
	return &transport{
		inbound:  []event.Option[tracking.DispatchEvent]{event.WithProvider[tracking.DispatchEvent](inbound)},
		outbound: []event.Option[tracking.TrackingStatusUpdated]{event.WithProvider[tracking.TrackingStatusUpdated](outbound)},
		checks: map[string]health.Check{
			"kafka": func(ctx context.Context) error { return kafka.Ping(ctx, brokers) },
		},
		close: func() error { return nil },
	}, nil
}

func newRabbitTransport(cfg config.Config, logger *slog.Logger, propagator propagation.TextMapPropagator) (*transport, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	fail := func(err error) (*transport, error) {
		return nil, errors.Join(err, conn.Close())
	}

	opts := []rabbitmq.Option{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithPropagator(propagator),
		rabbitmq.WithHandlerTimeout(cfg.HandlerTimeout),
	}

	inCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("rabbitmq channel: %w", err))
	}
	inbound, err := rabbitmq.NewProvider[tracking.DispatchEvent](inCh, cfg.InboundTopic, tracking.DispatchCodec{}, opts...)
	if err != nil {
		return fail(err)
	}

	outCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("rabbitmq channel: %w", err))
	}
	outbound, err := rabbitmq.NewProvider[tracking.TrackingStatusUpdated](outCh, tracking.TrackingStatusTopic, tracking.StatusCodec{TypeID: cfg.StatusTypeID}, opts...)
	if err != nil {
		return fail(err)
	}

	return &transport{
		inbound:  []event.Option[tracking.DispatchEvent]{event.WithProvider[tracking.DispatchEvent](inbound)},
		outbound: []event.Option[tracking.TrackingStatusUpdated]{event.WithProvider[tracking.TrackingStatusUpdated](outbound)},
		checks: map[string]health.Check{
			"rabbitmq": func(context.Context) error {
				if conn.IsClosed() {
					return amqp.ErrClosed
				}
				return nil
			},
		},
		close: conn.Close,
	}, nil
}
