// Package rabbitmq реализует провайдер шины событий поверх RabbitMQ
// (github.com/rabbitmq/amqp091-go). Топик шины отображается на durable-очередь
// с тем же именем, публикация идет через exchange по умолчанию.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/x-research-team/dtx-tracking/bus/event"
)

const defaultHandlerTimeout = 10 * time.Second

// ErrAlreadySubscribed возвращается при второй подписке на тот же провайдер.
var ErrAlreadySubscribed = errors.New("rabbitmq: провайдер уже имеет подписчика")

// Channel — подмножество *amqp.Channel, которое нужно провайдеру.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

type options struct {
	logger         *slog.Logger
	propagator     propagation.TextMapPropagator
	handlerTimeout time.Duration
	consumerTag    string
}

// Option определяет функциональную опцию провайдера RabbitMQ.
type Option func(*options)

// WithLogger устанавливает логгер провайдера.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPropagator задает механизм переноса контекста трассировки в заголовки.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.propagator = p
	}
}

// WithHandlerTimeout ограничивает время обработки одного сообщения.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handlerTimeout = d
	}
}

// WithConsumerTag задает тег потребителя.
func WithConsumerTag(tag string) Option {
	return func(o *options) {
		o.consumerTag = tag
	}
}

// Provider реализует event.Provider для одной очереди RabbitMQ.
//
// Подтверждение ручное: успешно обработанное сообщение подтверждается,
// недекодируемое отклоняется, сообщение с ошибкой обработки получает nack
// без возврата в очередь.
type Provider[T event.Event] struct {
	ch    Channel
	queue string
	codec event.Codec[T]
	opts  options

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewProvider объявляет очередь topic на канале ch и возвращает провайдер.
// Канал принадлежит провайдеру и закрывается в Shutdown.
func NewProvider[T event.Event](ch Channel, topic string, codec event.Codec[T], opts ...Option) (*Provider[T], error) {
	if topic == "" {
		return nil, event.ErrEmptyTopic
	}

	o := options{
		logger:         slog.Default(),
		handlerTimeout: defaultHandlerTimeout,
		consumerTag:    "dtx-tracking-" + topic,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq: объявление очереди %s: %w", topic, err)
	}

	return &Provider[T]{ch: ch, queue: topic, codec: codec, opts: o}, nil
}

// Publish сериализует событие и отправляет его в очередь. Ошибка канала
// возвращается без изменений.
func (p *Provider[T]) Publish(ctx context.Context, ev T) error {
	env, err := p.codec.Marshal(ev)
	if err != nil {
		return err
	}
	event.InjectTrace(ctx, p.opts.propagator, &env)

	headers := amqp.Table{event.TypeHeader: env.Type}
	for k, v := range env.Headers {
		headers[k] = v
	}

	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(env.Key),
		Type:         env.Type,
		Timestamp:    time.Now().UTC(),
		Body:         env.Payload,
	})
}

// Subscribe начинает потребление очереди.
func (p *Provider[T]) Subscribe(handler event.EventHandler[T], opts ...event.SubscribeOption[T]) (unsubscribe func(), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, event.ErrBusClosed
	}
	if p.done != nil {
		return nil, ErrAlreadySubscribed
	}

	deliveries, err := p.ch.Consume(p.queue, p.opts.consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: подписка на очередь %s: %w", p.queue, err)
	}

	cfg := event.ResolveSubscription(handler, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range deliveries {
			p.handle(d, cfg)
		}
	}()
	p.done = done

	p.opts.logger.Info("rabbitmq consumer запущен", slog.String("queue", p.queue))

	return func() {
		_ = p.stopConsumer(context.Background())
	}, nil
}

// Shutdown останавливает потребление и закрывает канал.
func (p *Provider[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return errors.Join(p.stopConsumer(ctx), p.ch.Close())
}

func (p *Provider[T]) stopConsumer(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.done = nil
	p.mu.Unlock()

	if done == nil {
		return nil
	}
	if err := p.ch.Cancel(p.opts.consumerTag, false); err != nil {
		return fmt.Errorf("rabbitmq: отмена потребителя: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider[T]) handle(d amqp.Delivery, cfg event.SubscriptionConfig[T]) {
	env := fromDelivery(d)

	ev, err := p.codec.Unmarshal(env)
	if err != nil {
		p.opts.logger.Warn("сообщение отклонено: не удалось декодировать",
			slog.String("queue", p.queue),
			slog.String("type", env.Type),
			slog.Any("error", err),
		)
		p.settle(d.Reject(false))
		return
	}

	ctx, cancel := context.WithTimeout(event.ExtractTrace(context.Background(), p.opts.propagator, env), p.opts.handlerTimeout)
	err = cfg.Handler(ctx, ev)
	cancel()

	if err != nil {
		if cfg.ErrorHandler != nil {
			cfg.ErrorHandler(err, ev)
		} else {
			p.opts.logger.Error("ошибка обработки сообщения rabbitmq",
				slog.String("queue", p.queue),
				slog.Any("error", err),
			)
		}
		p.settle(d.Nack(false, false))
		return
	}

	p.settle(d.Ack(false))
}

func (p *Provider[T]) settle(err error) {
	if err != nil {
		p.opts.logger.Error("не удалось подтвердить сообщение rabbitmq",
			slog.String("queue", p.queue),
			slog.Any("error", err),
		)
	}
}

func fromDelivery(d amqp.Delivery) event.Envelope {
	env := event.Envelope{
		Key:     []byte(d.MessageId),
		Type:    d.Type,
		Payload: d.Body,
		Headers: make(map[string]string, len(d.Headers)),
	}
	for k, v := range d.Headers {
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case []byte:
			s = string(val)
		default:
			s = fmt.Sprint(val)
		}
		if k == event.TypeHeader {
			env.Type = s
			continue
		}
		env.Headers[k] = s
	}
	return env
}
