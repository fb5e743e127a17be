// Package kafka реализует провайдер шины событий поверх Apache Kafka
// (github.com/segmentio/kafka-go).
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"github.com/x-research-team/dtx-tracking/bus/event"
)

const commitTimeout = 5 * time.Second

var (
	// ErrNoBrokers возвращается, если не задан ни один брокер.
	ErrNoBrokers = errors.New("kafka: не задан ни один брокер")
	// ErrNoConsumerGroup возвращается при подписке без consumer group.
	ErrNoConsumerGroup = errors.New("kafka: для подписки нужна consumer group")
	// ErrAlreadySubscribed возвращается при второй подписке на тот же провайдер.
	ErrAlreadySubscribed = errors.New("kafka: провайдер уже имеет подписчика")
)

// Writer — подмножество *kafka.Writer, которое нужно провайдеру.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Reader — подмножество *kafka.Reader, которое нужно провайдеру.
type Reader interface {
	FetchMessage(ctx context.Context) (skafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Provider реализует event.Provider для одного топика Kafka.
//
// Подписчик у провайдера один: сообщения читаются в одной горутине consumer
// group и обрабатываются по порядку. Сообщение, которое не удалось
// декодировать, логируется и коммитится. Если обработчик вернул ошибку,
// чтение не продвигается: то же сообщение обрабатывается повторно с растущей
// паузой, пока обработка не пройдет, не кончатся попытки (WithMaxAttempts)
// или consumer не остановят. В последнем случае offset не коммитится и
// сообщение придет снова после перезапуска. Опция event.WithAsync
// провайдером игнорируется.
type Provider[T event.Event] struct {
	topic  string
	codec  event.Codec[T]
	opts   options
	writer Writer

	mu     sync.Mutex
	reader Reader
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewProvider создает провайдер для topic.
func NewProvider[T event.Event](topic string, codec event.Codec[T], opts ...Option) (*Provider[T], error) {
	if topic == "" {
		return nil, event.ErrEmptyTopic
	}

	o := options{
		logger:         slog.Default(),
		handlerTimeout: defaultHandlerTimeout,
		fetchBackoff:   defaultBackoff,
		retryBackoff:   defaultRetryBackoff,
		requiredAcks:   skafka.RequireAll,
	}
	for _, opt := range opts {
		opt(&o)
	}

	writer := o.writer
	if writer == nil {
		if len(o.brokers) == 0 {
			return nil, ErrNoBrokers
		}
		writer = &skafka.Writer{
			Addr:         skafka.TCP(o.brokers...),
			Balancer:     &skafka.Hash{},
			RequiredAcks: o.requiredAcks,
		}
	}

	return &Provider[T]{
		topic:  topic,
		codec:  codec,
		opts:   o,
		writer: writer,
		reader: o.reader,
	}, nil
}

// Publish сериализует событие и записывает его в топик провайдера.
// Ошибка writer возвращается без изменений.
func (p *Provider[T]) Publish(ctx context.Context, ev T) error {
	env, err := p.codec.Marshal(ev)
	if err != nil {
		return err
	}
	event.InjectTrace(ctx, p.opts.propagator, &env)

	return p.writer.WriteMessages(ctx, toMessage(p.topic, env))
}

// Subscribe запускает чтение топика в consumer group.
func (p *Provider[T]) Subscribe(handler event.EventHandler[T], opts ...event.SubscribeOption[T]) (unsubscribe func(), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, event.ErrBusClosed
	}
	if p.cancel != nil {
		return nil, ErrAlreadySubscribed
	}

	reader, err := p.ensureReaderLocked()
	if err != nil {
		return nil, err
	}

	cfg := event.ResolveSubscription(handler, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		p.consume(ctx, reader, cfg)
	}()

	p.cancel, p.done = cancel, done
	p.opts.logger.Info("kafka consumer запущен",
		slog.String("topic", p.topic),
		slog.String("group_id", p.opts.groupID),
	)

	return func() {
		_ = p.stopConsumer(context.Background())
	}, nil
}

// Shutdown останавливает чтение и закрывает reader и writer.
func (p *Provider[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	if err := p.stopConsumer(ctx); err != nil {
		errs = append(errs, err)
	}

	p.mu.Lock()
	reader := p.reader
	p.mu.Unlock()
	if reader != nil {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka reader: %w", err))
		}
	}
	if err := p.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka writer: %w", err))
	}

	return errors.Join(errs...)
}

func (p *Provider[T]) ensureReaderLocked() (Reader, error) {
	if p.reader != nil {
		return p.reader, nil
	}
	if p.opts.groupID == "" {
		return nil, ErrNoConsumerGroup
	}
	if len(p.opts.brokers) == 0 {
		return nil, ErrNoBrokers
	}
	p.reader = skafka.NewReader(skafka.ReaderConfig{
		Brokers:  p.opts.brokers,
		GroupID:  p.opts.groupID,
		Topic:    p.topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return p.reader, nil
}

func (p *Provider[T]) stopConsumer(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider[T]) consume(ctx context.Context, reader Reader, cfg event.SubscriptionConfig[T]) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.opts.logger.Warn("ошибка чтения из kafka",
				slog.String("topic", p.topic),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.fetchBackoff):
			}
			continue
		}

		p.handle(ctx, reader, msg, cfg)
	}
}

func (p *Provider[T]) handle(ctx context.Context, reader Reader, msg skafka.Message, cfg event.SubscriptionConfig[T]) {
	env := fromMessage(msg)

	ev, err := p.codec.Unmarshal(env)
	if err != nil {
		p.opts.logger.Warn("сообщение пропущено: не удалось декодировать",
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("type", env.Type),
			slog.Any("error", err),
		)
		p.commit(ctx, reader, msg)
		return
	}

	ctx = event.ExtractTrace(ctx, p.opts.propagator, env)
	backoff := p.opts.retryBackoff
	for attempt := 1; ; attempt++ {
		handlerCtx, cancel := context.WithTimeout(ctx, p.opts.handlerTimeout)
		err = cfg.Handler(handlerCtx, ev)
		cancel()

		if err == nil {
			p.commit(ctx, reader, msg)
			return
		}

		if cfg.ErrorHandler != nil {
			cfg.ErrorHandler(err, ev)
		} else {
			p.opts.logger.Error("ошибка обработки сообщения kafka",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}

		if p.opts.maxAttempts > 0 && attempt >= p.opts.maxAttempts {
			p.opts.logger.Error("сообщение пропущено: исчерпаны попытки обработки",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempts", attempt),
				slog.Any("error", err),
			)
			p.commit(ctx, reader, msg)
			return
		}

		select {
		case <-ctx.Done():
			// Offset не коммитится: после перезапуска сообщение придет снова.
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// commit подтверждает сообщение даже во время остановки: обработанное
// сообщение не должно прийти повторно.
func (p *Provider[T]) commit(ctx context.Context, reader Reader, msg skafka.Message) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := reader.CommitMessages(commitCtx, msg); err != nil {
		p.opts.logger.Error("не удалось закоммитить offset",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.Any("error", err),
		)
	}
}

func toMessage(topic string, env event.Envelope) skafka.Message {
	headers := make([]skafka.Header, 0, len(env.Headers)+1)
	headers = append(headers, skafka.Header{Key: event.TypeHeader, Value: []byte(env.Type)})
	for k, v := range env.Headers {
		headers = append(headers, skafka.Header{Key: k, Value: []byte(v)})
	}
	return skafka.Message{
		Topic:   topic,
		Key:     env.Key,
		Value:   env.Payload,
		Headers: headers,
	}
}

func fromMessage(msg skafka.Message) event.Envelope {
	env := event.Envelope{
		Key:     msg.Key,
		Payload: msg.Value,
		Headers: make(map[string]string, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		if h.Key == event.TypeHeader {
			env.Type = string(h.Value)
			continue
		}
		env.Headers[h.Key] = string(h.Value)
	}
	return env
}
