package event

import (
	"context"
	"errors"
)

// ErrEmptyTopic возвращается при попытке создать шину без топика.
var ErrEmptyTopic = errors.New("topic не может быть пустым")

// IBus определяет строго типизированный интерфейс для публикации и подписки
// на события конкретного типа T.
type IBus[T Event] interface {
	// Topic возвращает топик, к которому привязана шина.
	Topic() string

	// Publish публикует событие типа T в шину.
	Publish(ctx context.Context, event T) error

	// Subscribe подписывает строго типизированный обработчик на события типа T.
	Subscribe(handler EventHandler[T], opts ...SubscribeOption[T]) (unsubscribe func(), err error)

	// Shutdown корректно завершает работу шины.
	Shutdown(ctx context.Context) error
}

// busImpl - это реализация строго типизированной шины событий.
type busImpl[T Event] struct {
	topic    string
	provider Provider[T]
}

// NewBus создает новый, строго типизированный экземпляр шины для типа события T
// и связанного с ним топика. Провайдер берется из WithProvider, иначе
// создается локальный.
func NewBus[T Event](topic string, opts ...Option[T]) (IBus[T], error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	cfg := newConfig(opts...)

	provider := cfg.provider
	if provider == nil {
		provider = NewLocalProvider[T](topic, cfg.workerMin, cfg.workerMax, cfg.queueSize)
	}

	allMiddlewares := []BusMiddleware[T]{
		NewLoggingMiddleware[T](cfg.logger),
		NewMetricsMiddleware[T](topic, cfg.meterProvider),
		NewTracingMiddleware[T](topic, cfg.tracerProvider),
	}
	allMiddlewares = append(allMiddlewares, cfg.middlewares...)

	return &busImpl[T]{
		topic:    topic,
		provider: applyMiddlewares(provider, allMiddlewares...),
	}, nil
}

// Topic возвращает топик шины.
func (b *busImpl[T]) Topic() string {
	return b.topic
}

// Publish публикует событие в шину.
func (b *busImpl[T]) Publish(ctx context.Context, event T) error {
	return b.provider.Publish(ctx, event)
}

// Subscribe подписывает обработчик на события.
func (b *busImpl[T]) Subscribe(handler EventHandler[T], opts ...SubscribeOption[T]) (unsubscribe func(), err error) {
	return b.provider.Subscribe(handler, opts...)
}

// Shutdown завершает работу шины.
func (b *busImpl[T]) Shutdown(ctx context.Context) error {
	return b.provider.Shutdown(ctx)
}
