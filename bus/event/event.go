// Package event определяет основные интерфейсы и типы для обобщенной,
// типобезопасной шины событий. Доставка событий вынесена в сменные провайдеры:
// локальный (внутрипроцессный) провайдер входит в пакет, брокерные реализации
// (Kafka, RabbitMQ) живут в соседних пакетах.
package event

import "context"

// Event определяет минимальный контракт для любого события, которое может быть
// передано через шину.
type Event interface {
	// Topic возвращает имя топика, к которому относится событие.
	Topic() string
}

// EventHandler — это тип для функции-обработчика, которая принимает контекст
// и конкретный тип события.
type EventHandler[T Event] func(ctx context.Context, event T) error

// ErrorHandler — это функция для обработки ошибок, возникших в EventHandler.
type ErrorHandler[T Event] func(err error, event T)

// Middleware — это функция-декоратор для EventHandler.
// Она принимает следующий обработчик в цепочке и возвращает новый обработчик.
type Middleware[T Event] func(next EventHandler[T]) EventHandler[T]

// Provider определяет контракт для всех сменных механизмов доставки событий
// одного топика. Реализация подменяется (локальная, Kafka, RabbitMQ) без
// изменения кода, использующего шину.
type Provider[T Event] interface {
	// Publish публикует событие. Ошибка механизма доставки возвращается
	// вызывающей стороне как есть.
	Publish(ctx context.Context, event T) error

	// Subscribe подписывает обработчик на события топика провайдера.
	// Возвращает функцию для отписки.
	Subscribe(handler EventHandler[T], opts ...SubscribeOption[T]) (unsubscribe func(), err error)

	// Shutdown корректно завершает работу провайдера, освобождая все ресурсы.
	Shutdown(ctx context.Context) error
}

// subscriptionOptions определяет набор параметров для конфигурации конкретной подписки.
// Управляется через функциональные опции типа SubscribeOption.
type subscriptionOptions[T Event] struct {
	// isAsync указывает, должен ли обработчик выполняться асинхронно.
	// По умолчанию обработка синхронна.
	isAsync bool
	// errorHandler задает пользовательскую функцию для обработки ошибок,
	// возникающих в EventHandler.
	errorHandler ErrorHandler[T]
	// middleware содержит цепочку функций-декораторов обработчика.
	middleware []Middleware[T]
	// name — имя подписчика для логов и метрик.
	name string
}

// SubscribeOption — это функциональная опция для настройки подписки.
type SubscribeOption[T Event] func(*subscriptionOptions[T])

// SubscriptionConfig — разобранный набор опций подписки. Нужен провайдерам
// из других пакетов, которым недоступна неэкспортируемая структура.
type SubscriptionConfig[T Event] struct {
	Async        bool
	ErrorHandler ErrorHandler[T]
	Name         string
	// Handler — исходный обработчик, уже обернутый локальными middleware подписки.
	Handler EventHandler[T]
}

// ResolveSubscription применяет опции к обработчику и возвращает итоговую
// конфигурацию подписки.
func ResolveSubscription[T Event](handler EventHandler[T], opts ...SubscribeOption[T]) SubscriptionConfig[T] {
	subOpts := &subscriptionOptions[T]{}
	for _, opt := range opts {
		opt(subOpts)
	}

	final := handler
	for i := len(subOpts.middleware) - 1; i >= 0; i-- {
		final = subOpts.middleware[i](final)
	}

	return SubscriptionConfig[T]{
		Async:        subOpts.isAsync,
		ErrorHandler: subOpts.errorHandler,
		Name:         subOpts.name,
		Handler:      final,
	}
}

// WithAsync — опция, включающая асинхронный режим обработки для подписчика.
func WithAsync[T Event]() SubscribeOption[T] {
	return func(o *subscriptionOptions[T]) {
		o.isAsync = true
	}
}

// WithErrorHandler — опция, позволяющая задать пользовательский обработчик ошибок.
func WithErrorHandler[T Event](handler ErrorHandler[T]) SubscribeOption[T] {
	return func(o *subscriptionOptions[T]) {
		o.errorHandler = handler
	}
}

// WithMiddleware добавляет локальные middleware, которые применяются только к данной подписке.
func WithMiddleware[T Event](mw ...Middleware[T]) SubscribeOption[T] {
	return func(o *subscriptionOptions[T]) {
		o.middleware = append(o.middleware, mw...)
	}
}

// WithSubscriberName задает имя подписчика, которое попадает в логи и метрики
// вместо имени функции-обработчика.
func WithSubscriberName[T Event](name string) SubscribeOption[T] {
	return func(o *subscriptionOptions[T]) {
		o.name = name
	}
}
