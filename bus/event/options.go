package event

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultWorkerMin = 1
	defaultWorkerMax = 10
	defaultQueueSize = 100
)

// config содержит неэкспортируемую конфигурацию для шины событий.
// Это позволяет добавлять новые опции без изменения публичного API.
type config[T Event] struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	middlewares    []BusMiddleware[T]
	provider       Provider[T]
	workerMin      int
	workerMax      int
	queueSize      int
}

func newConfig[T Event](opts ...Option[T]) *config[T] {
	cfg := &config[T]{
		workerMin: defaultWorkerMin,
		workerMax: defaultWorkerMax,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.workerMin < 1 {
		cfg.workerMin = 1
	}
	if cfg.workerMax < cfg.workerMin {
		cfg.workerMax = cfg.workerMin
	}
	if cfg.queueSize < 0 {
		cfg.queueSize = 0
	}
	return cfg
}

// Option определяет тип для функциональных опций, которые изменяют конфигурацию шины.
type Option[T Event] func(*config[T])

// WithLogger возвращает опцию, которая устанавливает логгер для шины событий.
// Логгер используется для записи информации о жизненном цикле событий и ошибках.
func WithLogger[T Event](logger *slog.Logger) Option[T] {
	return func(c *config[T]) {
		c.logger = logger
	}
}

// WithTracerProvider возвращает опцию, которая устанавливает провайдер трассировки.
func WithTracerProvider[T Event](provider trace.TracerProvider) Option[T] {
	return func(c *config[T]) {
		c.tracerProvider = provider
	}
}

// WithMeterProvider возвращает опцию, которая устанавливает провайдер метрик.
func WithMeterProvider[T Event](provider metric.MeterProvider) Option[T] {
	return func(c *config[T]) {
		c.meterProvider = provider
	}
}

// WithBusMiddleware добавляет один или несколько middleware в цепочку обработки шины.
// Middleware выполняются в порядке их добавления, после стандартных.
func WithBusMiddleware[T Event](mw ...BusMiddleware[T]) Option[T] {
	return func(c *config[T]) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// WithProvider устанавливает провайдер доставки для шины.
// Без этой опции используется локальный провайдер.
func WithProvider[T Event](p Provider[T]) Option[T] {
	return func(c *config[T]) {
		c.provider = p
	}
}

// WithWorkerPoolConfig настраивает пул горутин для асинхронных обработчиков
// локального провайдера.
func WithWorkerPoolConfig[T Event](minWorkers, maxWorkers, queueSize int) Option[T] {
	return func(c *config[T]) {
		c.workerMin = minWorkers
		c.workerMax = maxWorkers
		c.queueSize = queueSize
	}
}
