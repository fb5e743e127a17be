package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/goccy/go-reflect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/x-research-team/dtx-tracking/bus/event"
	instrumentationVersion = "0.2.0"
	metricKeyPrefix        = "messaging."
)

// idFields — имена полей, из которых берется идентификатор события для логов.
var idFields = []string{"ID", "OrderID"}

// BusMiddleware определяет интерфейс для middleware шины событий.
// Middleware добавляет сквозную функциональность (логирование, метрики,
// трассировку) вокруг провайдера.
type BusMiddleware[T Event] interface {
	// Wrap оборачивает следующий провайдер в цепочке, добавляя свою логику.
	Wrap(next Provider[T]) Provider[T]
}

// MiddlewareFunc является адаптером, позволяющим использовать обычные функции как middleware.
type MiddlewareFunc[T Event] func(next Provider[T]) Provider[T]

// Wrap реализует интерфейс BusMiddleware.
func (f MiddlewareFunc[T]) Wrap(next Provider[T]) Provider[T] {
	return f(next)
}

// loggingMiddleware реализует BusMiddleware для логирования операций с событиями.
type loggingMiddleware[T Event] struct {
	logger *slog.Logger
}

// NewLoggingMiddleware создает новое middleware для логирования.
// Если логгер не предоставлен (nil), возвращается no-op middleware.
func NewLoggingMiddleware[T Event](logger *slog.Logger) BusMiddleware[T] {
	if logger == nil {
		return &noopMiddleware[T]{}
	}
	return &loggingMiddleware[T]{
		logger: logger,
	}
}

// Wrap оборачивает провайдер для добавления логирования.
func (m *loggingMiddleware[T]) Wrap(next Provider[T]) Provider[T] {
	return &loggingProvider[T]{
		next:   next,
		logger: m.logger,
	}
}

// loggingProvider - это обертка над провайдером событий, которая добавляет логирование.
type loggingProvider[T Event] struct {
	next   Provider[T]
	logger *slog.Logger
}

// Publish логирует и публикует событие.
func (p *loggingProvider[T]) Publish(ctx context.Context, event T) (err error) {
	eventType, eventID := getEventTypeAndID(event)
	p.logger.DebugContext(ctx, "публикация события",
		slog.String("topic", event.Topic()),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)

	startTime := time.Now()
	defer func() {
		if err != nil {
			p.logger.ErrorContext(ctx, "ошибка публикации события",
				slog.String("topic", event.Topic()),
				slog.String("event_type", eventType),
				slog.String("event_id", eventID),
				slog.Any("error", err),
				slog.Duration("duration", time.Since(startTime)),
			)
		}
	}()

	return p.next.Publish(ctx, event)
}

// Subscribe логирует и подписывает обработчик на события.
func (p *loggingProvider[T]) Subscribe(handler EventHandler[T], opts ...SubscribeOption[T]) (unsubscribe func(), err error) {
	handlerName := subscriberName(handler, opts...)
	opts = namedOptions(handlerName, opts)

	wrappedHandler := func(ctx context.Context, event T) (err error) {
		eventType, eventID := getEventTypeAndID(event)

		p.logger.DebugContext(ctx, "начало обработки события",
			slog.String("event_type", eventType),
			slog.String("event_id", eventID),
			slog.String("handler_name", handlerName),
		)

		startTime := time.Now()
		defer func() {
			duration := time.Since(startTime)
			if err != nil {
				p.logger.ErrorContext(ctx, "ошибка обработки события",
					slog.String("event_type", eventType),
					slog.String("event_id", eventID),
					slog.String("handler_name", handlerName),
					slog.Any("error", err),
					slog.Duration("duration", duration),
				)
				return
			}
			p.logger.InfoContext(ctx, "событие успешно обработано",
				slog.String("event_type", eventType),
				slog.String("event_id", eventID),
				slog.String("handler_name", handlerName),
				slog.Duration("duration", duration),
			)
		}()

		return handler(ctx, event)
	}

	return p.next.Subscribe(wrappedHandler, opts...)
}

// Shutdown делегирует вызов следующему провайдеру в цепочке.
func (p *loggingProvider[T]) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// metricsMiddleware реализует BusMiddleware для сбора метрик OpenTelemetry.
type metricsMiddleware[T Event] struct {
	topic               string
	publishCounter      metric.Int64Counter
	consumeCounter      metric.Int64Counter
	consumeDurationHist metric.Float64Histogram
}

// NewMetricsMiddleware создает новое middleware для сбора метрик.
// Если провайдер метрик не задан, возвращается no-op middleware.
func NewMetricsMiddleware[T Event](topic string, provider metric.MeterProvider) BusMiddleware[T] {
	if provider == nil {
		return &noopMiddleware[T]{}
	}

	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	publishCounter, err := meter.Int64Counter(
		metricKeyPrefix+"publish.count",
		metric.WithDescription("Количество опубликованных событий"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик publish.count: %v", err))
	}

	consumeCounter, err := meter.Int64Counter(
		metricKeyPrefix+"consume.count",
		metric.WithDescription("Количество обработанных событий"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик consume.count: %v", err))
	}

	consumeDurationHist, err := meter.Float64Histogram(
		metricKeyPrefix+"consume.duration",
		metric.WithDescription("Длительность обработки события"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму consume.duration: %v", err))
	}

	return &metricsMiddleware[T]{
		topic:               topic,
		publishCounter:      publishCounter,
		consumeCounter:      consumeCounter,
		consumeDurationHist: consumeDurationHist,
	}
}

// Wrap оборачивает провайдер для добавления сбора метрик.
func (m *metricsMiddleware[T]) Wrap(next Provider[T]) Provider[T] {
	return &metricsProvider[T]{
		next:                next,
		topic:               m.topic,
		publishCounter:      m.publishCounter,
		consumeCounter:      m.consumeCounter,
		consumeDurationHist: m.consumeDurationHist,
	}
}

// metricsProvider - это обертка над провайдером событий, которая собирает метрики.
type metricsProvider[T Event] struct {
	next                Provider[T]
	topic               string
	publishCounter      metric.Int64Counter
	consumeCounter      metric.Int64Counter
	consumeDurationHist metric.Float64Histogram
}

// Publish собирает метрики и публикует событие.
func (p *metricsProvider[T]) Publish(ctx context.Context, event T) (err error) {
	err = p.next.Publish(ctx, event)

	eventType, _ := getEventTypeAndID(event)
	p.publishCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("messaging.destination.name", p.topic),
		attribute.String("event.type", eventType),
		attribute.String("status", statusOf(err)),
	))

	return err
}

// Subscribe собирает метрики и подписывает обработчик.
func (p *metricsProvider[T]) Subscribe(handler EventHandler[T], opts ...SubscribeOption[T]) (unsubscribe func(), err error) {
	handlerName := subscriberName(handler, opts...)
	opts = namedOptions(handlerName, opts)

	wrappedHandler := func(ctx context.Context, event T) (err error) {
		startTime := time.Now()

		err = handler(ctx, event)

		duration := float64(time.Since(startTime).Milliseconds())
		eventType, _ := getEventTypeAndID(event)
		attrs := metric.WithAttributes(
			attribute.String("messaging.destination.name", p.topic),
			attribute.String("event.type", eventType),
			attribute.String("handler.name", handlerName),
			attribute.String("status", statusOf(err)),
		)

		p.consumeCounter.Add(ctx, 1, attrs)
		p.consumeDurationHist.Record(ctx, duration, attrs)

		return err
	}

	return p.next.Subscribe(wrappedHandler, opts...)
}

// Shutdown делегирует вызов следующему провайдеру.
func (p *metricsProvider[T]) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// tracingMiddleware реализует BusMiddleware для распределенной трассировки OpenTelemetry.
type tracingMiddleware[T Event] struct {
	topic  string
	tracer trace.Tracer
}

// NewTracingMiddleware создает новое middleware для трассировки.
// Контекст спана передается провайдеру через ctx; брокерные провайдеры
// переносят его в заголовки сообщений.
func NewTracingMiddleware[T Event](topic string, tp trace.TracerProvider) BusMiddleware[T] {
	if tp == nil {
		return &noopMiddleware[T]{}
	}

	return &tracingMiddleware[T]{
		topic: topic,
		tracer: tp.Tracer(
			instrumentationName,
			trace.WithInstrumentationVersion(instrumentationVersion),
		),
	}
}

// Wrap оборачивает провайдер для добавления логики трассировки.
func (m *tracingMiddleware[T]) Wrap(next Provider[T]) Provider[T] {
	return &tracingProvider[T]{
		next:   next,
		topic:  m.topic,
		tracer: m.tracer,
	}
}

// tracingProvider - это обертка над провайдером событий, которая управляет спанами трассировки.
type tracingProvider[T Event] struct {
	next   Provider[T]
	topic  string
	tracer trace.Tracer
}

// Publish создает спан публикации события.
func (p *tracingProvider[T]) Publish(ctx context.Context, event T) (err error) {
	ctx, span := p.tracer.Start(ctx, p.topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(p.spanAttributes(event)...),
	)
	defer func() {
		endSpan(span, err)
	}()

	return p.next.Publish(ctx, event)
}

// Subscribe оборачивает обработчик для создания спана обработки. Родительский
// контекст приходит из провайдера, который извлек его из заголовков.
func (p *tracingProvider[T]) Subscribe(handler EventHandler[T], opts ...SubscribeOption[T]) (unsubscribe func(), err error) {
	wrappedHandler := func(ctx context.Context, event T) (err error) {
		ctx, span := p.tracer.Start(ctx, p.topic+" process",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(p.spanAttributes(event)...),
		)
		defer func() {
			endSpan(span, err)
		}()

		return handler(ctx, event)
	}

	return p.next.Subscribe(wrappedHandler, opts...)
}

// Shutdown делегирует вызов следующему провайдеру.
func (p *tracingProvider[T]) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

func (p *tracingProvider[T]) spanAttributes(event T) []attribute.KeyValue {
	eventType, eventID := getEventTypeAndID(event)
	return []attribute.KeyValue{
		attribute.String("messaging.destination.name", p.topic),
		attribute.String("event.type", eventType),
		attribute.String("event.id", eventID),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// applyMiddlewares применяет цепочку middleware к базовому провайдеру.
// Middleware применяются в обратном порядке, чтобы первый в списке был внешним.
func applyMiddlewares[T Event](provider Provider[T], middlewares ...BusMiddleware[T]) Provider[T] {
	p := provider
	for i := len(middlewares) - 1; i >= 0; i-- {
		p = middlewares[i].Wrap(p)
	}
	return p
}

// noopMiddleware представляет собой пустое middleware, которое возвращает провайдер без изменений.
type noopMiddleware[T Event] struct{}

// Wrap просто возвращает следующий провайдер без изменений.
func (m *noopMiddleware[T]) Wrap(next Provider[T]) Provider[T] {
	return next
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// getEventTypeAndID извлекает тип и ID события с помощью рефлексии.
func getEventTypeAndID(event any) (string, string) {
	val := reflect.ValueOf(event)
	if !val.IsValid() {
		return "unknown", "unknown"
	}
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return val.Type().Elem().Name(), "unknown"
		}
		val = val.Elem()
	}

	eventType := val.Type().Name()
	eventID := "unknown"

	if val.Kind() != reflect.Struct {
		return eventType, eventID
	}
	for _, name := range idFields {
		if idField := val.FieldByName(name); idField.IsValid() && idField.CanInterface() {
			eventID = fmt.Sprintf("%v", idField.Interface())
			break
		}
	}

	return eventType, eventID
}

// subscriberName возвращает имя из WithSubscriberName или имя функции-обработчика.
func subscriberName[T Event](handler EventHandler[T], opts ...SubscribeOption[T]) string {
	subOpts := &subscriptionOptions[T]{}
	for _, opt := range opts {
		opt(subOpts)
	}
	if subOpts.name != "" {
		return subOpts.name
	}
	return getHandlerName(handler)
}

// namedOptions закрепляет имя подписчика за опциями, чтобы внутренние
// middleware видели имя исходного обработчика, а не обертки.
func namedOptions[T Event](name string, opts []SubscribeOption[T]) []SubscribeOption[T] {
	named := make([]SubscribeOption[T], 0, len(opts)+1)
	named = append(named, opts...)
	return append(named, WithSubscriberName[T](name))
}

// getHandlerName извлекает имя обработчика.
func getHandlerName(handler any) string {
	v := reflect.ValueOf(handler)
	if v.Kind() == reflect.Func {
		if pc := v.Pointer(); pc != 0 {
			if f := runtime.FuncForPC(pc); f != nil {
				return f.Name()
			}
		}
	}
	return reflect.TypeOf(handler).String()
}
