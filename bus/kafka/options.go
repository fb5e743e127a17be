package kafka

import (
	"log/slog"
	"time"

	skafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
)

const (
	defaultHandlerTimeout = 10 * time.Second
	defaultBackoff        = time.Second
	defaultRetryBackoff   = 500 * time.Millisecond
	maxRetryBackoff       = 30 * time.Second
)

// options содержит конфигурацию провайдера Kafka.
type options struct {
	brokers        []string
	groupID        string
	writer         Writer
	reader         Reader
	logger         *slog.Logger
	propagator     propagation.TextMapPropagator
	handlerTimeout time.Duration
	fetchBackoff   time.Duration
	retryBackoff   time.Duration
	maxAttempts    int
	requiredAcks   skafka.RequiredAcks
}

// Option определяет функциональную опцию провайдера Kafka.
type Option func(*options)

// WithBrokers задает адреса брокеров.
func WithBrokers(brokers ...string) Option {
	return func(o *options) {
		o.brokers = append(o.brokers, brokers...)
	}
}

// WithGroupID задает consumer group. Без нее Subscribe недоступен.
func WithGroupID(groupID string) Option {
	return func(o *options) {
		o.groupID = groupID
	}
}

// WithWriter подменяет writer, например, в тестах.
func WithWriter(w Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithReader подменяет reader, например, в тестах.
func WithReader(r Reader) Option {
	return func(o *options) {
		o.reader = r
	}
}

// WithLogger устанавливает логгер провайдера.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPropagator задает механизм переноса контекста трассировки в заголовки сообщений.
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

// WithFetchBackoff задает паузу после ошибки чтения из брокера.
func WithFetchBackoff(d time.Duration) Option {
	return func(o *options) {
		o.fetchBackoff = d
	}
}

// WithRetryBackoff задает начальную паузу между попытками обработать одно
// сообщение. Пауза удваивается с каждой попыткой, но не превышает 30 секунд.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		o.retryBackoff = d
	}
}

// WithMaxAttempts ограничивает число попыток обработки одного сообщения.
// После последней неудачной попытки сообщение логируется и коммитится.
// Ноль (по умолчанию) означает повторы до успеха или остановки consumer.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// WithRequiredAcks задает уровень подтверждения записи.
func WithRequiredAcks(acks skafka.RequiredAcks) Option {
	return func(o *options) {
		o.requiredAcks = acks
	}
}
