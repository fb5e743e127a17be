package event

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// TypeHeader — заголовок, в котором транспорт передает имя типа события.
// Имя совпадает с заголовком, который выставляет Spring Kafka, поэтому
// сообщения от JVM-сервисов декодируются без дополнительной настройки.
const TypeHeader = "__TypeId__"

// Envelope — транспортно-независимое представление сериализованного события.
type Envelope struct {
	// Key — ключ партиционирования (для Kafka) или идентификатор сообщения.
	Key []byte
	// Type — имя типа события, передается в заголовке TypeHeader.
	Type string
	// Payload — сериализованное тело события.
	Payload []byte
	// Headers — дополнительные заголовки, в том числе контекст трассировки.
	Headers map[string]string
}

// Codec преобразует события типа T в Envelope и обратно.
type Codec[T Event] interface {
	Marshal(event T) (Envelope, error)
	Unmarshal(env Envelope) (T, error)
}

// InjectTrace записывает контекст трассировки из ctx в заголовки конверта.
func InjectTrace(ctx context.Context, p propagation.TextMapPropagator, env *Envelope) {
	if p == nil {
		return
	}
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	p.Inject(ctx, propagation.MapCarrier(env.Headers))
}

// ExtractTrace восстанавливает контекст трассировки из заголовков конверта.
func ExtractTrace(ctx context.Context, p propagation.TextMapPropagator, env Envelope) context.Context {
	if p == nil || len(env.Headers) == 0 {
		return ctx
	}
	return p.Extract(ctx, propagation.MapCarrier(env.Headers))
}
