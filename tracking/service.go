package tracking

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedEvent возвращается для варианта события, который сервис не обрабатывает.
var ErrUnsupportedEvent = errors.New("неподдерживаемое событие отправки")

// Producer — возможность отправить обновление статуса в именованный топик.
// Реализация должна быть безопасной для конкурентного использования.
type Producer interface {
	Send(ctx context.Context, topic string, update TrackingStatusUpdated) error
}

// Service преобразует события отправки в обновления статуса.
// Не хранит изменяемого состояния, вызовы Process независимы.
type Service struct {
	producer Producer
}

// NewService создает сервис поверх producer.
func NewService(producer Producer) *Service {
	return &Service{producer: producer}
}

// Process строит TrackingStatusUpdated по событию и синхронно отправляет его
// в TrackingStatusTopic. Ошибка отправки возвращается без изменений, повторов нет.
func (s *Service) Process(ctx context.Context, event DispatchEvent) error {
	var update TrackingStatusUpdated

	switch e := event.(type) {
	case DispatchPreparing:
		update = TrackingStatusUpdated{OrderID: e.OrderID, Status: StatusPreparing}
	case DispatchCompleted:
		update = TrackingStatusUpdated{OrderID: e.OrderID, Status: StatusCompleted, Date: e.Date}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedEvent, event)
	}

	return s.producer.Send(ctx, TrackingStatusTopic, update)
}
