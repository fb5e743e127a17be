// Package tracking преобразует события жизненного цикла отправки заказа
// в обновления статуса отслеживания и публикует их дальше.
package tracking

import "github.com/google/uuid"

const (
	// DispatchTrackingTopic — топик, из которого читаются события отправки.
	DispatchTrackingTopic = "dispatch.tracking"
	// TrackingStatusTopic — фиксированный топик для обновлений статуса.
	TrackingStatusTopic = "tracking.status"
)

// Status — внешний статус отслеживания заказа.
type Status string

const (
	StatusPreparing Status = "PREPARING"
	StatusCompleted Status = "COMPLETED"
)

// DispatchEvent — закрытое множество событий отправки: DispatchPreparing
// и DispatchCompleted. Других реализаций вне пакета быть не может.
type DispatchEvent interface {
	Topic() string
	dispatchEvent()
}

// DispatchPreparing — заказ поступил в подготовку.
type DispatchPreparing struct {
	OrderID uuid.UUID `json:"orderId"`
}

// DispatchCompleted — отправка заказа завершена. Date хранится строкой ISO-8601
// в том виде, в каком пришла.
type DispatchCompleted struct {
	OrderID uuid.UUID `json:"orderId"`
	Date    string    `json:"date"`
}

func (DispatchPreparing) Topic() string { return DispatchTrackingTopic }
func (DispatchCompleted) Topic() string { return DispatchTrackingTopic }

func (DispatchPreparing) dispatchEvent() {}
func (DispatchCompleted) dispatchEvent() {}

// TrackingStatusUpdated — обновление статуса отслеживания. Пустой Date
// означает отсутствие даты и не сериализуется.
type TrackingStatusUpdated struct {
	OrderID uuid.UUID `json:"orderId"`
	Status  Status    `json:"status"`
	Date    string    `json:"date,omitempty"`
}

func (TrackingStatusUpdated) Topic() string { return TrackingStatusTopic }
