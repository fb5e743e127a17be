package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/x-research-team/dtx-tracking/bus/event"
)

var (
	// ErrUnknownEventType возвращается, если заголовок типа не соответствует
	// ни одному известному событию.
	ErrUnknownEventType = errors.New("неизвестный тип события")
	// ErrMissingOrderID возвращается для входящего события без идентификатора заказа.
	ErrMissingOrderID = errors.New("событие без orderId")
)

const (
	typeDispatchPreparing     = "DispatchPreparing"
	typeDispatchCompleted     = "DispatchCompleted"
	typeTrackingStatusUpdated = "TrackingStatusUpdated"

	// DefaultStatusTypeID — имя класса в заголовке event.TypeHeader исходящих
	// обновлений. Потребители на Spring JsonDeserializer находят по нему класс
	// без дополнительных type mappings.
	DefaultStatusTypeID = "dev.lydtech.dispatch.message.TrackingStatusUpdated"
)

// DispatchCodec сериализует события отправки в JSON. Тип события передается
// в заголовке event.TypeHeader; принимаются как короткие, так и полные имена
// классов (например, "dev.example.DispatchPreparing").
type DispatchCodec struct{}

var _ event.Codec[DispatchEvent] = DispatchCodec{}

// Marshal реализует event.Codec.
func (DispatchCodec) Marshal(ev DispatchEvent) (event.Envelope, error) {
	var (
		name    string
		orderID uuid.UUID
	)
	switch e := ev.(type) {
	case DispatchPreparing:
		name, orderID = typeDispatchPreparing, e.OrderID
	case DispatchCompleted:
		name, orderID = typeDispatchCompleted, e.OrderID
	default:
		return event.Envelope{}, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("сериализация %s: %w", name, err)
	}
	return event.Envelope{Key: []byte(orderID.String()), Type: name, Payload: payload}, nil
}

// Unmarshal реализует event.Codec.
func (DispatchCodec) Unmarshal(env event.Envelope) (DispatchEvent, error) {
	switch name := simpleTypeName(env.Type); name {
	case typeDispatchPreparing:
		var e DispatchPreparing
		if err := decode(env.Payload, &e, name); err != nil {
			return nil, err
		}
		if e.OrderID == uuid.Nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingOrderID, name)
		}
		return e, nil
	case typeDispatchCompleted:
		var e DispatchCompleted
		if err := decode(env.Payload, &e, name); err != nil {
			return nil, err
		}
		if e.OrderID == uuid.Nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingOrderID, name)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

// StatusCodec сериализует TrackingStatusUpdated в JSON. TypeID попадает
// в заголовок типа исходящего сообщения; пустое значение означает
// DefaultStatusTypeID.
type StatusCodec struct {
	TypeID string
}

var _ event.Codec[TrackingStatusUpdated] = StatusCodec{}

// Marshal реализует event.Codec.
func (c StatusCodec) Marshal(update TrackingStatusUpdated) (event.Envelope, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("сериализация %s: %w", typeTrackingStatusUpdated, err)
	}
	typeID := c.TypeID
	if typeID == "" {
		typeID = DefaultStatusTypeID
	}
	return event.Envelope{
		Key:     []byte(update.OrderID.String()),
		Type:    typeID,
		Payload: payload,
	}, nil
}

// Unmarshal реализует event.Codec. Пустой заголовок типа допускается.
func (StatusCodec) Unmarshal(env event.Envelope) (TrackingStatusUpdated, error) {
	if env.Type != "" && simpleTypeName(env.Type) != typeTrackingStatusUpdated {
		return TrackingStatusUpdated{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	var update TrackingStatusUpdated
	if err := decode(env.Payload, &update, typeTrackingStatusUpdated); err != nil {
		return TrackingStatusUpdated{}, err
	}
	return update, nil
}

func decode(payload []byte, v any, name string) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("десериализация %s: %w", name, err)
	}
	return nil
}

// simpleTypeName отрезает пакет от полного имени класса.
func simpleTypeName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}
