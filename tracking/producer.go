package tracking

import (
	"context"

	"github.com/x-research-team/dtx-tracking/bus/event"
)

// BusProducer реализует Producer поверх реестра шин: для каждого топика
// используется своя типизированная шина, созданная с опциями opts.
type BusProducer struct {
	registry *event.Registry
	opts     []event.Option[TrackingStatusUpdated]
}

var _ Producer = (*BusProducer)(nil)

// NewBusProducer создает BusProducer. Опции применяются при первом обращении
// к топику.
func NewBusProducer(registry *event.Registry, opts ...event.Option[TrackingStatusUpdated]) *BusProducer {
	return &BusProducer{registry: registry, opts: opts}
}

// Send публикует обновление в шину топика. Ошибка шины возвращается как есть.
func (p *BusProducer) Send(ctx context.Context, topic string, update TrackingStatusUpdated) error {
	bus, err := event.Bus(p.registry, topic, p.opts...)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, update)
}
