package tracking

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-tracking/bus/event"
	"github.com/x-research-team/dtx-tracking/bus/kafka"
)

// TestKafka_EndToEnd прогоняет сервис через настоящий брокер.
// Запускается только при заданной переменной KAFKA_BROKERS.
func TestKafka_EndToEnd(t *testing.T) {
	raw := os.Getenv("KAFKA_BROKERS")
	if raw == "" {
		t.Skip("KAFKA_BROKERS не задан")
	}
	brokers := strings.Split(raw, ",")
	suffix := uuid.NewString()
	logger := discardLogger()

	inboundProvider, err := kafka.NewProvider[DispatchEvent](DispatchTrackingTopic, DispatchCodec{},
		kafka.WithBrokers(brokers...),
		kafka.WithGroupID("tracking.e2e."+suffix),
		kafka.WithLogger(logger),
	)
	require.NoError(t, err)

	outboundProvider, err := kafka.NewProvider[TrackingStatusUpdated](TrackingStatusTopic, StatusCodec{},
		kafka.WithBrokers(brokers...),
		kafka.WithGroupID("tracking.e2e.status."+suffix),
		kafka.WithLogger(logger),
	)
	require.NoError(t, err)

	registry := event.NewRegistry()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})

	inbound, err := event.Bus(registry, DispatchTrackingTopic, event.WithProvider[DispatchEvent](inboundProvider))
	require.NoError(t, err)
	outbound, err := event.Bus(registry, TrackingStatusTopic, event.WithProvider[TrackingStatusUpdated](outboundProvider))
	require.NoError(t, err)

	orderID := uuid.New()
	collector := &statusCollector{}
	_, err = outbound.Subscribe(func(ctx context.Context, update TrackingStatusUpdated) error {
		if update.OrderID != orderID {
			return nil
		}
		return collector.handle(ctx, update)
	})
	require.NoError(t, err)

	listener := NewListener(inbound, NewService(NewBusProducer(registry)), logger)
	require.NoError(t, listener.Start())
	t.Cleanup(listener.Stop)

	require.NoError(t, inbound.Publish(context.Background(), DispatchCompleted{OrderID: orderID, Date: "2025-03-14"}))

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) == 1
	}, 30*time.Second, 100*time.Millisecond)
	assert.Equal(t, TrackingStatusUpdated{OrderID: orderID, Status: StatusCompleted, Date: "2025-03-14"}, collector.snapshot()[0])
}
