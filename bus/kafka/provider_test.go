package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-tracking/bus/event"
	"github.com/x-research-team/dtx-tracking/tracking"
)

// fakeWriter записывает сообщения и возвращает err.
type fakeWriter struct {
	mu     sync.Mutex
	msgs   []skafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeReader отдает сообщения из канала и запоминает коммиты.
type fakeReader struct {
	msgs chan skafka.Message

	mu        sync.Mutex
	committed []skafka.Message
	closed    bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan skafka.Message, 16)}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (skafka.Message, error) {
	select {
	case msg := <-f.msgs:
		return msg, nil
	case <-ctx.Done():
		return skafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...skafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []skafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]skafka.Message(nil), f.committed...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func headerValue(msg skafka.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	t.Run("пустой топик", func(t *testing.T) {
		t.Parallel()
		_, err := NewProvider[tracking.TrackingStatusUpdated]("", tracking.StatusCodec{}, WithBrokers("localhost:9092"))
		assert.ErrorIs(t, err, event.ErrEmptyTopic)
	})

	t.Run("без брокеров и writer", func(t *testing.T) {
		t.Parallel()
		_, err := NewProvider[tracking.TrackingStatusUpdated](tracking.TrackingStatusTopic, tracking.StatusCodec{})
		assert.ErrorIs(t, err, ErrNoBrokers)
	})

	t.Run("подписка без consumer group", func(t *testing.T) {
		t.Parallel()
		p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{}, WithBrokers("localhost:9092"))
		require.NoError(t, err)

		_, err = p.Subscribe(func(context.Context, tracking.DispatchEvent) error { return nil })
		assert.ErrorIs(t, err, ErrNoConsumerGroup)
	})
}

func TestProvider_Publish(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	tp := sdktrace.NewTracerProvider()
	p, err := NewProvider[tracking.TrackingStatusUpdated](tracking.TrackingStatusTopic, tracking.StatusCodec{},
		WithWriter(writer),
		WithPropagator(propagation.TraceContext{}),
		WithLogger(discardLogger()),
	)
	require.NoError(t, err)

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	orderID := uuid.New()
	err = p.Publish(ctx, tracking.TrackingStatusUpdated{OrderID: orderID, Status: tracking.StatusPreparing})
	require.NoError(t, err)

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	assert.Equal(t, tracking.TrackingStatusTopic, msg.Topic)
	assert.Equal(t, orderID.String(), string(msg.Key))
	assert.JSONEq(t, `{"orderId":"`+orderID.String()+`","status":"PREPARING"}`, string(msg.Value))

	typ, ok := headerValue(msg, event.TypeHeader)
	require.True(t, ok)
	assert.Equal(t, tracking.DefaultStatusTypeID, typ)

	traceparent, ok := headerValue(msg, "traceparent")
	require.True(t, ok, "контекст трассировки переносится в заголовки")
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

func TestProvider_Publish_ReturnsWriterErrorUnchanged(t *testing.T) {
	t.Parallel()

	writeErr := errors.New("kafka недоступна")
	p, err := NewProvider[tracking.TrackingStatusUpdated](tracking.TrackingStatusTopic, tracking.StatusCodec{},
		WithWriter(&fakeWriter{err: writeErr}),
	)
	require.NoError(t, err)

	err = p.Publish(context.Background(), tracking.TrackingStatusUpdated{OrderID: uuid.New(), Status: tracking.StatusCompleted})
	assert.Same(t, writeErr, err)
}

func dispatchMessage(t *testing.T, typ string, payload string, offset int64) skafka.Message {
	t.Helper()
	return skafka.Message{
		Topic:   tracking.DispatchTrackingTopic,
		Offset:  offset,
		Value:   []byte(payload),
		Headers: []skafka.Header{{Key: event.TypeHeader, Value: []byte(typ)}},
	}
}

func TestProvider_Subscribe(t *testing.T) {
	t.Parallel()

	orderID := uuid.New()
	preparing := `{"orderId":"` + orderID.String() + `"}`

	t.Run("успешная обработка коммитится", func(t *testing.T) {
		t.Parallel()

		reader := newFakeReader()
		p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{},
			WithWriter(&fakeWriter{}), WithReader(reader), WithLogger(discardLogger()),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

		received := make(chan tracking.DispatchEvent, 1)
		_, err = p.Subscribe(func(_ context.Context, ev tracking.DispatchEvent) error {
			received <- ev
			return nil
		})
		require.NoError(t, err)

		reader.msgs <- dispatchMessage(t, "dev.lydtech.dispatch.message.DispatchPreparing", preparing, 1)

		select {
		case ev := <-received:
			assert.Equal(t, tracking.DispatchPreparing{OrderID: orderID}, ev)
		case <-time.After(3 * time.Second):
			t.Fatal("событие не доставлено")
		}
		assert.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("ошибка обработчика не коммитится", func(t *testing.T) {
		t.Parallel()

		reader := newFakeReader()
		p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{},
			WithWriter(&fakeWriter{}), WithReader(reader), WithLogger(discardLogger()),
			WithRetryBackoff(time.Hour),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

		handlerErr := errors.New("сбой публикации")
		reported := make(chan error, 1)
		_, err = p.Subscribe(
			func(context.Context, tracking.DispatchEvent) error { return handlerErr },
			event.WithErrorHandler[tracking.DispatchEvent](func(err error, _ tracking.DispatchEvent) { reported <- err }),
		)
		require.NoError(t, err)

		reader.msgs <- dispatchMessage(t, "DispatchPreparing", preparing, 1)

		select {
		case err := <-reported:
			assert.Same(t, handlerErr, err)
		case <-time.After(3 * time.Second):
			t.Fatal("ошибка не передана в обработчик ошибок")
		}
		assert.Empty(t, reader.commits())
	})

	t.Run("неизвестный тип пропускается с коммитом", func(t *testing.T) {
		t.Parallel()

		reader := newFakeReader()
		p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{},
			WithWriter(&fakeWriter{}), WithReader(reader), WithLogger(discardLogger()),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

		var calls int
		var mu sync.Mutex
		_, err = p.Subscribe(func(context.Context, tracking.DispatchEvent) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)

		reader.msgs <- dispatchMessage(t, "OrderCreated", `{}`, 1)

		assert.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 3*time.Second, 5*time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Zero(t, calls, "обработчик не вызывается для неизвестного типа")
	})

	t.Run("контекст трассировки извлекается из заголовков", func(t *testing.T) {
		t.Parallel()

		reader := newFakeReader()
		p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{},
			WithWriter(&fakeWriter{}), WithReader(reader),
			WithLogger(discardLogger()), WithPropagator(propagation.TraceContext{}),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

		traceIDs := make(chan trace.TraceID, 1)
		_, err = p.Subscribe(func(ctx context.Context, _ tracking.DispatchEvent) error {
			traceIDs <- trace.SpanContextFromContext(ctx).TraceID()
			return nil
		})
		require.NoError(t, err)

		msg := dispatchMessage(t, "DispatchPreparing", preparing, 1)
		msg.Headers = append(msg.Headers, skafka.Header{
			Key:   "traceparent",
			Value: []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"),
		})
		reader.msgs <- msg

		select {
		case id := <-traceIDs:
			assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", id.String())
		case <-time.After(3 * time.Second):
			t.Fatal("событие не доставлено")
		}
	})

	t.Run("повторная подписка", func(t *testing.T) {
		t.Parallel()

		p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{},
			WithWriter(&fakeWriter{}), WithReader(newFakeReader()), WithLogger(discardLogger()),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

		handler := func(context.Context, tracking.DispatchEvent) error { return nil }
		_, err = p.Subscribe(handler)
		require.NoError(t, err)

		_, err = p.Subscribe(handler)
		assert.ErrorIs(t, err, ErrAlreadySubscribed)
	})
}

func TestProvider_Subscribe_RetriesFailedMessage(t *testing.T) {
	t.Parallel()

	first, second := uuid.New(), uuid.New()

	t.Run("сообщение обрабатывается повторно до коммита следующих", func(t *testing.T) {
		t.Parallel()

		reader := newFakeReader()
		p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{},
			WithWriter(&fakeWriter{}), WithReader(reader), WithLogger(discardLogger()),
			WithRetryBackoff(time.Millisecond),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

		var (
			mu      sync.Mutex
			handled []uuid.UUID
			// commitsSeen — число коммитов на момент каждого вызова обработчика.
			commitsSeen []int
		)
		_, err = p.Subscribe(func(_ context.Context, ev tracking.DispatchEvent) error {
			id := ev.(tracking.DispatchPreparing).OrderID
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, id)
			commitsSeen = append(commitsSeen, len(reader.commits()))
			if id == first && len(handled) == 1 {
				return errors.New("временный сбой публикации")
			}
			return nil
		})
		require.NoError(t, err)

		reader.msgs <- dispatchMessage(t, "DispatchPreparing", `{"orderId":"`+first.String()+`"}`, 1)
		reader.msgs <- dispatchMessage(t, "DispatchPreparing", `{"orderId":"`+second.String()+`"}`, 2)

		require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, 3*time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []uuid.UUID{first, first, second}, handled)
		assert.Equal(t, []int{0, 0, 1}, commitsSeen, "до успешного повтора ничего не коммитится")

		commits := reader.commits()
		assert.Equal(t, int64(1), commits[0].Offset)
		assert.Equal(t, int64(2), commits[1].Offset)
	})

	t.Run("после исчерпания попыток сообщение пропускается", func(t *testing.T) {
		t.Parallel()

		reader := newFakeReader()
		p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{},
			WithWriter(&fakeWriter{}), WithReader(reader), WithLogger(discardLogger()),
			WithRetryBackoff(time.Millisecond), WithMaxAttempts(3),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

		var calls atomic.Int32
		_, err = p.Subscribe(func(context.Context, tracking.DispatchEvent) error {
			calls.Add(1)
			return errors.New("постоянный сбой")
		})
		require.NoError(t, err)

		reader.msgs <- dispatchMessage(t, "DispatchPreparing", `{"orderId":"`+first.String()+`"}`, 7)

		require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 3*time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, int64(7), reader.commits()[0].Offset)
	})

	t.Run("остановка во время повторов не коммитит", func(t *testing.T) {
		t.Parallel()

		reader := newFakeReader()
		p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{},
			WithWriter(&fakeWriter{}), WithReader(reader), WithLogger(discardLogger()),
			WithRetryBackoff(time.Hour),
		)
		require.NoError(t, err)

		attempted := make(chan struct{}, 1)
		_, err = p.Subscribe(func(context.Context, tracking.DispatchEvent) error {
			attempted <- struct{}{}
			return errors.New("сбой")
		})
		require.NoError(t, err)

		reader.msgs <- dispatchMessage(t, "DispatchPreparing", `{"orderId":"`+first.String()+`"}`, 1)

		select {
		case <-attempted:
		case <-time.After(3 * time.Second):
			t.Fatal("обработчик не вызван")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(ctx), "ожидание повтора прерывается остановкой")
		assert.Empty(t, reader.commits())
	})
}

func TestProvider_Shutdown(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	reader := newFakeReader()
	p, err := NewProvider[tracking.DispatchEvent](tracking.DispatchTrackingTopic, tracking.DispatchCodec{},
		WithWriter(writer), WithReader(reader), WithLogger(discardLogger()),
	)
	require.NoError(t, err)

	_, err = p.Subscribe(func(context.Context, tracking.DispatchEvent) error { return nil })
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, writer.closed)
	assert.True(t, reader.closed)

	assert.NoError(t, p.Shutdown(context.Background()), "повторный Shutdown безопасен")

	_, err = p.Subscribe(func(context.Context, tracking.DispatchEvent) error { return nil })
	assert.ErrorIs(t, err, event.ErrBusClosed)
}
