package event

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrBusClosed возвращается при публикации в шину после Shutdown.
var ErrBusClosed = errors.New("шина событий закрыта")

// subscription представляет собой внутреннюю структуру для хранения информации
// о конкретной подписке.
type subscription[T Event] struct {
	// id — уникальный идентификатор подписки (UUID), по нему выполняется отписка.
	id string
	// handler — обработчик, уже обернутый локальными middleware подписки.
	handler EventHandler[T]
	// isAsync — обработка выполняется через пул воркеров.
	isAsync bool
	// errorHandler — опциональная функция для обработки ошибок handler.
	errorHandler ErrorHandler[T]
}

// LocalProvider — это реализация Provider, которая доставляет события
// подписчикам в рамках одного процесса. Синхронные подписчики вызываются
// в горутине публикующего, асинхронные — через пул воркеров.
type LocalProvider[T Event] struct {
	topic string

	mu          sync.RWMutex
	subscribers []*subscription[T]

	stateMu  sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	pool *workerPool[T]
}

// NewLocalProvider создает новый экземпляр LocalProvider и запускает его пул воркеров.
func NewLocalProvider[T Event](topic string, workerMin, workerMax, queueSize int) *LocalProvider[T] {
	pool := newWorkerPool[T](workerMin, workerMax, queueSize)
	pool.run()

	return &LocalProvider[T]{
		topic: topic,
		pool:  pool,
	}
}

// Publish доставляет событие всем подписчикам топика. Ошибки обработчиков
// передаются в их обработчики ошибок и не возвращаются публикующему.
func (lp *LocalProvider[T]) Publish(ctx context.Context, event T) error {
	if !lp.enter() {
		return ErrBusClosed
	}
	defer lp.inflight.Done()

	lp.mu.RLock()
	subs := make([]*subscription[T], len(lp.subscribers))
	copy(subs, lp.subscribers)
	lp.mu.RUnlock()

	for _, sub := range subs {
		task := &Task[T]{
			ctx:          ctx,
			event:        event,
			handler:      sub.handler,
			errorHandler: sub.errorHandler,
		}
		if !sub.isAsync {
			task.run()
			continue
		}
		// Асинхронная задача переживает вызов Publish: отмена ctx на нее не влияет.
		task.ctx = context.WithoutCancel(ctx)
		if err := lp.pool.submit(ctx, task); err != nil {
			return err
		}
	}

	return nil
}

// Subscribe подписывает обработчик на события топика.
func (lp *LocalProvider[T]) Subscribe(handler EventHandler[T], opts ...SubscribeOption[T]) (unsubscribe func(), err error) {
	if handler == nil {
		return nil, errors.New("обработчик не может быть nil")
	}

	cfg := ResolveSubscription(handler, opts...)
	sub := &subscription[T]{
		id:           uuid.NewString(),
		handler:      cfg.Handler,
		isAsync:      cfg.Async,
		errorHandler: cfg.ErrorHandler,
	}

	lp.mu.Lock()
	lp.subscribers = append(lp.subscribers, sub)
	lp.mu.Unlock()

	return func() {
		lp.mu.Lock()
		defer lp.mu.Unlock()

		for i, s := range lp.subscribers {
			if s.id == sub.id {
				lp.subscribers = append(lp.subscribers[:i], lp.subscribers[i+1:]...)
				break
			}
		}
	}, nil
}

// Shutdown запрещает новые публикации, дожидается текущих и останавливает пул.
// Повторный вызов безопасен.
func (lp *LocalProvider[T]) Shutdown(ctx context.Context) error {
	lp.stateMu.Lock()
	lp.closed = true
	lp.stateMu.Unlock()

	if err := waitGroup(ctx, &lp.inflight); err != nil {
		return err
	}
	return lp.pool.stop(ctx)
}

func (lp *LocalProvider[T]) enter() bool {
	lp.stateMu.Lock()
	defer lp.stateMu.Unlock()
	if lp.closed {
		return false
	}
	lp.inflight.Add(1)
	return true
}
