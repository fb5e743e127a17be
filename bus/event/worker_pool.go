package event

import (
	"context"
	"sync"
)

// workerPool - это пул горутин для асинхронной обработки событий.
// Стартует с minWorkers воркеров и добавляет новые, пока очередь заполнена
// и не достигнут maxWorkers.
type workerPool[T Event] struct {
	minWorkers int
	maxWorkers int
	tasks      chan *Task[T]

	mu       sync.Mutex
	workers  int
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// newWorkerPool создает новый пул воркеров.
func newWorkerPool[T Event](min, max, queueSize int) *workerPool[T] {
	return &workerPool[T]{
		minWorkers: min,
		maxWorkers: max,
		tasks:      make(chan *Task[T], queueSize),
		stopCh:     make(chan struct{}),
	}
}

// run запускает минимальное число воркеров пула.
func (p *workerPool[T]) run() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.workers < p.minWorkers {
		p.spawnLocked()
	}
}

func (p *workerPool[T]) spawnLocked() {
	p.workers++
	p.wg.Add(1)
	go p.worker()
}

// grow добавляет воркера, если лимит еще не достигнут.
func (p *workerPool[T]) grow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.stopCh:
		return
	default:
	}
	if p.workers < p.maxWorkers {
		p.spawnLocked()
	}
}

// submit добавляет задачу в очередь. Блокируется, пока в очереди нет места,
// контекст не отменен или пул не остановлен.
func (p *workerPool[T]) submit(ctx context.Context, task *Task[T]) error {
	select {
	case <-p.stopCh:
		return ErrBusClosed
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	default:
	}

	p.grow()

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrBusClosed
	}
}

// stop останавливает воркеров. Задачи, уже стоящие в очереди, дорабатываются.
func (p *workerPool[T]) stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		close(p.stopCh)
		p.mu.Unlock()
	})
	return waitGroup(ctx, &p.wg)
}

// worker - это основная функция горутины-воркера.
func (p *workerPool[T]) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task.run()
		case <-p.stopCh:
			for {
				select {
				case task := <-p.tasks:
					task.run()
				default:
					return
				}
			}
		}
	}
}

// waitGroup ожидает wg, но не дольше, чем живет ctx.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
