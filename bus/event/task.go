package event

import "context"

// Task представляет собой атомарную задачу для асинхронного выполнения:
// событие и соответствующий ему обработчик.
type Task[T Event] struct {
	ctx          context.Context
	event        T
	handler      EventHandler[T]
	errorHandler ErrorHandler[T]
}

// run выполняет обработчик и передает ошибку в обработчик ошибок подписки.
func (t *Task[T]) run() {
	if err := t.handler(t.ctx, t.event); err != nil && t.errorHandler != nil {
		t.errorHandler(err, t.event)
	}
}
