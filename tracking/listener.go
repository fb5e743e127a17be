package tracking

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/x-research-team/dtx-tracking/bus/event"
)

// ErrListenerStarted возвращается при повторном запуске Listener.
var ErrListenerStarted = errors.New("listener уже запущен")

// Listener подписывает Service на входящую шину событий отправки.
type Listener struct {
	bus     event.IBus[DispatchEvent]
	service *Service
	logger  *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewListener создает Listener. Если logger равен nil, используется slog.Default().
func NewListener(bus event.IBus[DispatchEvent], service *Service, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{bus: bus, service: service, logger: logger}
}

// Start оформляет подписку. Ошибки обработки пишутся в лог; что делать
// с самим сообщением, решает провайдер шины.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unsubscribe != nil {
		return ErrListenerStarted
	}

	unsubscribe, err := l.bus.Subscribe(l.service.Process,
		event.WithSubscriberName[DispatchEvent]("tracking.Service.Process"),
		event.WithErrorHandler[DispatchEvent](l.handleError),
	)
	if err != nil {
		return err
	}
	l.unsubscribe = unsubscribe

	l.logger.Info("listener запущен", slog.String("topic", l.bus.Topic()))
	return nil
}

// Stop снимает подписку. Повторный вызов ничего не делает.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unsubscribe == nil {
		return
	}
	l.unsubscribe()
	l.unsubscribe = nil

	l.logger.Info("listener остановлен", slog.String("topic", l.bus.Topic()))
}

func (l *Listener) handleError(err error, e DispatchEvent) {
	l.logger.Error("не удалось обработать событие отправки",
		slog.String("topic", l.bus.Topic()),
		slog.Any("event", e),
		slog.Any("error", err),
	)
}
