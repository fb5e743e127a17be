package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTopicTypeConflict возвращается, если топик уже занят шиной другого типа.
var ErrTopicTypeConflict = errors.New("шина для топика уже существует с другим типом события")

// Registry - это потокобезопасный реестр для управления экземплярами шин событий.
// Он гарантирует, что для каждого топика существует только один экземпляр шины
// определенного типа.
type Registry struct {
	mu    sync.RWMutex
	buses map[string]any
}

// NewRegistry создает новый экземпляр реестра шин.
func NewRegistry() *Registry {
	return &Registry{
		buses: make(map[string]any),
	}
}

// Bus возвращает строго типизированный экземпляр шины для указанного топика.
// Опции применяются только при первом создании шины.
func Bus[T Event](r *Registry, topic string, opts ...Option[T]) (IBus[T], error) {
	r.mu.RLock()
	bus, exists := r.buses[topic]
	r.mu.RUnlock()

	if exists {
		return typedBus[T](bus, topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Повторная проверка на случай, если шина была создана во время ожидания блокировки.
	if bus, exists := r.buses[topic]; exists {
		return typedBus[T](bus, topic)
	}

	newBus, err := NewBus(topic, opts...)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать шину для топика '%s': %w", topic, err)
	}

	r.buses[topic] = newBus
	return newBus, nil
}

func typedBus[T Event](bus any, topic string) (IBus[T], error) {
	if typed, ok := bus.(IBus[T]); ok {
		return typed, nil
	}
	return nil, fmt.Errorf("%w: '%s'", ErrTopicTypeConflict, topic)
}

// Shutdown корректно завершает работу всех зарегистрированных шин.
// Ошибки отдельных шин объединяются.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for topic, busInstance := range r.buses {
		if shutdowner, ok := busInstance.(interface {
			Shutdown(context.Context) error
		}); ok {
			if err := shutdowner.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("шина '%s': %w", topic, err))
			}
		}
	}

	return errors.Join(errs...)
}
