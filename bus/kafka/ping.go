package kafka

import (
	"context"
	"errors"
	"fmt"

	skafka "github.com/segmentio/kafka-go"
)

// Ping проверяет, что хотя бы один из брокеров принимает соединения.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return ErrNoBrokers
	}

	var errs []error
	for _, broker := range brokers {
		conn, err := skafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		return conn.Close()
	}
	return errors.Join(errs...)
}
