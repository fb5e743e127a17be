package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"

	"github.com/x-research-team/dtx-tracking/config"
)

func TestNewTransport(t *testing.T) {
	t.Parallel()

	t.Run("локальный транспорт", func(t *testing.T) {
		t.Parallel()

		cfg := config.Default()
		cfg.Transport = config.TransportLocal

		tr, err := newTransport(cfg, slog.Default(), propagation.TraceContext{})
		require.NoError(t, err)
		assert.Empty(t, tr.inbound, "шины работают на LocalProvider")
		assert.Empty(t, tr.outbound)
		assert.Empty(t, tr.checks)
		assert.NoError(t, tr.close())
	})

	t.Run("kafka без соединения при создании", func(t *testing.T) {
		t.Parallel()

		cfg := config.Default()
		cfg.KafkaBrokers = []string{"127.0.0.1:1"}

		tr, err := newTransport(cfg, slog.Default(), propagation.TraceContext{})
		require.NoError(t, err)
		assert.Len(t, tr.inbound, 1)
		assert.Len(t, tr.outbound, 1)
		assert.Contains(t, tr.checks, "kafka")
		assert.NoError(t, tr.close())
	})

	t.Run("неизвестный транспорт", func(t *testing.T) {
		t.Parallel()

		cfg := config.Default()
		cfg.Transport = config.Transport("nats")

		tr, err := newTransport(cfg, slog.Default(), propagation.TraceContext{})
		assert.Nil(t, tr)
		assert.ErrorContains(t, err, `"nats"`)
	})
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		format    string
		level     slog.Level
		wantText  bool
		wantDebug bool
	}{
		{name: "текстовый формат", format: "text", level: slog.LevelDebug, wantText: true, wantDebug: true},
		{name: "JSON по умолчанию", format: "json", level: slog.LevelInfo},
		{name: "уровень warn отсекает info", format: "json", level: slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			cfg.LogFormat = tt.format
			cfg.LogLevel = tt.level

			h := newLogger(cfg).Handler()
			if tt.wantText {
				assert.IsType(t, &slog.TextHandler{}, h)
			} else {
				assert.IsType(t, &slog.JSONHandler{}, h)
			}
			assert.Equal(t, tt.wantDebug, h.Enabled(context.Background(), slog.LevelDebug))
			assert.Equal(t, tt.level <= slog.LevelInfo, h.Enabled(context.Background(), slog.LevelInfo))
		})
	}
}
