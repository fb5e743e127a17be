// Команда tracking-service читает события отправки заказов и публикует
// обновления статуса отслеживания в топик tracking.status.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/x-research-team/dtx-tracking/bus/event"
	"github.com/x-research-team/dtx-tracking/config"
	"github.com/x-research-team/dtx-tracking/health"
	"github.com/x-research-team/dtx-tracking/tracking"
)

func main() {
	configPath := flag.String("config", "configs/tracking.yaml", "путь к файлу конфигурации")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("tracking-service остановлен с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("конфигурация: %w", err)
	}

	logger := newLogger(cfg).With(slog.String("service", cfg.ServiceName))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := newTelemetry(cfg.ServiceName, cfg.TraceExporter, os.Stderr)
	if err != nil {
		return fmt.Errorf("телеметрия: %w", err)
	}

	tr, err := newTransport(cfg, logger, tel.propagator)
	if err != nil {
		return errors.Join(err, tel.shutdown(context.Background()))
	}

	registry := event.NewRegistry()

	inbound, err := event.Bus(registry, cfg.InboundTopic, append(tr.inbound,
		event.WithLogger[tracking.DispatchEvent](logger),
		event.WithMeterProvider[tracking.DispatchEvent](tel.meterProvider),
		event.WithTracerProvider[tracking.DispatchEvent](tel.tracerProvider),
	)...)
	if err != nil {
		return err
	}

	outboundOpts := append(tr.outbound,
		event.WithLogger[tracking.TrackingStatusUpdated](logger),
		event.WithMeterProvider[tracking.TrackingStatusUpdated](tel.meterProvider),
		event.WithTracerProvider[tracking.TrackingStatusUpdated](tel.tracerProvider),
	)
	// Шина исходящего топика создается сразу, чтобы Registry.Shutdown закрыл ее провайдер.
	if _, err := event.Bus(registry, tracking.TrackingStatusTopic, outboundOpts...); err != nil {
		return err
	}

	service := tracking.NewService(tracking.NewBusProducer(registry, outboundOpts...))
	listener := tracking.NewListener(inbound, service, logger)
	if err := listener.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           health.NewRouter(logger, tr.checks, tel.metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info("tracking-service запущен",
		slog.String("transport", string(cfg.Transport)),
		slog.String("inbound_topic", cfg.InboundTopic),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки")
	case runErr = <-serveErr:
		logger.Error("http-сервер завершился", slog.Any("error", runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	listener.Stop()
	return errors.Join(
		runErr,
		srv.Shutdown(shutdownCtx),
		registry.Shutdown(shutdownCtx),
		tr.close(),
		tel.shutdown(shutdownCtx),
	)
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
