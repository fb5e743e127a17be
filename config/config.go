// Package config загружает конфигурацию сервиса из YAML-файла и переменных окружения.
// Переменные окружения имеют приоритет над файлом, файл — над значениями по умолчанию.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport — механизм доставки событий.
type Transport string

const (
	TransportKafka    Transport = "kafka"
	TransportRabbitMQ Transport = "rabbitmq"
	TransportLocal    Transport = "local"
)

// Exporter трассировки.
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

// Config — конфигурация сервиса.
type Config struct {
	ServiceName   string
	LogLevel      slog.Level
	LogFormat     string
	HTTPAddr      string
	TraceExporter string

	Transport    Transport
	InboundTopic string

	// StatusTypeID — заголовок типа исходящих обновлений; пустой означает
	// значение кодека по умолчанию.
	StatusTypeID string

	KafkaBrokers      []string
	KafkaGroupID      string
	KafkaMaxAttempts  int
	KafkaRetryBackoff time.Duration
	RabbitMQURL       string

	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type configFile struct {
	Service struct {
		Name          string `yaml:"name"`
		HTTPAddr      string `yaml:"http_addr"`
		LogLevel      string `yaml:"log_level"`
		LogFormat     string `yaml:"log_format"`
		TraceExporter string `yaml:"trace_exporter"`
	} `yaml:"service"`
	Messaging struct {
		Transport         string   `yaml:"transport"`
		InboundTopic      string   `yaml:"inbound_topic"`
		StatusTypeID      string   `yaml:"status_type_id"`
		KafkaBrokers      []string `yaml:"kafka_brokers"`
		KafkaGroupID      string   `yaml:"kafka_group_id"`
		KafkaMaxAttempts  *int     `yaml:"kafka_max_attempts"`
		KafkaRetryBackoff string   `yaml:"kafka_retry_backoff"`
		RabbitMQURL       string   `yaml:"rabbitmq_url"`
		HandlerTimeout    string   `yaml:"handler_timeout"`
		ShutdownTimeout   string   `yaml:"shutdown_timeout"`
	} `yaml:"messaging"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	return Config{
		ServiceName:       "tracking-service",
		LogLevel:          slog.LevelInfo,
		LogFormat:         "json",
		HTTPAddr:          ":8080",
		TraceExporter:     TraceExporterNone,
		Transport:         TransportKafka,
		InboundTopic:      "dispatch.tracking",
		KafkaBrokers:      []string{"localhost:9092"},
		KafkaGroupID:      "tracking.dispatch.consumer",
		KafkaRetryBackoff: 500 * time.Millisecond,
		HandlerTimeout:    10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Load читает конфигурацию. Отсутствующий файл не является ошибкой.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("чтение файла конфигурации: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("разбор файла конфигурации: %w", err)
	}

	if f.Service.Name != "" {
		c.ServiceName = f.Service.Name
	}
	if f.Service.HTTPAddr != "" {
		c.HTTPAddr = f.Service.HTTPAddr
	}
	if f.Service.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(f.Service.LogLevel)); err != nil {
			return fmt.Errorf("service.log_level: %w", err)
		}
	}
	if f.Service.LogFormat != "" {
		c.LogFormat = f.Service.LogFormat
	}
	if f.Service.TraceExporter != "" {
		c.TraceExporter = strings.ToLower(f.Service.TraceExporter)
	}
	if f.Messaging.Transport != "" {
		c.Transport = Transport(strings.ToLower(f.Messaging.Transport))
	}
	if f.Messaging.InboundTopic != "" {
		c.InboundTopic = f.Messaging.InboundTopic
	}
	if brokers := trimNonEmpty(f.Messaging.KafkaBrokers); len(brokers) > 0 {
		c.KafkaBrokers = brokers
	}
	if f.Messaging.KafkaGroupID != "" {
		c.KafkaGroupID = f.Messaging.KafkaGroupID
	}
	if f.Messaging.KafkaMaxAttempts != nil {
		c.KafkaMaxAttempts = *f.Messaging.KafkaMaxAttempts
	}
	if err := parseDuration("messaging.kafka_retry_backoff", f.Messaging.KafkaRetryBackoff, &c.KafkaRetryBackoff); err != nil {
		return err
	}
	if f.Messaging.StatusTypeID != "" {
		c.StatusTypeID = f.Messaging.StatusTypeID
	}
	if f.Messaging.RabbitMQURL != "" {
		c.RabbitMQURL = f.Messaging.RabbitMQURL
	}
	if err := parseDuration("messaging.handler_timeout", f.Messaging.HandlerTimeout, &c.HandlerTimeout); err != nil {
		return err
	}
	return parseDuration("messaging.shutdown_timeout", f.Messaging.ShutdownTimeout, &c.ShutdownTimeout)
}

func (c *Config) applyEnv() error {
	c.ServiceName = envOrDefault("SERVICE_NAME", c.ServiceName)
	c.HTTPAddr = envOrDefault("HTTP_ADDR", c.HTTPAddr)
	c.LogFormat = envOrDefault("LOG_FORMAT", c.LogFormat)
	c.TraceExporter = strings.ToLower(envOrDefault("TRACE_EXPORTER", c.TraceExporter))
	c.StatusTypeID = envOrDefault("STATUS_TYPE_ID", c.StatusTypeID)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	c.Transport = Transport(strings.ToLower(envOrDefault("TRANSPORT", string(c.Transport))))
	c.InboundTopic = envOrDefault("INBOUND_TOPIC", c.InboundTopic)
	c.KafkaBrokers = envCSV("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupID = envOrDefault("KAFKA_GROUP_ID", c.KafkaGroupID)
	c.RabbitMQURL = envOrDefault("RABBITMQ_URL", c.RabbitMQURL)
	if v := strings.TrimSpace(os.Getenv("KAFKA_MAX_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KAFKA_MAX_ATTEMPTS: %w", err)
		}
		c.KafkaMaxAttempts = n
	}

	var err error
	if c.KafkaRetryBackoff, err = envDuration("KAFKA_RETRY_BACKOFF", c.KafkaRetryBackoff); err != nil {
		return err
	}
	if c.HandlerTimeout, err = envDuration("HANDLER_TIMEOUT", c.HandlerTimeout); err != nil {
		return err
	}
	if c.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// Validate проверяет согласованность конфигурации.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("не задан KAFKA_BROKERS"))
		}
		if c.KafkaGroupID == "" {
			errs = append(errs, errors.New("не задан KAFKA_GROUP_ID"))
		}
		if c.KafkaMaxAttempts < 0 {
			errs = append(errs, errors.New("KAFKA_MAX_ATTEMPTS не может быть отрицательным"))
		}
		if c.KafkaRetryBackoff <= 0 {
			errs = append(errs, errors.New("KAFKA_RETRY_BACKOFF должен быть положительным"))
		}
	case TransportRabbitMQ:
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("не задан RABBITMQ_URL"))
		}
	case TransportLocal:
	default:
		errs = append(errs, fmt.Errorf("неизвестный транспорт %q", c.Transport))
	}
	if c.InboundTopic == "" {
		errs = append(errs, errors.New("не задан INBOUND_TOPIC"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("неизвестный формат логов %q", c.LogFormat))
	}
	if c.TraceExporter != TraceExporterNone && c.TraceExporter != TraceExporterStdout {
		errs = append(errs, fmt.Errorf("неизвестный exporter трассировки %q", c.TraceExporter))
	}
	if c.HandlerTimeout <= 0 {
		errs = append(errs, errors.New("handler timeout должен быть положительным"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout должен быть положительным"))
	}
	return errors.Join(errs...)
}

func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	if values := trimNonEmpty(strings.Split(raw, ",")); len(values) > 0 {
		return values
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
