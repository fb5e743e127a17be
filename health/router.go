// Package health отдает HTTP-пробы живости и готовности сервиса и его метрики.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultCheckTimeout = 2 * time.Second

// Check проверяет одну зависимость. nil означает готовность.
type Check func(ctx context.Context) error

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewRouter возвращает обработчик с маршрутами /healthz и /readyz.
// Если metrics не nil, он обслуживает /metrics.
func NewRouter(logger *slog.Logger, checks map[string]Check, metrics http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, report{Status: "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), defaultCheckTimeout)
		defer cancel()

		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)

		rep := report{Status: "ok", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				logger.WarnContext(ctx, "проверка готовности не пройдена",
					slog.String("check", name),
					slog.Any("error", err),
				)
				rep.Checks[name] = err.Error()
				rep.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			rep.Checks[name] = "ok"
		}
		writeJSON(w, code, rep)
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	return r
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
