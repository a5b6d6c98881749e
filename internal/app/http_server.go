package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/canteen/internal/health"
	"github.com/vladislavdragonenkov/canteen/internal/service/httpapi"
	"github.com/vladislavdragonenkov/canteen/internal/service/idempotency"
	"github.com/vladislavdragonenkov/canteen/internal/service/realtime"
)

const defaultShutdownTimeout = 5 * time.Second

// newAPIServer собирает REST API и канал /ws на одном адресе.
func newAPIServer(svc httpapi.OrderService, stream *realtime.Server, guard *idempotency.Guard, policy httpapi.OriginPolicy, logger *log.Entry) *http.Server {
	mux := http.NewServeMux()
	httpapi.NewHandler(svc,
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithIdempotency(guard),
	).Register(mux)
	mux.Handle("GET /ws", stream)

	return &http.Server{
		Handler:           httpapi.CORS(policy, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// newMetricsServer отдаёт /metrics для Prometheus и health-пробы.
func newMetricsServer(healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// serveHTTP обслуживает listener до остановки сервера. Штатная остановка не ошибка.
func serveHTTP(srv *http.Server, lis net.Listener) error {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry, timeout time.Duration) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
