// Package idempotency обслуживает заголовок Idempotency-Key при создании заказов.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// CleanupMetrics получает число удалённых ключей.
type CleanupMetrics interface {
	RecordIdempotencyKeysDeleted(n int)
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m CleanupMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

func WithClock(now func() time.Time) CleanupOption {
	return func(w *CleanupWorker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithInterval задаёт паузу между проходами; неположительное значение игнорируется.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize ограничивает одно удаление в хранилище.
func WithBatchSize(n int) CleanupOption {
	return func(w *CleanupWorker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// CleanupWorker периодически удаляет ключи идемпотентности с истёкшим сроком,
// чтобы таблица не росла вместе с числом созданных заказов.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	metrics   CleanupMetrics
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewCleanupWorker(repo domain.IdempotencyRepository, opts ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:      repo,
		logger:    log.WithField("component", "idempotency-cleanup"),
		interval:  defaultCleanupInterval,
		batchSize: defaultCleanupBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run делает проход сразу и затем раз в interval, пока ctx не отменён.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("no idempotency repository, cleanup disabled")
		return
	}
	w.logger.WithFields(log.Fields{"interval": w.interval, "batch": w.batchSize}).Info("idempotency cleanup started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweepAndLog(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) sweepAndLog(ctx context.Context) {
	deleted, err := w.Sweep(ctx, time.Time{})
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup failed")
	case deleted > 0:
		w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
}

// Sweep удаляет ключи с ttl не позже before пачками по batchSize, пока пачка полная.
// Нулевой before означает текущее время. Возвращает число удалённых ключей даже при ошибке.
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for ctx.Err() == nil {
		n, err := w.repo.DeleteExpired(before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if w.metrics != nil {
			w.metrics.RecordIdempotencyKeysDeleted(n)
		}
		if n < w.batchSize {
			return total, nil
		}
	}
	return total, ctx.Err()
}
