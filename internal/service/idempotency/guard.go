package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// HeaderKey — заголовок HTTP и ключ gRPC metadata с ключом идемпотентности.
const HeaderKey = "Idempotency-Key"

// DefaultTTL — срок хранения ответа по ключу.
const DefaultTTL = 24 * time.Hour

// ErrInProgress возвращается, пока запрос с тем же ключом ещё выполняется.
var ErrInProgress = errors.New("request with the same idempotency key is already processing")

// Response — сохраняемый результат запроса: код ответа и тело.
type Response struct {
	Status int
	Body   []byte
}

// Succeeded сообщает, относится ли код к успешным (2xx).
func (r Response) Succeeded() bool {
	return r.Status >= 200 && r.Status < 300
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт срок хранения ответов.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardLogger задаёт логгер.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGuardClock подменяет источник времени.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// Guard выполняет запрос не более одного раза на ключ и повторно отдаёт
// сохранённый ответ. Тот же ключ с другим телом запроса отклоняется.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// NewGuard создаёт Guard поверх хранилища ключей.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		ttl:    DefaultTTL,
		logger: log.WithField("component", "idempotency-guard"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestHash строит отпечаток запроса: операция и её тело.
func RequestHash(operation string, body []byte) string {
	payload := make([]byte, 0, len(operation)+1+len(body))
	payload = append(payload, operation...)
	payload = append(payload, ':')
	payload = append(payload, body...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Do выполняет handler под ключом key. replayed=true означает, что ответ взят
// из хранилища и handler не вызывался.
func (g *Guard) Do(ctx context.Context, key, requestHash string, handler func(context.Context) Response) (resp Response, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Response{}, false, domain.ErrIdempotencyKeyRequired
	}
	logger := g.logger.WithField("idempotency_key", key)

	record, err := g.repo.CreateProcessing(key, requestHash, g.now().Add(g.ttl))
	if err != nil {
		resp, err := g.replay(record, err)
		if err != nil {
			logger.WithError(err).Info("idempotent request rejected")
			return Response{}, false, err
		}
		logger.WithField("status", resp.Status).Debug("idempotent response replayed")
		return resp, true, nil
	}

	resp = handler(ctx)
	if resp.Succeeded() {
		err = g.repo.MarkDone(key, resp.Body, resp.Status)
	} else {
		err = g.repo.MarkFailed(key, resp.Body, resp.Status)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to store idempotent response")
	}
	return resp, false, nil
}

func (g *Guard) replay(record domain.IdempotencyRecord, createErr error) (Response, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return Response{}, createErr
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		if record.Status == domain.IdempotencyStatusProcessing {
			return Response{}, ErrInProgress
		}
		if !record.Replayable() {
			return Response{}, fmt.Errorf("%w: stored response for %s is incomplete", domain.ErrPersistence, record.Key)
		}
		return Response{Status: record.HTTPStatus, Body: record.ResponseBody}, nil
	default:
		return Response{}, fmt.Errorf("%w: idempotency key: %w", domain.ErrPersistence, createErr)
	}
}
