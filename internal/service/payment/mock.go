// Package payment содержит заглушку платёжного провайдера столовой.
package payment

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
)

// MockService — платёжная заглушка: по умолчанию любой платёж проходит.
type MockService struct {
	mu sync.Mutex

	PayStatus domain.PaymentStatus
	PayErr    error
	PayCalls  int
	Charged   int64

	logger *log.Entry
}

// NewMockService возвращает mock с успешным сценарием по умолчанию.
func NewMockService() *MockService {
	return &MockService{
		PayStatus: domain.PaymentStatusCaptured,
		logger:    log.WithField("component", "payment-mock"),
	}
}

// Pay возвращает заранее настроенный результат и считает вызовы.
func (m *MockService) Pay(studentName string, amountMinor int64) (domain.PaymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PayCalls++
	if strings.TrimSpace(studentName) == "" {
		return domain.PaymentStatusFailed, fmt.Errorf("%w: %w", domain.ErrPaymentDeclined, domain.ErrStudentNameRequired)
	}
	if amountMinor < 0 {
		return domain.PaymentStatusFailed, fmt.Errorf("%w: negative amount %d", domain.ErrPaymentDeclined, amountMinor)
	}
	if m.PayErr != nil {
		return m.PayStatus, m.PayErr
	}
	if m.PayStatus == domain.PaymentStatusCaptured {
		m.Charged += amountMinor
	}

	m.logger.WithFields(log.Fields{
		"student": studentName,
		"amount":  amountMinor,
		"status":  m.PayStatus,
	}).Debug("payment processed")
	return m.PayStatus, nil
}

var _ domain.PaymentService = (*MockService)(nil)
