package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/cart"
	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/service/payment"
)

// checkoutAttempts — сколько раз Checkout отправляет заказ при сетевых и 5xx ошибках.
const checkoutAttempts = 3

// Checkout оплачивает корзину и отправляет заказ. Созданный заказ
// сразу отслеживается в представлении покупателя.
func (s *Session) Checkout(ctx context.Context, studentName string, orderType domain.OrderType, c cart.Cart) (domain.Order, error) {
	if c.Empty() {
		return domain.Order{}, cart.ErrEmpty
	}
	studentName = strings.TrimSpace(studentName)
	if studentName == "" {
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrInvalidOrder, domain.ErrStudentNameRequired)
	}

	payments := s.payments
	if payments == nil {
		payments = payment.NewMockService()
	}

	total := c.Total()
	st, err := payments.Pay(studentName, total)
	if err != nil {
		return domain.Order{}, fmt.Errorf("pay: %w", err)
	}
	if st != domain.PaymentStatusCaptured {
		return domain.Order{}, fmt.Errorf("%w: status %s", domain.ErrPaymentDeclined, st)
	}

	// один ключ на попытку оформления: повтор после сетевой ошибки не создаст второй заказ
	key := uuid.NewString()
	cmd := events.CreateOrder{
		StudentName: studentName,
		Items:       c.ToOrderItems(),
		Type:        orderType,
		TotalPrice:  &total,
	}

	var order domain.Order
	delay := s.minBackoff
	for attempt := 1; ; attempt++ {
		order, err = s.api.CreateOrder(ctx, cmd, key)
		if err == nil || attempt >= checkoutAttempts || !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		s.logger.WithError(err).WithFields(log.Fields{
			"attempt":  attempt,
			"retry_in": delay,
		}).Warn("checkout submit failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Order{}, fmt.Errorf("submit order: %w", ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, s.maxBackoff)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("submit order: %w", err)
	}

	s.Track(order)
	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"total_price": order.TotalPrice,
	}).Info("order submitted")
	return order, nil
}
