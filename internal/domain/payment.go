package domain

// PaymentStatus описывает результат оплаты корзины.
type PaymentStatus string

const (
	// PaymentStatusCaptured — деньги списаны, заказ можно отправлять.
	PaymentStatusCaptured PaymentStatus = "captured"
	// PaymentStatusFailed — провайдер отклонил платёж.
	PaymentStatusFailed PaymentStatus = "failed"
)

// PaymentService списывает сумму корзины до отправки заказа.
type PaymentService interface {
	Pay(studentName string, amountMinor int64) (PaymentStatus, error)
}
