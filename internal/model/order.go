package model

import (
	"math"
	"strings"
	"time"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	// OrderStatusPending означает, что заказ создан, но ещё не оплачен.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid означает, что сумма заказа списана с баланса.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusCancelled означает, что заказ отменён.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderLine фиксирует товар, цену и количество на момент оформления заказа.
type OrderLine struct {
	ProductID   int64
	ProductName string
	UnitPrice   int64
	Quantity    int
}

// NewOrderLine создаёт позицию заказа, проверяя её инварианты.
func NewOrderLine(productID int64, name string, unitPrice int64, quantity int) (OrderLine, error) {
	if productID <= 0 {
		return OrderLine{}, invalid("product_id", "must be positive")
	}
	if strings.TrimSpace(name) == "" {
		return OrderLine{}, invalid("product_name", "must not be blank")
	}
	if unitPrice <= 0 {
		return OrderLine{}, invalid("unit_price", "must be positive")
	}
	if quantity <= 0 {
		return OrderLine{}, invalid("quantity", "must be positive")
	}
	if unitPrice > math.MaxInt64/int64(quantity) {
		return OrderLine{}, invalid("quantity", "line total overflows")
	}

	return OrderLine{
		ProductID:   productID,
		ProductName: name,
		UnitPrice:   unitPrice,
		Quantity:    quantity,
	}, nil
}

// TotalPrice возвращает стоимость позиции.
func (l OrderLine) TotalPrice() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// Order описывает заказ пользователя. ID равен нулю, пока заказ не сохранён.
type Order struct {
	ID          int64
	UserID      int64
	Status      OrderStatus
	TotalAmount int64
	OrderedAt   time.Time
	PaidAt      *time.Time

	lines []OrderLine
}

// NewOrder создаёт заказ в статусе PENDING и рассчитывает его сумму.
func NewOrder(userID int64, lines []OrderLine, now time.Time) (Order, error) {
	if userID <= 0 {
		return Order{}, invalid("user_id", "must be positive")
	}
	if len(lines) == 0 {
		return Order{}, invalid("lines", "order must contain at least one line")
	}

	var total int64
	for _, l := range lines {
		lt := l.TotalPrice()
		if total > math.MaxInt64-lt {
			return Order{}, invalid("lines", "order total overflows")
		}
		total += lt
	}

	return Order{
		UserID:      userID,
		Status:      OrderStatusPending,
		TotalAmount: total,
		OrderedAt:   now,
		lines:       append([]OrderLine(nil), lines...),
	}, nil
}

// RestoreOrder собирает заказ из сохранённых данных.
func RestoreOrder(id, userID int64, status OrderStatus, total int64, orderedAt time.Time, paidAt *time.Time, lines []OrderLine) Order {
	return Order{
		ID:          id,
		UserID:      userID,
		Status:      status,
		TotalAmount: total,
		OrderedAt:   orderedAt,
		PaidAt:      paidAt,
		lines:       append([]OrderLine(nil), lines...),
	}
}

// Lines возвращает копию позиций заказа.
func (o Order) Lines() []OrderLine {
	return append([]OrderLine(nil), o.lines...)
}

// WithID возвращает копию заказа с присвоенным идентификатором.
func (o Order) WithID(id int64) Order {
	o.ID = id
	o.lines = append([]OrderLine(nil), o.lines...)
	return o
}

// CompletePayment переводит заказ в статус PAID.
func (o *Order) CompletePayment(now time.Time) error {
	if o.Status != OrderStatusPending {
		return ErrInvalidStatusTransition
	}
	o.Status = OrderStatusPaid
	o.PaidAt = &now
	return nil
}

// Cancel отменяет неоплаченный заказ.
func (o *Order) Cancel() error {
	if o.Status != OrderStatusPending {
		return ErrInvalidStatusTransition
	}
	o.Status = OrderStatusCancelled
	return nil
}

// OrderLineResult описывает позицию заказа в ответе клиенту.
type OrderLineResult struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	LineTotal   int64  `json:"line_total"`
}

// OrderResult описывает заказ в виде, передаваемом клиенту и получателям уведомлений.
type OrderResult struct {
	OrderID     int64             `json:"order_id"`
	UserID      int64             `json:"user_id"`
	Lines       []OrderLineResult `json:"lines"`
	TotalAmount int64             `json:"total_amount"`
	Status      OrderStatus       `json:"status"`
	OrderedAt   time.Time         `json:"ordered_at"`
	PaidAt      *time.Time        `json:"paid_at,omitempty"`
}

// NewOrderResult формирует ответ по заказу.
func NewOrderResult(o Order) *OrderResult {
	lines := make([]OrderLineResult, 0, len(o.lines))
	for _, l := range o.lines {
		lines = append(lines, OrderLineResult{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
			LineTotal:   l.TotalPrice(),
		})
	}

	return &OrderResult{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Lines:       lines,
		TotalAmount: o.TotalAmount,
		Status:      o.Status,
		OrderedAt:   o.OrderedAt,
		PaidAt:      o.PaidAt,
	}
}
