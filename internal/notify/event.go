// Package notify доставляет уведомления о заказах внешним получателям.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/commerce-settlement/internal/model"
)

// EventType описывает тип уведомления.
type EventType string

const (
	// EventOrderCreated отправляется после сохранения заказа.
	EventOrderCreated EventType = "order.created"
	// EventPaymentCompleted отправляется после оплаты заказа баллами.
	EventPaymentCompleted EventType = "payment.completed"
)

// Event описывает уведомление о заказе. ID позволяет получателю отбрасывать повторы.
type Event struct {
	ID         string             `json:"event_id"`
	Type       EventType          `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Order      *model.OrderResult `json:"order"`
}

// NewEvent создаёт уведомление с новым идентификатором.
func NewEvent(t EventType, order model.Order, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: now,
		Order:      model.NewOrderResult(order),
	}
}
