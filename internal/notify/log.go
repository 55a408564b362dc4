package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-settlement/internal/model"
)

// LogSink записывает уведомления в журнал. Используется, когда адрес получателя не задан.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink создаёт журналирующий приёмник уведомлений.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// PublishOrderCreated записывает в журнал уведомление о созданном заказе.
func (s *LogSink) PublishOrderCreated(_ context.Context, order model.Order) error {
	s.log(NewEvent(EventOrderCreated, order, time.Now()))
	return nil
}

// PublishPaymentCompleted записывает в журнал уведомление об оплате заказа.
func (s *LogSink) PublishPaymentCompleted(_ context.Context, order model.Order) error {
	s.log(NewEvent(EventPaymentCompleted, order, time.Now()))
	return nil
}

func (s *LogSink) log(e Event) {
	s.logger.Info("order event",
		zap.String("eventID", e.ID),
		zap.String("type", string(e.Type)),
		zap.Int64("orderID", e.Order.OrderID),
		zap.Int64("userID", e.Order.UserID),
		zap.Int64("total", e.Order.TotalAmount),
	)
}
