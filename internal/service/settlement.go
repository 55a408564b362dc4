package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-settlement/internal/model"
	"github.com/mmeshcher/commerce-settlement/internal/validation"
)

// PlaceOrder оформляет и оплачивает заказ баллами пользователя.
//
// Баланс списывается до уменьшения остатков. Остатки уменьшаются по одному товару
// в порядке возрастания идентификатора. Если уменьшить остаток или сохранить заказ
// не удалось, списанная сумма возвращается на баланс, а уже уменьшенные остатки
// восстанавливаются в обратном порядке. Уведомления отправляются только после
// сохранения заказа, и ошибка их доставки заказ не отменяет.
func (s *Service) PlaceOrder(ctx context.Context, userID int64, req []model.LineRequest) (*model.OrderResult, error) {
	lines, err := validation.NormalizeLines(userID, req)
	if err != nil {
		return nil, err
	}

	if err := s.ensureUser(ctx, userID); err != nil {
		return nil, err
	}

	ids := validation.ProductIDs(lines)
	for _, id := range ids {
		ok, err := s.repo.ProductExists(ctx, id)
		if err != nil {
			return nil, &model.PersistenceError{Op: "check product", Err: err}
		}
		if !ok {
			return nil, &model.NotFoundError{Entity: model.EntityProduct, ID: id}
		}
	}

	snapshots, err := s.repo.BatchLookup(ctx, ids)
	if err != nil {
		return nil, &model.PersistenceError{Op: "lookup products", Err: err}
	}

	orderLines := make([]model.OrderLine, 0, len(lines))
	for _, l := range lines {
		snap, ok := snapshots[l.ProductID]
		if !ok {
			return nil, &model.NotFoundError{Entity: model.EntityProduct, ID: l.ProductID}
		}
		if !snap.Active {
			return nil, &model.ValidationError{Field: "product_id", Message: fmt.Sprintf("product %d is not available for sale", l.ProductID)}
		}

		available, err := s.repo.CurrentStock(ctx, l.ProductID)
		if err != nil {
			return nil, classify("read stock", err)
		}
		if available < l.Quantity {
			return nil, &model.InsufficientStockError{ProductID: l.ProductID, Requested: l.Quantity, Available: available}
		}

		line, err := model.NewOrderLine(snap.ID, snap.Name, snap.UnitPrice, l.Quantity)
		if err != nil {
			return nil, err
		}
		orderLines = append(orderLines, line)
	}

	order, err := model.NewOrder(userID, orderLines, s.now())
	if err != nil {
		return nil, err
	}

	if _, err := s.balances.Debit(ctx, userID, order.TotalAmount, "order payment"); err != nil {
		return nil, classify("debit balance", err)
	}

	decreased := make([]model.LineRequest, 0, len(lines))
	for _, l := range validation.SortByProductID(lines) {
		if _, err := s.stock.Decrease(ctx, l.ProductID, l.Quantity); err != nil {
			s.compensate(ctx, userID, order.TotalAmount, decreased)
			return nil, classify("decrease stock", err)
		}
		decreased = append(decreased, l)
	}

	if err := order.CompletePayment(s.now()); err != nil {
		s.compensate(ctx, userID, order.TotalAmount, decreased)
		return nil, err
	}

	saved, err := s.repo.SaveOrder(ctx, order)
	if err != nil {
		s.compensate(ctx, userID, order.TotalAmount, decreased)
		return nil, &model.PersistenceError{Op: "save order", Err: err}
	}

	s.logger.Info("order placed",
		zap.Int64("orderID", saved.ID),
		zap.Int64("userID", userID),
		zap.Int64("total", saved.TotalAmount),
		zap.Int("lines", len(orderLines)),
	)

	s.publish(ctx, saved)

	return model.NewOrderResult(saved), nil
}

// compensate возвращает списанную сумму и восстанавливает уменьшенные остатки.
// Отмена контекста запроса откат не прерывает, конфликты версий повторяются до успеха.
func (s *Service) compensate(ctx context.Context, userID, amount int64, decreased []model.LineRequest) {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(decreased) - 1; i >= 0; i-- {
		l := decreased[i]
		if _, err := s.restock.Increase(ctx, l.ProductID, l.Quantity); err != nil {
			errs = append(errs, fmt.Errorf("restore stock of product %d: %w", l.ProductID, err))
		}
	}

	if _, err := s.refunds.Refund(ctx, userID, amount, "order payment refund"); err != nil {
		errs = append(errs, fmt.Errorf("refund balance: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("order compensation failed",
			zap.Int64("userID", userID),
			zap.Int64("amount", amount),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, order model.Order) {
	if s.sink == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if err := s.sink.PublishOrderCreated(ctx, order); err != nil {
		s.logger.Warn("order created notification failed", zap.Int64("orderID", order.ID), zap.Error(err))
	}
	if err := s.sink.PublishPaymentCompleted(ctx, order); err != nil {
		s.logger.Warn("payment completed notification failed", zap.Int64("orderID", order.ID), zap.Error(err))
	}
}
