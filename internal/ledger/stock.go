package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-settlement/internal/model"
	"github.com/mmeshcher/commerce-settlement/internal/repository"
	"github.com/mmeshcher/commerce-settlement/internal/retry"
)

// StockStore описывает хранилище остатков. UpdateStock удерживает эксклюзивную
// блокировку строки товара на время чтения, вычисления и условной записи.
type StockStore interface {
	UpdateStock(ctx context.Context, productID int64, mutate func(model.StockRecord) (model.StockRecord, error)) (model.StockRecord, error)
}

// StockLedger изменяет остатки товаров.
type StockLedger struct {
	store  StockStore
	policy retry.Policy
	logger *zap.Logger
}

// NewStockLedger создаёт учёт остатков.
func NewStockLedger(store StockStore, policy retry.Policy, logger *zap.Logger) *StockLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockLedger{store: store, policy: policy, logger: logger}
}

// Persistent возвращает учёт остатков над тем же хранилищем, который повторяет
// конфликтующую запись до успеха. Используется для восстановления остатков при откате.
func (l *StockLedger) Persistent() *StockLedger {
	c := *l
	c.policy = l.policy.Persistent()
	return &c
}

// Decrease списывает quantity с остатка товара и возвращает новый остаток.
func (l *StockLedger) Decrease(ctx context.Context, productID int64, quantity int) (int, error) {
	return l.apply(ctx, productID, func(r model.StockRecord) (model.StockRecord, error) {
		return r.Decrease(quantity)
	})
}

// Increase пополняет остаток товара на quantity и возвращает новый остаток.
func (l *StockLedger) Increase(ctx context.Context, productID int64, quantity int) (int, error) {
	return l.apply(ctx, productID, func(r model.StockRecord) (model.StockRecord, error) {
		return r.Increase(quantity)
	})
}

func (l *StockLedger) apply(ctx context.Context, productID int64, mutate func(model.StockRecord) (model.StockRecord, error)) (int, error) {
	resource := fmt.Sprintf("stock:%d", productID)

	rec, err := retry.Do(ctx, l.policy, resource, func(ctx context.Context) (model.StockRecord, error) {
		return l.store.UpdateStock(ctx, productID, mutate)
	})
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return 0, &model.NotFoundError{Entity: model.EntityProduct, ID: productID}
		}
		if model.IsRetryable(err) {
			l.logger.Warn("stock update retries exhausted", zap.Error(err), zap.Int64("productID", productID))
		}
		return 0, err
	}

	return rec.Quantity, nil
}
