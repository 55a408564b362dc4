// Package ledger реализует учёт баланса пользователей и остатков товаров.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-settlement/internal/model"
	"github.com/mmeshcher/commerce-settlement/internal/repository"
	"github.com/mmeshcher/commerce-settlement/internal/retry"
)

// DefaultMaxCredit задаёт максимальную сумму одного пополнения баланса.
const DefaultMaxCredit int64 = 1_000_000

// BalanceStore описывает хранилище балансов с условной записью по версии.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID int64) (model.BalanceRecord, error)
	SaveBalance(ctx context.Context, rec model.BalanceRecord, entry model.BalanceEntry) (model.BalanceRecord, error)
}

// BalanceLedger изменяет баланс пользователя с оптимистичной блокировкой.
type BalanceLedger struct {
	store     BalanceStore
	policy    retry.Policy
	maxCredit int64
	logger    *zap.Logger
	now       func() time.Time
}

// NewBalanceLedger создаёт учёт балансов.
func NewBalanceLedger(store BalanceStore, policy retry.Policy, maxCredit int64, logger *zap.Logger) *BalanceLedger {
	if maxCredit <= 0 {
		maxCredit = DefaultMaxCredit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceLedger{
		store:     store,
		policy:    policy,
		maxCredit: maxCredit,
		logger:    logger,
		now:       time.Now,
	}
}

// Persistent возвращает учёт балансов над тем же хранилищем, который повторяет
// конфликтующую запись до успеха. Используется для отката списаний.
func (l *BalanceLedger) Persistent() *BalanceLedger {
	c := *l
	c.policy = l.policy.Persistent()
	return &c
}

// Balance возвращает текущий баланс. Отсутствующая запись означает нулевой баланс.
func (l *BalanceLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	rec, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return rec.Balance, nil
}

// Debit списывает amount с баланса и возвращает новый баланс.
// Достаточность средств проверяется по значению, прочитанному в той же попытке, что и запись.
func (l *BalanceLedger) Debit(ctx context.Context, userID, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, amountError("must be positive")
	}

	rec, err := retry.Do(ctx, l.policy, balanceResource(userID), func(ctx context.Context) (model.BalanceRecord, error) {
		cur, err := l.store.GetBalance(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrBalanceNotFound) {
				return model.BalanceRecord{}, &model.InsufficientBalanceError{Required: amount, Available: 0}
			}
			return model.BalanceRecord{}, fmt.Errorf("get balance: %w", err)
		}

		next, err := cur.Debit(amount)
		if err != nil {
			return model.BalanceRecord{}, err
		}

		return l.store.SaveBalance(ctx, next, l.entry(userID, model.BalanceEntryUse, amount, next.Balance, description))
	})
	if err != nil {
		l.logExhausted(err, userID)
		return 0, err
	}

	return rec.Balance, nil
}

// Credit пополняет баланс на amount, не превышающую лимит одной операции.
// Запись баланса создаётся при первом пополнении.
func (l *BalanceLedger) Credit(ctx context.Context, userID, amount int64, description string) (int64, error) {
	if amount > l.maxCredit {
		return 0, amountError(fmt.Sprintf("must not exceed %d per operation", l.maxCredit))
	}
	return l.credit(ctx, userID, amount, model.BalanceEntryCharge, description)
}

// Refund возвращает ранее списанную сумму. Лимит пополнения к возврату не применяется.
func (l *BalanceLedger) Refund(ctx context.Context, userID, amount int64, description string) (int64, error) {
	return l.credit(ctx, userID, amount, model.BalanceEntryRefund, description)
}

func (l *BalanceLedger) credit(ctx context.Context, userID, amount int64, kind model.BalanceEntryKind, description string) (int64, error) {
	if amount <= 0 {
		return 0, amountError("must be positive")
	}

	rec, err := retry.Do(ctx, l.policy, balanceResource(userID), func(ctx context.Context) (model.BalanceRecord, error) {
		cur, err := l.store.GetBalance(ctx, userID)
		if err != nil {
			if !errors.Is(err, repository.ErrBalanceNotFound) {
				return model.BalanceRecord{}, fmt.Errorf("get balance: %w", err)
			}
			cur = model.NewBalanceRecord(userID)
		}

		next, err := cur.Credit(amount)
		if err != nil {
			return model.BalanceRecord{}, err
		}

		return l.store.SaveBalance(ctx, next, l.entry(userID, kind, amount, next.Balance, description))
	})
	if err != nil {
		l.logExhausted(err, userID)
		return 0, err
	}

	return rec.Balance, nil
}

func (l *BalanceLedger) entry(userID int64, kind model.BalanceEntryKind, amount, after int64, description string) model.BalanceEntry {
	return model.BalanceEntry{
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: after,
		Description:  description,
		CreatedAt:    l.now(),
	}
}

func (l *BalanceLedger) logExhausted(err error, userID int64) {
	if model.IsRetryable(err) {
		l.logger.Warn("balance update retries exhausted", zap.Error(err), zap.Int64("userID", userID))
	}
}

func balanceResource(userID int64) string {
	return fmt.Sprintf("balance:%d", userID)
}

func amountError(message string) error {
	return &model.ValidationError{Field: "amount", Message: message, Err: model.ErrInvalidAmount}
}
