package model

import (
	"math"
	"time"
)

// BalanceRecord хранит баланс пользователя и версию для оптимистичной блокировки.
// Нулевая версия означает, что запись ещё не сохранена.
type BalanceRecord struct {
	UserID    int64
	Balance   int64
	Version   int64
	UpdatedAt time.Time
}

// NewBalanceRecord создаёт пустую несохранённую запись баланса.
func NewBalanceRecord(userID int64) BalanceRecord {
	return BalanceRecord{UserID: userID}
}

// IsNew сообщает, что запись ещё не сохранялась.
func (r BalanceRecord) IsNew() bool {
	return r.Version == 0
}

// Debit возвращает запись после списания суммы.
func (r BalanceRecord) Debit(amount int64) (BalanceRecord, error) {
	if amount <= 0 {
		return r, invalidAmount("must be positive")
	}
	if r.Balance < amount {
		return r, &InsufficientBalanceError{Required: amount, Available: r.Balance}
	}
	r.Balance -= amount
	return r, nil
}

// Credit возвращает запись после зачисления суммы.
func (r BalanceRecord) Credit(amount int64) (BalanceRecord, error) {
	if amount <= 0 {
		return r, invalidAmount("must be positive")
	}
	if r.Balance > math.MaxInt64-amount {
		return r, invalidAmount("balance overflows")
	}
	r.Balance += amount
	return r, nil
}

// StockRecord хранит остаток товара и его версию.
type StockRecord struct {
	ProductID int64
	Quantity  int
	Version   int64
}

// Decrease возвращает запись после списания остатка. Уход в минус запрещён.
func (r StockRecord) Decrease(quantity int) (StockRecord, error) {
	if quantity <= 0 {
		return r, invalid("quantity", "must be positive")
	}
	if r.Quantity < quantity {
		return r, &InsufficientStockError{ProductID: r.ProductID, Requested: quantity, Available: r.Quantity}
	}
	r.Quantity -= quantity
	return r, nil
}

// Increase возвращает запись после пополнения остатка.
func (r StockRecord) Increase(quantity int) (StockRecord, error) {
	if quantity <= 0 {
		return r, invalid("quantity", "must be positive")
	}
	if r.Quantity > math.MaxInt-quantity {
		return r, invalid("quantity", "stock overflows")
	}
	r.Quantity += quantity
	return r, nil
}
