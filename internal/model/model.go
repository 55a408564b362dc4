// Package model содержит доменные сущности сервиса расчётов по заказам.
package model

import "time"

// User представляет покупателя, от имени которого оформляются заказы.
type User struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Product описывает товар каталога вместе с текущим остатком.
type Product struct {
	ID          int64
	Name        string
	Description string
	Category    string
	Price       int64
	Stock       int
	Active      bool
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProductSnapshot содержит название, цену и доступность товара на момент оформления заказа.
type ProductSnapshot struct {
	ID        int64
	Name      string
	UnitPrice int64
	Active    bool
}

// LineRequest описывает одну запрошенную позицию заказа.
type LineRequest struct {
	ProductID int64
	Quantity  int
}

// BalanceEntryKind описывает тип операции с балансом.
type BalanceEntryKind string

const (
	BalanceEntryCharge BalanceEntryKind = "CHARGE"
	BalanceEntryUse    BalanceEntryKind = "USE"
	BalanceEntryRefund BalanceEntryKind = "REFUND"
)

// BalanceEntry описывает запись истории изменения баланса пользователя.
type BalanceEntry struct {
	UserID       int64            `json:"user_id"`
	Kind         BalanceEntryKind `json:"kind"`
	Amount       int64            `json:"amount"`
	BalanceAfter int64            `json:"balance_after"`
	Description  string           `json:"description,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
