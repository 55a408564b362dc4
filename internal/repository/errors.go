package repository

import "errors"

var (
	// ErrVersionConflict возвращается, если запись изменилась между чтением и условной записью.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrBalanceNotFound возвращается, если у пользователя ещё нет записи баланса.
	ErrBalanceNotFound = errors.New("balance not found")
)
