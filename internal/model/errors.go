package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation объединяет все ошибки некорректных входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidAmount возвращается при недопустимой сумме операции с балансом.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidStatusTransition возвращается при недопустимой смене статуса заказа.
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
)

// ValidationError описывает отклонённое входное значение.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is позволяет сравнивать любую ошибку валидации с ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func invalidAmount(message string) error {
	return &ValidationError{Field: "amount", Message: message, Err: ErrInvalidAmount}
}

// Сущности для NotFoundError.
const (
	EntityUser    = "user"
	EntityProduct = "product"
	EntityOrder   = "order"
)

// NotFoundError возвращается, если пользователь, товар или заказ не существует.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// InsufficientStockError возвращается, если остатка товара не хватает для заказа.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// InsufficientBalanceError возвращается, если баланса пользователя не хватает для оплаты.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

// ConcurrencyExhaustedError возвращается, когда попытки записи исчерпаны из-за конфликтов версий.
// Вызывающая сторона может повторить запрос целиком.
type ConcurrencyExhaustedError struct {
	Resource string
	Attempts int
	Err      error
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("concurrent modification of %s: gave up after %d attempts: %v", e.Resource, e.Attempts, e.Err)
}

func (e *ConcurrencyExhaustedError) Unwrap() error { return e.Err }

// PersistenceError оборачивает сбой хранилища, прервавший операцию.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsNotFound сообщает, является ли ошибка NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryable сообщает, может ли клиент безопасно повторить запрос.
func IsRetryable(err error) bool {
	var ce *ConcurrencyExhaustedError
	return errors.As(err, &ce)
}
