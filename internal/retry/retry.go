// Package retry повторяет цикл «чтение → вычисление → условная запись» при конфликте версий.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	goretry "github.com/sethvargo/go-retry"

	"github.com/mmeshcher/commerce-settlement/internal/model"
	"github.com/mmeshcher/commerce-settlement/internal/repository"
)

const (
	// DefaultAttempts задаёт число попыток по умолчанию.
	DefaultAttempts = 3
	// DefaultDelay задаёт паузу между попытками по умолчанию.
	DefaultDelay = 100 * time.Millisecond
	// Unlimited в Policy.Attempts означает повтор до успеха или доменной ошибки.
	Unlimited = -1
	// MaxUnlimitedDelay ограничивает растущую паузу при Unlimited.
	MaxUnlimitedDelay = time.Second
)

// Policy задаёт число попыток, паузу между ними и признак конфликта.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	IsConflict func(error) bool
}

// DefaultPolicy возвращает политику по умолчанию: 3 попытки с паузой 100мс.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   DefaultAttempts,
		Delay:      DefaultDelay,
		IsConflict: IsConflict,
	}
}

// IsConflict сообщает, что ошибка вызвана конкурентным изменением записи.
func IsConflict(err error) bool {
	if errors.Is(err, repository.ErrVersionConflict) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

// Persistent возвращает копию политики, повторяющую конфликтующую запись до успеха.
// Пауза растёт экспоненциально с разбросом и не превышает MaxUnlimitedDelay.
func (p Policy) Persistent() Policy {
	p.Attempts = Unlimited
	return p
}

func (p Policy) backoff() goretry.Backoff {
	delay := p.Delay
	if delay <= 0 {
		// NewConstant паникует на неположительной паузе
		delay = time.Nanosecond
	}

	if p.Attempts == Unlimited {
		b := goretry.NewExponential(delay)
		b = goretry.WithJitterPercent(20, b)
		return goretry.WithCappedDuration(MaxUnlimitedDelay, b)
	}

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return goretry.WithMaxRetries(uint64(attempts-1), goretry.NewConstant(delay))
}

// Do выполняет fn, повторяя его целиком при конфликте версий.
// Доменные ошибки возвращаются сразу. После исчерпания попыток
// возвращается *model.ConcurrencyExhaustedError для ресурса resource.
// С Attempts == Unlimited попытки не исчерпываются, остановить повтор может только ctx.
func Do[T any](ctx context.Context, p Policy, resource string, fn func(ctx context.Context) (T, error)) (T, error) {
	isConflict := p.IsConflict
	if isConflict == nil {
		isConflict = IsConflict
	}
	backoff := p.backoff()

	var (
		result T
		tries  int
	)
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		tries++
		v, err := fn(ctx)
		if err != nil {
			if isConflict(err) {
				return goretry.RetryableError(err)
			}
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		if isConflict(err) {
			return zero, &model.ConcurrencyExhaustedError{Resource: resource, Attempts: tries, Err: err}
		}
		return zero, err
	}

	return result, nil
}
