package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceRecord_Debit(t *testing.T) {
	r := BalanceRecord{UserID: 1, Balance: 50000, Version: 3}

	next, err := r.Debit(20000)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), next.Balance)
	assert.Equal(t, int64(50000), r.Balance)

	_, err = r.Debit(60000)
	var ib *InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, int64(60000), ib.Required)
	assert.Equal(t, int64(50000), ib.Available)

	_, err = r.Debit(0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestBalanceRecord_Credit(t *testing.T) {
	r := NewBalanceRecord(1)
	assert.True(t, r.IsNew())

	next, err := r.Credit(1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), next.Balance)

	_, err = r.Credit(-5)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStockRecord(t *testing.T) {
	r := StockRecord{ProductID: 9, Quantity: 5, Version: 1}

	next, err := r.Decrease(5)
	require.NoError(t, err)
	assert.Equal(t, 0, next.Quantity)

	_, err = r.Decrease(6)
	var is *InsufficientStockError
	require.True(t, errors.As(err, &is))
	assert.Equal(t, int64(9), is.ProductID)
	assert.Equal(t, 6, is.Requested)
	assert.Equal(t, 5, is.Available)

	next, err = r.Increase(3)
	require.NoError(t, err)
	assert.Equal(t, 8, next.Quantity)

	_, err = r.Increase(0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ConcurrencyExhaustedError{Resource: "balance:1", Attempts: 3}))
	assert.False(t, IsRetryable(&InsufficientStockError{}))
	assert.True(t, IsNotFound(&NotFoundError{Entity: EntityUser, ID: 1}))
}
