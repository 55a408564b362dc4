package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-settlement/internal/ledger"
	"github.com/mmeshcher/commerce-settlement/internal/model"
	"github.com/mmeshcher/commerce-settlement/internal/repository"
	"github.com/mmeshcher/commerce-settlement/internal/retry"
)

type sinkCall struct {
	kind    string
	orderID int64
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (s *recordingSink) PublishOrderCreated(_ context.Context, o model.Order) error {
	s.record("created", o)
	return s.err
}

func (s *recordingSink) PublishPaymentCompleted(_ context.Context, o model.Order) error {
	s.record("paid", o)
	return s.err
}

func (s *recordingSink) record(kind string, o model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{kind: kind, orderID: o.ID})
}

func (s *recordingSink) Calls() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

// faultyRepo подменяет отдельные операции MemoryRepository для проверки отката.
type faultyRepo struct {
	*repository.MemoryRepository
	saveErr    error
	staleStock map[int64]int
	existsErr  error
}

func (r *faultyRepo) SaveOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if r.saveErr != nil {
		return model.Order{}, r.saveErr
	}
	return r.MemoryRepository.SaveOrder(ctx, o)
}

func (r *faultyRepo) CurrentStock(ctx context.Context, productID int64) (int, error) {
	if v, ok := r.staleStock[productID]; ok {
		return v, nil
	}
	return r.MemoryRepository.CurrentStock(ctx, productID)
}

func (r *faultyRepo) UserExists(ctx context.Context, userID int64) (bool, error) {
	if r.existsErr != nil {
		return false, r.existsErr
	}
	return r.MemoryRepository.UserExists(ctx, userID)
}

type fixture struct {
	svc  *Service
	repo *repository.MemoryRepository
	sink *recordingSink
}

func newFixture(t *testing.T, wrap func(*repository.MemoryRepository) Repository) *fixture {
	t.Helper()

	mem := repository.NewMemoryRepository()
	var repo Repository = mem
	if wrap != nil {
		repo = wrap(mem)
	}

	policy := retry.Policy{Attempts: 3, Delay: time.Millisecond, IsConflict: retry.IsConflict}
	balances := ledger.NewBalanceLedger(mem, policy, ledger.DefaultMaxCredit, zap.NewNop())
	stock := ledger.NewStockLedger(mem, policy, zap.NewNop())
	sink := &recordingSink{}

	return &fixture{
		svc:  NewService(repo, balances, stock, sink, zap.NewNop()),
		repo: mem,
		sink: sink,
	}
}

func (f *fixture) user(t *testing.T, balance int64) int64 {
	t.Helper()

	u, err := f.svc.CreateUser(context.Background(), "buyer")
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.svc.ChargePoints(context.Background(), u.ID, balance, "")
		require.NoError(t, err)
	}
	return u.ID
}

func (f *fixture) product(t *testing.T, name string, price int64, stock int) int64 {
	t.Helper()

	p, err := f.svc.CreateProduct(context.Background(), model.Product{Name: name, Price: price, Stock: stock})
	require.NoError(t, err)
	return p.ID
}

func (f *fixture) stock(t *testing.T, productID int64) int {
	t.Helper()

	v, err := f.repo.CurrentStock(context.Background(), productID)
	require.NoError(t, err)
	return v
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()

	v, err := f.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return v
}

func TestPlaceOrder_Success(t *testing.T) {
	f := newFixture(t, nil)
	userID := f.user(t, 50000)
	productID := f.product(t, "keyboard", 10000, 5)

	res, err := f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{{ProductID: productID, Quantity: 2}})
	require.NoError(t, err)

	assert.NotZero(t, res.OrderID)
	assert.Equal(t, model.OrderStatusPaid, res.Status)
	assert.Equal(t, int64(20000), res.TotalAmount)
	assert.NotNil(t, res.PaidAt)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "keyboard", res.Lines[0].ProductName)

	assert.Equal(t, int64(30000), f.balance(t, userID))
	assert.Equal(t, 3, f.stock(t, productID))

	stored, err := f.svc.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, res.TotalAmount, stored.TotalAmount)

	calls := f.sink.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, sinkCall{kind: "created", orderID: res.OrderID}, calls[0])
	assert.Equal(t, sinkCall{kind: "paid", orderID: res.OrderID}, calls[1])
}

func TestPlaceOrder_InsufficientBalanceLeavesStock(t *testing.T) {
	f := newFixture(t, nil)
	userID := f.user(t, 5000)
	productID := f.product(t, "keyboard", 10000, 5)

	_, err := f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{{ProductID: productID, Quantity: 1}})

	var ib *model.InsufficientBalanceError
	require.True(t, errors.As(err, &ib), "got %v", err)
	assert.Equal(t, int64(10000), ib.Required)
	assert.Equal(t, int64(5000), ib.Available)

	assert.Equal(t, 5, f.stock(t, productID))
	assert.Equal(t, int64(5000), f.balance(t, userID))
	assert.Empty(t, f.sink.Calls())
}

func TestPlaceOrder_InsufficientStockPrecheck(t *testing.T) {
	f := newFixture(t, nil)
	userID := f.user(t, 50000)
	productID := f.product(t, "keyboard", 10000, 1)

	_, err := f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{{ProductID: productID, Quantity: 3}})

	var is *model.InsufficientStockError
	require.True(t, errors.As(err, &is), "got %v", err)
	assert.Equal(t, 3, is.Requested)
	assert.Equal(t, 1, is.Available)

	assert.Equal(t, int64(50000), f.balance(t, userID))
	assert.Equal(t, 1, f.stock(t, productID))
}

func TestPlaceOrder_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	userID := f.user(t, 50000)
	productID := f.product(t, "keyboard", 10000, 5)

	_, err := f.svc.PlaceOrder(context.Background(), 999, []model.LineRequest{{ProductID: productID, Quantity: 1}})
	var nf *model.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, model.EntityUser, nf.Entity)

	_, err = f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{
		{ProductID: productID, Quantity: 1},
		{ProductID: 404, Quantity: 1},
	})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, model.EntityProduct, nf.Entity)
	assert.Equal(t, int64(404), nf.ID)

	assert.Equal(t, 5, f.stock(t, productID))
	assert.Equal(t, int64(50000), f.balance(t, userID))
}

func TestPlaceOrder_InactiveProduct(t *testing.T) {
	f := newFixture(t, nil)
	userID := f.user(t, 50000)
	active := f.product(t, "keyboard", 10000, 5)
	retired, err := f.repo.CreateProduct(context.Background(), model.Product{Name: "old mouse", Price: 500, Stock: 3})
	require.NoError(t, err)

	_, err = f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{
		{ProductID: active, Quantity: 1},
		{ProductID: retired.ID, Quantity: 1},
	})
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "product_id", ve.Field)

	assert.Equal(t, 5, f.stock(t, active))
	assert.Equal(t, 3, f.stock(t, retired.ID))
	assert.Equal(t, int64(50000), f.balance(t, userID))
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		userID int64
		lines  []model.LineRequest
	}{
		{name: "no lines", userID: 1, lines: nil},
		{name: "zero quantity", userID: 1, lines: []model.LineRequest{{ProductID: 1, Quantity: 0}}},
		{name: "bad user", userID: 0, lines: []model.LineRequest{{ProductID: 1, Quantity: 1}}},
		{name: "merged quantity overflows", userID: 1, lines: []model.LineRequest{
			{ProductID: 1, Quantity: math.MaxInt},
			{ProductID: 1, Quantity: 1},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), tt.userID, tt.lines)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestPlaceOrder_MergesDuplicateLines(t *testing.T) {
	f := newFixture(t, nil)
	userID := f.user(t, 50000)
	productID := f.product(t, "mouse", 2500, 10)

	res, err := f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{
		{ProductID: productID, Quantity: 2},
		{ProductID: productID, Quantity: 3},
	})
	require.NoError(t, err)

	require.Len(t, res.Lines, 1)
	assert.Equal(t, 5, res.Lines[0].Quantity)
	assert.Equal(t, 5, f.stock(t, productID))
	assert.Equal(t, int64(37500), f.balance(t, userID))
}

func TestPlaceOrder_StockFailureCompensates(t *testing.T) {
	var faulty *faultyRepo
	f := newFixture(t, func(m *repository.MemoryRepository) Repository {
		faulty = &faultyRepo{MemoryRepository: m, staleStock: map[int64]int{}}
		return faulty
	})
	userID := f.user(t, 100000)
	first := f.product(t, "keyboard", 10000, 10)
	second := f.product(t, "monitor", 20000, 1)

	// устаревшее значение проходит предварительную проверку
	faulty.staleStock[second] = 100

	_, err := f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{
		{ProductID: second, Quantity: 2},
		{ProductID: first, Quantity: 3},
	})

	var is *model.InsufficientStockError
	require.True(t, errors.As(err, &is), "got %v", err)
	assert.Equal(t, second, is.ProductID)

	assert.Equal(t, int64(100000), f.balance(t, userID))
	assert.Equal(t, 10, f.stock(t, first))
	assert.Equal(t, 1, f.stock(t, second))
	assert.Empty(t, f.sink.Calls())

	history, err := f.svc.GetBalanceHistory(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.BalanceEntryRefund, history[0].Kind)
	assert.Equal(t, model.BalanceEntryUse, history[1].Kind)
	assert.Equal(t, model.BalanceEntryCharge, history[2].Kind)
}

func TestPlaceOrder_SaveFailureCompensates(t *testing.T) {
	f := newFixture(t, func(m *repository.MemoryRepository) Repository {
		return &faultyRepo{MemoryRepository: m, saveErr: errors.New("connection reset")}
	})
	userID := f.user(t, 50000)
	productID := f.product(t, "keyboard", 10000, 5)

	_, err := f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{{ProductID: productID, Quantity: 2}})

	var pe *model.PersistenceError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, "save order", pe.Op)

	assert.Equal(t, int64(50000), f.balance(t, userID))
	assert.Equal(t, 5, f.stock(t, productID))
	assert.Empty(t, f.sink.Calls())
}

// refundConflicts отклоняет первые left записей возврата как конкурентные.
type refundConflicts struct {
	*repository.MemoryRepository
	mu       sync.Mutex
	left     int
	attempts int
}

func (r *refundConflicts) SaveBalance(ctx context.Context, rec model.BalanceRecord, entry model.BalanceEntry) (model.BalanceRecord, error) {
	if entry.Kind == model.BalanceEntryRefund {
		r.mu.Lock()
		r.attempts++
		busy := r.left > 0
		if busy {
			r.left--
		}
		r.mu.Unlock()
		if busy {
			return model.BalanceRecord{}, repository.ErrVersionConflict
		}
	}
	return r.MemoryRepository.SaveBalance(ctx, rec, entry)
}

func TestPlaceOrder_CompensationOutlastsRefundConflicts(t *testing.T) {
	mem := repository.NewMemoryRepository()
	faulty := &faultyRepo{MemoryRepository: mem, staleStock: map[int64]int{}}
	balanceStore := &refundConflicts{MemoryRepository: mem, left: 5}

	policy := retry.Policy{Attempts: 3, Delay: time.Millisecond, IsConflict: retry.IsConflict}
	svc := NewService(faulty,
		ledger.NewBalanceLedger(balanceStore, policy, ledger.DefaultMaxCredit, zap.NewNop()),
		ledger.NewStockLedger(mem, policy, zap.NewNop()),
		nil, zap.NewNop())

	ctx := context.Background()
	u, err := svc.CreateUser(ctx, "buyer")
	require.NoError(t, err)
	_, err = svc.ChargePoints(ctx, u.ID, 60000, "")
	require.NoError(t, err)
	first, err := svc.CreateProduct(ctx, model.Product{Name: "keyboard", Price: 10000, Stock: 10})
	require.NoError(t, err)
	second, err := svc.CreateProduct(ctx, model.Product{Name: "monitor", Price: 20000, Stock: 1})
	require.NoError(t, err)
	faulty.staleStock[second.ID] = 5

	_, err = svc.PlaceOrder(ctx, u.ID, []model.LineRequest{
		{ProductID: first.ID, Quantity: 2},
		{ProductID: second.ID, Quantity: 2},
	})
	var is *model.InsufficientStockError
	require.True(t, errors.As(err, &is), "got %v", err)

	assert.Greater(t, balanceStore.attempts, policy.Attempts)
	balance, err := svc.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), balance)

	left, err := mem.CurrentStock(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, left)
}

func TestPlaceOrder_NotificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.err = errors.New("receiver down")
	userID := f.user(t, 50000)
	productID := f.product(t, "keyboard", 10000, 5)

	res, err := f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{{ProductID: productID, Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, res.Status)
	assert.Len(t, f.sink.Calls(), 2)
	assert.Equal(t, 4, f.stock(t, productID))
}

func TestPlaceOrder_ConcurrentOrdersForLastUnits(t *testing.T) {
	f := newFixture(t, nil)
	productID := f.product(t, "keyboard", 1000, 10)
	users := []int64{f.user(t, 50000), f.user(t, 50000)}

	var wg sync.WaitGroup
	errs := make([]error, len(users))
	for i, userID := range users {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			_, errs[i] = f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{{ProductID: productID, Quantity: 6}})
		}(i, userID)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		var is *model.InsufficientStockError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &is):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, 4, f.stock(t, productID))
	assert.Equal(t, int64(50000+44000), f.balance(t, users[0])+f.balance(t, users[1]))
}

func TestPlaceOrder_ConcurrentInvariants(t *testing.T) {
	f := newFixture(t, nil)

	products := []int64{
		f.product(t, "keyboard", 700, 7),
		f.product(t, "mouse", 300, 5),
		f.product(t, "monitor", 1100, 3),
	}
	initialStock := map[int64]int{products[0]: 7, products[1]: 5, products[2]: 3}
	prices := map[int64]int64{products[0]: 700, products[1]: 300, products[2]: 1100}

	const users = 8
	const initialBalance = 3000
	userIDs := make([]int64, users)
	for i := range userIDs {
		userIDs[i] = f.user(t, initialBalance)
	}

	var (
		mu     sync.Mutex
		placed []*model.OrderResult
		wg     sync.WaitGroup
	)
	for i, userID := range userIDs {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				// разные пользователи берут товары в разном порядке
				lines := []model.LineRequest{
					{ProductID: products[(i+j)%3], Quantity: 1 + j%2},
					{ProductID: products[(i+j+1)%3], Quantity: 1},
				}
				res, err := f.svc.PlaceOrder(context.Background(), userID, lines)
				if err != nil {
					var is *model.InsufficientStockError
					var ib *model.InsufficientBalanceError
					if !errors.As(err, &is) && !errors.As(err, &ib) {
						t.Errorf("unexpected error: %v", err)
					}
					continue
				}
				mu.Lock()
				placed = append(placed, res)
				mu.Unlock()
			}
		}(i, userID)
	}
	wg.Wait()

	sold := make(map[int64]int)
	spent := make(map[int64]int64)
	for _, o := range placed {
		spent[o.UserID] += o.TotalAmount
		for _, l := range o.Lines {
			sold[l.ProductID] += l.Quantity
		}
	}

	for _, id := range products {
		left := f.stock(t, id)
		assert.GreaterOrEqual(t, left, 0)
		assert.Equal(t, initialStock[id]-sold[id], left, "product %d", id)
	}
	for _, id := range userIDs {
		left := f.balance(t, id)
		assert.GreaterOrEqual(t, left, int64(0))
		assert.Equal(t, int64(initialBalance)-spent[id], left, "user %d", id)
	}
	for _, o := range placed {
		var total int64
		for _, l := range o.Lines {
			total += prices[l.ProductID] * int64(l.Quantity)
		}
		assert.Equal(t, total, o.TotalAmount)
	}
}

func TestPlaceOrder_ConcurrentOrdersOfOneUser(t *testing.T) {
	f := newFixture(t, nil)
	productID := f.product(t, "mouse", 700, 100)

	const initialBalance = 3000
	userID := f.user(t, initialBalance)

	const orders = 12
	var wg sync.WaitGroup
	results := make([]*model.OrderResult, orders)
	errs := make([]error, orders)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.PlaceOrder(context.Background(), userID, []model.LineRequest{{ProductID: productID, Quantity: 1}})
		}(i)
	}
	wg.Wait()

	var (
		spent int64
		ok    int
	)
	for i, err := range errs {
		if err == nil {
			ok++
			spent += results[i].TotalAmount
			continue
		}
		var ib *model.InsufficientBalanceError
		var ce *model.ConcurrencyExhaustedError
		if !errors.As(err, &ib) && !errors.As(err, &ce) {
			t.Errorf("unexpected error: %v", err)
		}
	}

	assert.GreaterOrEqual(t, ok, 1)
	assert.LessOrEqual(t, ok, initialBalance/700)

	left := f.balance(t, userID)
	assert.GreaterOrEqual(t, left, int64(0))
	assert.Equal(t, int64(initialBalance)-spent, left)
	assert.Equal(t, 100-ok, f.stock(t, productID))
}

func TestChargePoints(t *testing.T) {
	f := newFixture(t, nil)
	userID := f.user(t, 0)

	balance, err := f.svc.ChargePoints(context.Background(), userID, 1500, "welcome bonus")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)

	_, err = f.svc.ChargePoints(context.Background(), userID, ledger.DefaultMaxCredit+1, "")
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = f.svc.ChargePoints(context.Background(), 777, 100, "")
	assert.True(t, model.IsNotFound(err))

	history, err := f.svc.GetBalanceHistory(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "welcome bonus", history[0].Description)
}

func TestGetBalance_PersistenceFailure(t *testing.T) {
	f := newFixture(t, func(m *repository.MemoryRepository) Repository {
		return &faultyRepo{MemoryRepository: m, existsErr: errors.New("pool closed")}
	})

	_, err := f.svc.GetBalance(context.Background(), 1)
	var pe *model.PersistenceError
	assert.True(t, errors.As(err, &pe))
}

func TestProducts(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateProduct(context.Background(), model.Product{Name: " ", Price: 10})
	assert.ErrorIs(t, err, model.ErrValidation)

	id := f.product(t, "keyboard", 10000, 2)

	p, err := f.svc.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, p.Active)

	stock, err := f.svc.RestockProduct(context.Background(), id, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, stock)

	_, err = f.svc.RestockProduct(context.Background(), 404, 3)
	assert.True(t, model.IsNotFound(err))

	_, err = f.svc.GetProduct(context.Background(), 404)
	assert.True(t, model.IsNotFound(err))

	_, err = f.svc.GetOrder(context.Background(), 404)
	assert.True(t, model.IsNotFound(err))
}
