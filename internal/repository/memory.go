package repository

import (
	"context"
	"sync"
	"time"

	"github.com/mmeshcher/commerce-settlement/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Реализует тот же контракт,
// что и PostgresRepository: условная запись баланса по версии и
// эксклюзивная блокировка остатка на уровне одного товара.
type MemoryRepository struct {
	mu sync.RWMutex

	users    map[int64]model.User
	products map[int64]model.Product
	balances map[int64]model.BalanceRecord
	history  map[int64][]model.BalanceEntry
	orders   map[int64]model.Order

	productLocks map[int64]*sync.Mutex

	lastUserID    int64
	lastProductID int64
	lastOrderID   int64
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:        make(map[int64]model.User),
		products:     make(map[int64]model.Product),
		balances:     make(map[int64]model.BalanceRecord),
		history:      make(map[int64][]model.BalanceEntry),
		orders:       make(map[int64]model.Order),
		productLocks: make(map[int64]*sync.Mutex),
	}
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error { return nil }

// CreateUser регистрирует пользователя и назначает ему идентификатор.
func (r *MemoryRepository) CreateUser(_ context.Context, name string) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastUserID++
	u := model.User{ID: r.lastUserID, Name: name, CreatedAt: time.Now()}
	r.users[u.ID] = u
	return u, nil
}

// UserExists сообщает, зарегистрирован ли пользователь.
func (r *MemoryRepository) UserExists(_ context.Context, userID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.users[userID]
	return ok, nil
}

// CreateProduct добавляет товар и назначает ему идентификатор.
func (r *MemoryRepository) CreateProduct(_ context.Context, p model.Product) (model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastProductID++
	now := time.Now()
	p.ID = r.lastProductID
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	r.products[p.ID] = p
	r.productLocks[p.ID] = &sync.Mutex{}
	return p, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *MemoryRepository) GetProduct(_ context.Context, productID int64) (model.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[productID]
	if !ok {
		return model.Product{}, ErrProductNotFound
	}
	return p, nil
}

// ProductExists сообщает, есть ли товар в каталоге.
func (r *MemoryRepository) ProductExists(_ context.Context, productID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.products[productID]
	return ok, nil
}

// BatchLookup возвращает снимки найденных товаров. Отсутствующие идентификаторы пропускаются.
func (r *MemoryRepository) BatchLookup(_ context.Context, productIDs []int64) (map[int64]model.ProductSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make(map[int64]model.ProductSnapshot, len(productIDs))
	for _, id := range productIDs {
		if p, ok := r.products[id]; ok {
			res[id] = model.ProductSnapshot{ID: p.ID, Name: p.Name, UnitPrice: p.Price, Active: p.Active}
		}
	}
	return res, nil
}

// CurrentStock возвращает текущий остаток товара.
func (r *MemoryRepository) CurrentStock(_ context.Context, productID int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[productID]
	if !ok {
		return 0, ErrProductNotFound
	}
	return p.Stock, nil
}

// UpdateStock удерживает мьютекс товара на время чтения, вычисления и записи.
// Обновления разных товаров друг друга не блокируют.
func (r *MemoryRepository) UpdateStock(ctx context.Context, productID int64, mutate func(model.StockRecord) (model.StockRecord, error)) (model.StockRecord, error) {
	r.mu.RLock()
	lock, ok := r.productLocks[productID]
	r.mu.RUnlock()
	if !ok {
		return model.StockRecord{}, ErrProductNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return model.StockRecord{}, err
	}

	r.mu.RLock()
	p := r.products[productID]
	r.mu.RUnlock()

	cur := model.StockRecord{ProductID: productID, Quantity: p.Stock, Version: p.Version}
	next, err := mutate(cur)
	if err != nil {
		return model.StockRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.products[productID]
	if stored.Version != cur.Version {
		return model.StockRecord{}, ErrVersionConflict
	}
	stored.Stock = next.Quantity
	stored.Version++
	stored.UpdatedAt = time.Now()
	r.products[productID] = stored

	next.ProductID = productID
	next.Version = stored.Version
	return next, nil
}

// GetBalance возвращает запись баланса пользователя.
func (r *MemoryRepository) GetBalance(_ context.Context, userID int64) (model.BalanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.balances[userID]
	if !ok {
		return model.BalanceRecord{}, ErrBalanceNotFound
	}
	return rec, nil
}

// SaveBalance записывает баланс только если хранимая версия совпадает с rec.Version.
func (r *MemoryRepository) SaveBalance(_ context.Context, rec model.BalanceRecord, entry model.BalanceEntry) (model.BalanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[rec.UserID]; !ok {
		return model.BalanceRecord{}, ErrUserNotFound
	}

	stored, exists := r.balances[rec.UserID]
	if rec.IsNew() && exists {
		return model.BalanceRecord{}, ErrVersionConflict
	}
	if !rec.IsNew() && (!exists || stored.Version != rec.Version) {
		return model.BalanceRecord{}, ErrVersionConflict
	}

	rec.Version++
	rec.UpdatedAt = entry.CreatedAt
	r.balances[rec.UserID] = rec
	r.history[rec.UserID] = append(r.history[rec.UserID], entry)
	return rec, nil
}

// ListBalanceHistory возвращает историю операций с баллами, новые записи первыми.
func (r *MemoryRepository) ListBalanceHistory(_ context.Context, userID int64) ([]model.BalanceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.history[userID]
	res := make([]model.BalanceEntry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		res = append(res, src[i])
	}
	return res, nil
}

// SaveOrder сохраняет заказ и возвращает его копию с идентификатором.
func (r *MemoryRepository) SaveOrder(_ context.Context, o model.Order) (model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[o.UserID]; !ok {
		return model.Order{}, ErrUserNotFound
	}

	r.lastOrderID++
	saved := o.WithID(r.lastOrderID)
	r.orders[saved.ID] = saved
	return saved.WithID(saved.ID), nil
}

// FindOrder возвращает заказ по идентификатору.
func (r *MemoryRepository) FindOrder(_ context.Context, orderID int64) (model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[orderID]
	if !ok {
		return model.Order{}, ErrOrderNotFound
	}
	return o.WithID(o.ID), nil
}

// DeleteOrder удаляет заказ.
func (r *MemoryRepository) DeleteOrder(_ context.Context, orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[orderID]; !ok {
		return ErrOrderNotFound
	}
	delete(r.orders, orderID)
	return nil
}
