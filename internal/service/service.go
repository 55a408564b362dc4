// Package service реализует бизнес-логику сервиса расчётов по заказам.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-settlement/internal/ledger"
	"github.com/mmeshcher/commerce-settlement/internal/model"
	"github.com/mmeshcher/commerce-settlement/internal/repository"
)

// UserDirectory описывает хранилище пользователей.
type UserDirectory interface {
	CreateUser(ctx context.Context, name string) (model.User, error)
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// ProductCatalog описывает хранилище товаров.
type ProductCatalog interface {
	CreateProduct(ctx context.Context, p model.Product) (model.Product, error)
	GetProduct(ctx context.Context, productID int64) (model.Product, error)
	ProductExists(ctx context.Context, productID int64) (bool, error)
	BatchLookup(ctx context.Context, productIDs []int64) (map[int64]model.ProductSnapshot, error)
	CurrentStock(ctx context.Context, productID int64) (int, error)
}

// OrderStore описывает хранилище заказов.
type OrderStore interface {
	SaveOrder(ctx context.Context, o model.Order) (model.Order, error)
	FindOrder(ctx context.Context, orderID int64) (model.Order, error)
	DeleteOrder(ctx context.Context, orderID int64) error
}

// HistoryStore возвращает историю операций с баллами.
type HistoryStore interface {
	ListBalanceHistory(ctx context.Context, userID int64) ([]model.BalanceEntry, error)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	UserDirectory
	ProductCatalog
	OrderStore
	HistoryStore
	Close() error
}

// NotificationSink принимает уведомления об оформленных заказах.
type NotificationSink interface {
	PublishOrderCreated(ctx context.Context, order model.Order) error
	PublishPaymentCompleted(ctx context.Context, order model.Order) error
}

// Service содержит бизнес-логику оформления и оплаты заказов.
type Service struct {
	repo     Repository
	balances *ledger.BalanceLedger
	stock    *ledger.StockLedger
	refunds  *ledger.BalanceLedger
	restock  *ledger.StockLedger
	sink     NotificationSink
	logger   *zap.Logger
	now      func() time.Time
}

// NewService создаёт сервис с указанным репозиторием, учётом баланса и остатков и приёмником уведомлений.
func NewService(repo Repository, balances *ledger.BalanceLedger, stock *ledger.StockLedger, sink NotificationSink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:     repo,
		balances: balances,
		stock:    stock,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
	// Откат оплаты повторяет конфликтующие записи до успеха.
	if balances != nil {
		s.refunds = balances.Persistent()
	}
	if stock != nil {
		s.restock = stock.Persistent()
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateUser регистрирует нового пользователя.
func (s *Service) CreateUser(ctx context.Context, name string) (model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.User{}, &model.ValidationError{Field: "name", Message: "must not be blank"}
	}

	u, err := s.repo.CreateUser(ctx, name)
	if err != nil {
		return model.User{}, &model.PersistenceError{Op: "create user", Err: err}
	}
	return u, nil
}

// CreateProduct добавляет товар в каталог.
func (s *Service) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	p.Name = strings.TrimSpace(p.Name)
	switch {
	case p.Name == "":
		return model.Product{}, &model.ValidationError{Field: "name", Message: "must not be blank"}
	case p.Price <= 0:
		return model.Product{}, &model.ValidationError{Field: "price", Message: "must be positive"}
	case p.Stock < 0:
		return model.Product{}, &model.ValidationError{Field: "stock", Message: "must not be negative"}
	}
	p.Active = true

	created, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return model.Product{}, &model.PersistenceError{Op: "create product", Err: err}
	}
	return created, nil
}

// GetProduct возвращает товар по идентификатору.
func (s *Service) GetProduct(ctx context.Context, productID int64) (model.Product, error) {
	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return model.Product{}, &model.NotFoundError{Entity: model.EntityProduct, ID: productID}
		}
		return model.Product{}, &model.PersistenceError{Op: "get product", Err: err}
	}
	return p, nil
}

// RestockProduct увеличивает остаток товара и возвращает новое значение.
func (s *Service) RestockProduct(ctx context.Context, productID int64, quantity int) (int, error) {
	if productID <= 0 {
		return 0, &model.ValidationError{Field: "product_id", Message: "must be positive"}
	}
	stock, err := s.stock.Increase(ctx, productID, quantity)
	if err != nil {
		return 0, classify("restock product", err)
	}
	return stock, nil
}

// ChargePoints пополняет баланс пользователя и возвращает новый баланс.
func (s *Service) ChargePoints(ctx context.Context, userID, amount int64, description string) (int64, error) {
	if err := s.ensureUser(ctx, userID); err != nil {
		return 0, err
	}
	if strings.TrimSpace(description) == "" {
		description = "points charge"
	}

	balance, err := s.balances.Credit(ctx, userID, amount, description)
	if err != nil {
		return 0, classify("charge points", err)
	}

	s.logger.Info("points charged",
		zap.Int64("userID", userID),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance),
	)
	return balance, nil
}

// GetBalance возвращает текущий баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (int64, error) {
	if err := s.ensureUser(ctx, userID); err != nil {
		return 0, err
	}
	balance, err := s.balances.Balance(ctx, userID)
	if err != nil {
		return 0, classify("get balance", err)
	}
	return balance, nil
}

// GetBalanceHistory возвращает операции с баллами пользователя, новые первыми.
func (s *Service) GetBalanceHistory(ctx context.Context, userID int64) ([]model.BalanceEntry, error) {
	if err := s.ensureUser(ctx, userID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListBalanceHistory(ctx, userID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "list balance history", Err: err}
	}
	return entries, nil
}

// GetOrder возвращает сохранённый заказ.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*model.OrderResult, error) {
	o, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, &model.NotFoundError{Entity: model.EntityOrder, ID: orderID}
		}
		return nil, &model.PersistenceError{Op: "find order", Err: err}
	}
	return model.NewOrderResult(o), nil
}

func (s *Service) ensureUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return &model.ValidationError{Field: "user_id", Message: "must be positive"}
	}
	ok, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return &model.PersistenceError{Op: "check user", Err: err}
	}
	if !ok {
		return &model.NotFoundError{Entity: model.EntityUser, ID: userID}
	}
	return nil
}

// classify оставляет доменные ошибки как есть, а сбои хранилища оборачивает в PersistenceError.
func classify(op string, err error) error {
	var (
		nf *model.NotFoundError
		is *model.InsufficientStockError
		ib *model.InsufficientBalanceError
		ce *model.ConcurrencyExhaustedError
		pe *model.PersistenceError
	)
	switch {
	case errors.Is(err, model.ErrValidation),
		errors.As(err, &nf),
		errors.As(err, &is),
		errors.As(err, &ib),
		errors.As(err, &ce),
		errors.As(err, &pe),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &model.PersistenceError{Op: op, Err: err}
}
