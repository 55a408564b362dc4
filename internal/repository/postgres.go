// Package repository содержит реализации хранилищ сервиса расчётов: PostgreSQL и in-memory.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/commerce-settlement/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool       *pgxpool.Pool
	readDelays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:       pool,
		readDelays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет читающие запросы при обрыве соединения.
// Конфликты записи здесь не обрабатываются, их повторяет пакет retry.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(r.readDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isConnectionError(err) || i == len(r.readDelays) {
			break
		}

		timer := time.NewTimer(r.readDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// translateWriteError приводит ошибки PostgreSQL к ошибкам репозитория.
func translateWriteError(err error, fkErr error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ForeignKeyViolation:
			return fkErr
		case pgerrcode.UniqueViolation:
			return ErrVersionConflict
		}
	}
	return err
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, name string) (model.User, error) {
	u := model.User{Name: name}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (name) VALUES ($1) RETURNING id, created_at`,
		name,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UserExists проверяет существование пользователя.
func (r *PostgresRepository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return exists, nil
}

// CreateProduct добавляет товар в каталог.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (name, description, category, price, stock, active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, version, created_at, updated_at`,
		p.Name, p.Description, p.Category, p.Price, p.Stock, p.Active,
	).Scan(&p.ID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Product{}, fmt.Errorf("create product: %w", err)
	}
	return p, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, productID int64) (model.Product, error) {
	var p model.Product
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT id, name, description, category, price, stock, active, version, created_at, updated_at
			 FROM products WHERE id = $1`,
			productID,
		).Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.Price, &p.Stock, &p.Active, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Product{}, ErrProductNotFound
		}
		return model.Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// ProductExists проверяет существование товара.
func (r *PostgresRepository) ProductExists(ctx context.Context, productID int64) (bool, error) {
	var exists bool
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check product: %w", err)
	}
	return exists, nil
}

// BatchLookup возвращает названия, цены и доступность товаров одним запросом.
func (r *PostgresRepository) BatchLookup(ctx context.Context, productIDs []int64) (map[int64]model.ProductSnapshot, error) {
	var res map[int64]model.ProductSnapshot
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, name, price, active FROM products WHERE id = ANY($1)`,
			productIDs,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = make(map[int64]model.ProductSnapshot, len(productIDs))
		for rows.Next() {
			var s model.ProductSnapshot
			if err := rows.Scan(&s.ID, &s.Name, &s.UnitPrice, &s.Active); err != nil {
				return fmt.Errorf("scan product: %w", err)
			}
			res[s.ID] = s
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("batch lookup products: %w", err)
	}
	return res, nil
}

// CurrentStock возвращает видимый сейчас остаток товара без блокировки.
func (r *PostgresRepository) CurrentStock(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrProductNotFound
		}
		return 0, fmt.Errorf("get stock: %w", err)
	}
	return stock, nil
}

// UpdateStock блокирует строку товара (SELECT ... FOR UPDATE), применяет mutate
// и записывает результат при совпадении версии.
func (r *PostgresRepository) UpdateStock(ctx context.Context, productID int64, mutate func(model.StockRecord) (model.StockRecord, error)) (model.StockRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.StockRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur := model.StockRecord{ProductID: productID}
	err = tx.QueryRow(ctx,
		`SELECT stock, version FROM products WHERE id = $1 FOR UPDATE`,
		productID,
	).Scan(&cur.Quantity, &cur.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StockRecord{}, ErrProductNotFound
		}
		return model.StockRecord{}, fmt.Errorf("lock product for update: %w", err)
	}

	next, err := mutate(cur)
	if err != nil {
		return model.StockRecord{}, err
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE products SET stock = $2, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $3`,
		productID, next.Quantity, cur.Version,
	)
	if err != nil {
		return model.StockRecord{}, fmt.Errorf("update stock: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return model.StockRecord{}, ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return model.StockRecord{}, fmt.Errorf("commit tx: %w", err)
	}

	next.ProductID = productID
	next.Version = cur.Version + 1
	return next, nil
}

// GetBalance возвращает запись баланса пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (model.BalanceRecord, error) {
	rec := model.BalanceRecord{UserID: userID}
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT balance, version, updated_at FROM user_balances WHERE user_id = $1`,
			userID,
		).Scan(&rec.Balance, &rec.Version, &rec.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BalanceRecord{}, ErrBalanceNotFound
		}
		return model.BalanceRecord{}, fmt.Errorf("get balance: %w", err)
	}
	return rec, nil
}

// SaveBalance записывает баланс, если его версия не изменилась с момента чтения,
// и в той же транзакции добавляет запись в историю.
func (r *PostgresRepository) SaveBalance(ctx context.Context, rec model.BalanceRecord, entry model.BalanceEntry) (model.BalanceRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.BalanceRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var cmdTag pgconn.CommandTag
	if rec.IsNew() {
		cmdTag, err = tx.Exec(ctx,
			`INSERT INTO user_balances (user_id, balance, version, updated_at)
			 VALUES ($1, $2, 1, $3)
			 ON CONFLICT (user_id) DO NOTHING`,
			rec.UserID, rec.Balance, entry.CreatedAt,
		)
	} else {
		cmdTag, err = tx.Exec(ctx,
			`UPDATE user_balances SET balance = $2, version = version + 1, updated_at = $3
			 WHERE user_id = $1 AND version = $4`,
			rec.UserID, rec.Balance, entry.CreatedAt, rec.Version,
		)
	}
	if err != nil {
		return model.BalanceRecord{}, fmt.Errorf("save balance: %w", translateWriteError(err, ErrUserNotFound))
	}
	if cmdTag.RowsAffected() == 0 {
		return model.BalanceRecord{}, ErrVersionConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balance_history (user_id, kind, amount, balance_after, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.UserID, string(entry.Kind), entry.Amount, entry.BalanceAfter, entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return model.BalanceRecord{}, fmt.Errorf("insert balance history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.BalanceRecord{}, fmt.Errorf("commit tx: %w", err)
	}

	rec.Version++
	rec.UpdatedAt = entry.CreatedAt
	return rec, nil
}

// ListBalanceHistory возвращает историю операций с балансом пользователя.
func (r *PostgresRepository) ListBalanceHistory(ctx context.Context, userID int64) ([]model.BalanceEntry, error) {
	var res []model.BalanceEntry
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT kind, amount, balance_after, description, created_at
			 FROM balance_history
			 WHERE user_id = $1
			 ORDER BY created_at DESC, id DESC`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("select balance history: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			e := model.BalanceEntry{UserID: userID}
			var kind string
			if err := rows.Scan(&kind, &e.Amount, &e.BalanceAfter, &e.Description, &e.CreatedAt); err != nil {
				return fmt.Errorf("scan balance entry: %w", err)
			}
			e.Kind = model.BalanceEntryKind(kind)
			res = append(res, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list balance history: %w", err)
	}

	return res, nil
}

// SaveOrder сохраняет заказ вместе с позициями и возвращает его копию с идентификатором.
func (r *PostgresRepository) SaveOrder(ctx context.Context, o model.Order) (model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, status, total_amount, ordered_at, paid_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		o.UserID, string(o.Status), o.TotalAmount, o.OrderedAt, o.PaidAt,
	).Scan(&id)
	if err != nil {
		return model.Order{}, fmt.Errorf("insert order: %w", translateWriteError(err, ErrUserNotFound))
	}

	batch := &pgx.Batch{}
	for i, l := range o.Lines() {
		batch.Queue(
			`INSERT INTO order_lines (order_id, line_no, product_id, product_name, unit_price, quantity)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, i+1, l.ProductID, l.ProductName, l.UnitPrice, l.Quantity,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return model.Order{}, fmt.Errorf("insert order lines: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Order{}, fmt.Errorf("commit tx: %w", err)
	}

	return o.WithID(id), nil
}

// FindOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) FindOrder(ctx context.Context, orderID int64) (model.Order, error) {
	var (
		userID    int64
		status    string
		total     int64
		orderedAt time.Time
		paidAt    *time.Time
	)
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT user_id, status, total_amount, ordered_at, paid_at FROM orders WHERE id = $1`,
			orderID,
		).Scan(&userID, &status, &total, &orderedAt, &paidAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, ErrOrderNotFound
		}
		return model.Order{}, fmt.Errorf("get order: %w", err)
	}

	var lines []model.OrderLine
	err = r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT product_id, product_name, unit_price, quantity
			 FROM order_lines
			 WHERE order_id = $1
			 ORDER BY line_no`,
			orderID,
		)
		if err != nil {
			return fmt.Errorf("select order lines: %w", err)
		}
		defer rows.Close()

		lines = lines[:0]
		for rows.Next() {
			var l model.OrderLine
			if err := rows.Scan(&l.ProductID, &l.ProductName, &l.UnitPrice, &l.Quantity); err != nil {
				return fmt.Errorf("scan order line: %w", err)
			}
			lines = append(lines, l)
		}
		return rows.Err()
	})
	if err != nil {
		return model.Order{}, fmt.Errorf("get order lines: %w", err)
	}

	return model.RestoreOrder(orderID, userID, model.OrderStatus(status), total, orderedAt, paidAt, lines), nil
}

// DeleteOrder удаляет заказ вместе с позициями.
func (r *PostgresRepository) DeleteOrder(ctx context.Context, orderID int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}
