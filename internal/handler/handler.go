// Package handler содержит HTTP-обработчики API сервиса расчётов по заказам.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-settlement/internal/model"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateUser(ctx context.Context, name string) (model.User, error)
	CreateProduct(ctx context.Context, p model.Product) (model.Product, error)
	GetProduct(ctx context.Context, productID int64) (model.Product, error)
	RestockProduct(ctx context.Context, productID int64, quantity int) (int, error)
	ChargePoints(ctx context.Context, userID, amount int64, description string) (int64, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	GetBalanceHistory(ctx context.Context, userID int64) ([]model.BalanceEntry, error)
	PlaceOrder(ctx context.Context, userID int64, lines []model.LineRequest) (*model.OrderResult, error)
	GetOrder(ctx context.Context, orderID int64) (*model.OrderResult, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service  Service
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		service:  s,
		logger:   logger,
		validate: validate,
	}
}

type createUserRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type userResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUser регистрирует покупателя.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.service.CreateUser(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{ID: u.ID, Name: u.Name, CreatedAt: u.CreatedAt})
}

type createProductRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Category    string `json:"category" validate:"max=100"`
	Price       int64  `json:"price" validate:"gt=0"`
	Stock       int    `json:"stock" validate:"gte=0"`
}

type productResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Price       int64     `json:"price"`
	Stock       int       `json:"stock"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newProductResponse(p model.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Category:    p.Category,
		Price:       p.Price,
		Stock:       p.Stock,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// CreateProduct добавляет товар в каталог.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.service.CreateProduct(r.Context(), model.Product{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Price:       req.Price,
		Stock:       req.Stock,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newProductResponse(p))
}

// GetProduct возвращает товар с текущим остатком.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newProductResponse(p))
}

type restockRequest struct {
	Quantity int `json:"quantity" validate:"gt=0"`
}

type stockResponse struct {
	ProductID int64 `json:"product_id"`
	Stock     int   `json:"stock"`
}

// RestockProduct пополняет остаток товара.
func (h *Handler) RestockProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req restockRequest
	if !h.decode(w, r, &req) {
		return
	}

	stock, err := h.service.RestockProduct(r.Context(), id, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stockResponse{ProductID: id, Stock: stock})
}

type chargeRequest struct {
	UserID      int64  `json:"user_id" validate:"gt=0"`
	Amount      int64  `json:"amount" validate:"gt=0"`
	Description string `json:"description" validate:"max=255"`
}

type balanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

// ChargePoints пополняет баланс пользователя.
func (h *Handler) ChargePoints(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	balance, err := h.service.ChargePoints(r.Context(), req.UserID, req.Amount, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{UserID: req.UserID, Balance: balance})
}

// GetBalance возвращает баланс пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

type historyEntryResponse struct {
	Kind         model.BalanceEntryKind `json:"kind"`
	Amount       int64                  `json:"amount"`
	BalanceAfter int64                  `json:"balance_after"`
	Description  string                 `json:"description,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// GetBalanceHistory возвращает историю операций с баллами пользователя.
func (h *Handler) GetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	entries, err := h.service.GetBalanceHistory(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, historyEntryResponse{
			Kind:         e.Kind,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			Description:  e.Description,
			CreatedAt:    e.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type orderLineRequest struct {
	ProductID int64 `json:"product_id" validate:"gt=0"`
	Quantity  int   `json:"quantity" validate:"gt=0"`
}

type placeOrderRequest struct {
	UserID int64              `json:"user_id" validate:"gt=0"`
	Lines  []orderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// PlaceOrder оформляет и оплачивает заказ.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	lines := make([]model.LineRequest, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, model.LineRequest{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	res, err := h.service.PlaceOrder(r.Context(), req.UserID, lines)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// GetOrder возвращает оформленный заказ.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	ProductID int64  `json:"product_id,omitempty"`
	Requested int64  `json:"requested,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

// writeError переводит доменную ошибку в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *model.ValidationError
		nf *model.NotFoundError
		is *model.InsufficientStockError
		ib *model.InsufficientBalanceError
		ce *model.ConcurrencyExhaustedError
	)

	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Message, Field: ve.Field})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: nf.Error()})
	case errors.As(err, &is):
		available := int64(is.Available)
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "insufficient stock",
			ProductID: is.ProductID,
			Requested: int64(is.Requested),
			Available: &available,
		})
	case errors.As(err, &ib):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{
			Error:     "insufficient balance",
			Requested: ib.Required,
			Available: &ib.Available,
		})
	case errors.As(err, &ce):
		h.logger.Warn("concurrent modification", zap.Error(err), zap.String("uri", r.RequestURI))
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "resource is busy, retry the request"})
	case errors.Is(err, model.ErrInvalidStatusTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled):
		h.logger.Info("request canceled", zap.String("uri", r.RequestURI))
	default:
		h.logger.Error("request failed", zap.Error(err), zap.String("uri", r.RequestURI))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// decode читает JSON-тело запроса и проверяет его по тегам validate.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: "failed on the '" + verrs[0].Tag() + "' rule",
				Field: verrs[0].Field(),
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}

	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "must be a positive integer", Field: name})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
