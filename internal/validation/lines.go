// Package validation содержит функции валидации входных данных.
package validation

import (
	"math"
	"sort"

	"github.com/mmeshcher/commerce-settlement/internal/model"
)

// NormalizeLines проверяет запрос на оформление заказа и объединяет повторяющиеся товары.
// Порядок позиций сохраняется по первому вхождению товара.
func NormalizeLines(userID int64, lines []model.LineRequest) ([]model.LineRequest, error) {
	if userID <= 0 {
		return nil, &model.ValidationError{Field: "user_id", Message: "must be positive"}
	}
	if len(lines) == 0 {
		return nil, &model.ValidationError{Field: "lines", Message: "order must contain at least one line"}
	}

	index := make(map[int64]int, len(lines))
	res := make([]model.LineRequest, 0, len(lines))

	for _, l := range lines {
		if l.ProductID <= 0 {
			return nil, &model.ValidationError{Field: "product_id", Message: "must be positive"}
		}
		if l.Quantity <= 0 {
			return nil, &model.ValidationError{Field: "quantity", Message: "must be positive"}
		}

		if i, ok := index[l.ProductID]; ok {
			if res[i].Quantity > math.MaxInt-l.Quantity {
				return nil, &model.ValidationError{Field: "quantity", Message: "quantity overflows"}
			}
			res[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(res)
		res = append(res, l)
	}

	return res, nil
}

// ProductIDs возвращает идентификаторы товаров в порядке позиций.
func ProductIDs(lines []model.LineRequest) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	return ids
}

// SortByProductID возвращает копию позиций, упорядоченную по возрастанию идентификатора товара.
// В этом порядке берутся блокировки остатков.
func SortByProductID(lines []model.LineRequest) []model.LineRequest {
	sorted := append([]model.LineRequest(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ProductID < sorted[j].ProductID
	})
	return sorted
}
