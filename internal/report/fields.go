// Package report turns a ResultBundle into denormalised rows and persists them.
package report

import "github.com/JakeFAU/catalog-harvester/internal/harvest"

// Field is one selectable output column.
type Field struct {
	Key    string
	Header string
	// Width is the spreadsheet column width in characters.
	Width float64
	Value func(Row) any
}

// Catalogue lists every selectable field in display order.
var Catalogue = []Field{
	{Key: "article", Header: "Артикул", Width: 12, Value: func(r Row) any { return r.Product.Article }},
	{Key: "name", Header: "Название товара", Width: 40, Value: func(r Row) any { return r.Product.Name }},
	{Key: "seller_name", Header: "Продавец", Width: 25, Value: func(r Row) any { return r.Product.CompanyName }},
	{Key: "company_name", Header: "Название компании", Width: 30, Value: func(r Row) any { return r.CompanyName() }},
	{Key: "inn", Header: "ИНН", Width: 15, Value: func(r Row) any { return r.INN() }},
	{Key: "card_price", Header: "Цена карты", Width: 12, Value: func(r Row) any { return r.Product.CardPrice }},
	{Key: "price", Header: "Цена", Width: 12, Value: func(r Row) any { return r.Product.Price }},
	{Key: "original_price", Header: "Старая цена", Width: 12, Value: func(r Row) any { return r.Product.OriginalPrice }},
	{Key: "product_url", Header: "Ссылка товара", Width: 50, Value: func(r Row) any { return r.Product.ProductURL }},
	{Key: "image_url", Header: "Изображение", Width: 50, Value: func(r Row) any { return r.Product.ImageURL }},
	{Key: "orders_count", Header: "Заказов", Width: 12, Value: func(r Row) any { return r.Seller.OrdersCount }},
	{Key: "reviews_count", Header: "Отзывов", Width: 12, Value: func(r Row) any { return r.Seller.ReviewsCount }},
	{Key: "average_rating", Header: "Рейтинг", Width: 12, Value: func(r Row) any { return r.Seller.AverageRating }},
	{Key: "working_time", Header: "Работает с", Width: 15, Value: func(r Row) any { return r.Seller.WorkingTime }},
}

// DefaultFields is used when a request selects nothing recognisable.
var DefaultFields = []string{"name", "company_name", "product_url", "image_url"}

// Lookup returns the field with key.
func Lookup(key string) (Field, bool) {
	for _, f := range Catalogue {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// NormalizeFields keeps known keys in the caller's order and drops duplicates and
// unknown keys. When nothing survives it applies the same filter to defaults, and
// finally to DefaultFields.
func NormalizeFields(selected, defaults []string) []string {
	if out := knownFields(selected); len(out) > 0 {
		return out
	}
	if out := knownFields(defaults); len(out) > 0 {
		return out
	}
	return append([]string(nil), DefaultFields...)
}

func knownFields(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := Lookup(key); !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// Columns resolves keys to fields, skipping unknown ones.
func Columns(keys []string) []Field {
	out := make([]Field, 0, len(keys))
	for _, key := range keys {
		if f, ok := Lookup(key); ok {
			out = append(out, f)
		}
	}
	return out
}

// Row is one product joined with its seller.
type Row struct {
	Product harvest.ProductRecord
	Seller  harvest.SellerRecord
}

// CompanyName prefers the seller's legal name over the storefront name.
func (r Row) CompanyName() string {
	if r.Seller.CompanyName != "" {
		return r.Seller.CompanyName
	}
	return r.Product.CompanyName
}

// INN prefers the seller record's tax id.
func (r Row) INN() string {
	if r.Seller.INN != "" {
		return r.Seller.INN
	}
	return r.Product.INN
}

// Rows denormalises a bundle's products in product order.
func Rows(b harvest.ResultBundle) []Row {
	rows := make([]Row, 0, len(b.Products))
	for _, p := range b.Products {
		row := Row{Product: p}
		if p.SellerID != "" {
			row.Seller = b.Sellers[p.SellerID]
		}
		rows = append(rows, row)
	}
	return rows
}
