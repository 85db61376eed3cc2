// Package storefront fetches the application's in-app product catalog.
package storefront

import (
	"context"
	"net/http"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pushbeam/beam/errs"
	"github.com/pushbeam/beam/internal/rest"
)

// Product is one purchasable catalog entry. Prices are exact decimals; the
// backend sends them as strings to avoid float drift.
type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Active   bool            `json:"active"`
}

type catalogResponse struct {
	Products []Product `json:"products"`
}

// Catalog reads the product list through the request pipeline.
type Catalog struct {
	client *rest.Client
}

func NewCatalog(client *rest.Client) *Catalog {
	return &Catalog{client: client}
}

// Fetch returns all active products, cheapest first.
func (c *Catalog) Fetch(ctx context.Context) ([]Product, error) {
	var decoded catalogResponse
	err := c.client.NewRequest(http.MethodGet, "/product").
		Query("active", "true").
		Execute(ctx, &decoded)
	if err != nil {
		return nil, err
	}

	products := make([]Product, 0, len(decoded.Products))
	for _, p := range decoded.Products {
		if !p.Active {
			continue
		}
		if p.Price.IsNegative() {
			return nil, errs.New("/product", errs.CodeParsing,
				errs.WithMessage("negative price for product "+p.ID))
		}
		products = append(products, p)
	}
	sort.SliceStable(products, func(i, j int) bool {
		return products[i].Price.LessThan(products[j].Price)
	})
	return products, nil
}

// Total sums the prices of the given products. All products must share a
// currency; mixing currencies is a caller bug surfaced as an error.
func Total(products []Product) (decimal.Decimal, string, error) {
	total := decimal.Zero
	currency := ""
	for _, p := range products {
		if currency == "" {
			currency = p.Currency
		} else if p.Currency != currency {
			return decimal.Zero, "", errs.New("/product", errs.CodeInvalid,
				errs.WithMessage("mixed currencies in total"))
		}
		total = total.Add(p.Price)
	}
	return total, currency, nil
}
