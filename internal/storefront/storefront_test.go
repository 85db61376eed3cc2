package storefront_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pushbeam/beam/config"
	"github.com/pushbeam/beam/errs"
	"github.com/pushbeam/beam/internal/infra/persistence/memory"
	"github.com/pushbeam/beam/internal/rest"
	"github.com/pushbeam/beam/internal/storefront"
)

func newCatalog(t *testing.T, body string, status int) *storefront.Catalog {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/product", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("active"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Credentials = config.AppCredentials{Key: "k", Secret: "s"}
	cfg.Services.RESTBaseURL = server.URL
	return storefront.NewCatalog(rest.NewClient(cfg, memory.NewDeviceStore()))
}

func TestFetchSortsActiveProductsByPrice(t *testing.T) {
	catalog := newCatalog(t, `{"products":[
		{"id":"gold","name":"Gold","type":"consumable","price":"9.99","currency":"EUR","active":true},
		{"id":"starter","name":"Starter","type":"consumable","price":"0.99","currency":"EUR","active":true},
		{"id":"legacy","name":"Legacy","type":"consumable","price":"4.99","currency":"EUR","active":false}
	]}`, http.StatusOK)

	products, err := catalog.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "starter", products[0].ID)
	require.Equal(t, "gold", products[1].ID)
	require.True(t, products[0].Price.Equal(decimal.RequireFromString("0.99")))
}

func TestFetchRejectsNegativePrice(t *testing.T) {
	catalog := newCatalog(t, `{"products":[
		{"id":"broken","name":"Broken","type":"consumable","price":"-1.00","currency":"EUR","active":true}
	]}`, http.StatusOK)

	_, err := catalog.Fetch(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.CodeParsing, errs.CodeOf(err))
}

func TestFetchSurfacesBackendRejection(t *testing.T) {
	catalog := newCatalog(t, `{"error":"forbidden"}`, http.StatusForbidden)

	_, err := catalog.Fetch(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestTotalExactArithmetic(t *testing.T) {
	products := []storefront.Product{
		{ID: "a", Price: decimal.RequireFromString("0.10"), Currency: "EUR"},
		{ID: "b", Price: decimal.RequireFromString("0.20"), Currency: "EUR"},
	}
	total, currency, err := storefront.Total(products)
	require.NoError(t, err)
	require.Equal(t, "EUR", currency)
	require.True(t, total.Equal(decimal.RequireFromString("0.30")))
}

func TestTotalRejectsMixedCurrencies(t *testing.T) {
	products := []storefront.Product{
		{ID: "a", Price: decimal.New(1, 0), Currency: "EUR"},
		{ID: "b", Price: decimal.New(1, 0), Currency: "USD"},
	}
	_, _, err := storefront.Total(products)
	require.Error(t, err)
}
