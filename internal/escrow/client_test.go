package escrow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
)

func TestCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/charge", r.URL.Path)
		assert.Equal(t, "10000", r.URL.Query().Get("price"))
		assert.Equal(t, "EUR", r.URL.Query().Get("currency"))
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		_ = json.NewEncoder(w).Encode(Charge{Charge: 380, ChargeCalculatorVersion: 7})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "key"})
	got, err := c.Charge(context.Background(), 10000, "EUR")
	require.NoError(t, err)
	assert.Equal(t, Charge{Charge: 380, ChargeCalculatorVersion: 7}, got)
}

func TestCreateTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req CreateTransactionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "buyer-ext", req.BuyerID)
		assert.Equal(t, int64(9000), req.Price)
		_ = json.NewEncoder(w).Encode(Transaction{ID: "tx-1", Status: "created", Price: req.Price})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	tx, err := c.CreateTransaction(context.Background(), CreateTransactionRequest{BuyerID: "buyer-ext", SellerID: "seller-ext", Price: 9000})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind string
	}{
		{name: "declined", status: http.StatusBadRequest, wantKind: apperr.KindExternalRejected},
		{name: "server error", status: http.StatusBadGateway, wantKind: apperr.KindExternalUnavailable},
		{name: "throttled", status: http.StatusTooManyRequests, wantKind: apperr.KindExternalUnavailable},
		{name: "missing", status: http.StatusNotFound, wantKind: apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(Config{BaseURL: srv.URL}).GetTransaction(context.Background(), "tx-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.Kind(err))
		})
	}
}

func TestTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, HTTP: &http.Client{Timeout: 20 * time.Millisecond}})
	_, err := c.CreateTransaction(context.Background(), CreateTransactionRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternalUnavailable, apperr.Kind(err))
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, CodePaid, NormalizeCode("basic_tx.paid"))
	assert.Equal(t, CodeFundsReleased, NormalizeCode(" Funds_Released "))
	assert.Equal(t, Code("something_new"), NormalizeCode("something_new"))
}
