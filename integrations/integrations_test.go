package integrations

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"gitlab.ozon.dev/qwestard/marketplace/internal/escrow"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/repository"
)

// escrowProvider imitates the payment provider's HTTP API.
type escrowProvider struct {
	mu     sync.Mutex
	seq    int
	txs    map[string]*escrow.Transaction
	server *httptest.Server
}

func newEscrowProvider() *escrowProvider {
	p := &escrowProvider{txs: map[string]*escrow.Transaction{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /charge", func(w http.ResponseWriter, r *http.Request) {
		price, _ := strconv.ParseInt(r.URL.Query().Get("price"), 10, 64)
		writeJSON(w, escrow.Charge{Charge: price*3/100 + 25, ChargeCalculatorVersion: 2})
	})
	mux.HandleFunc("POST /transactions", func(w http.ResponseWriter, r *http.Request) {
		var req escrow.CreateTransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.seq++
		tx := &escrow.Transaction{
			ID: fmt.Sprintf("etx-%d", p.seq), Status: string(escrow.CodeCreated),
			BuyerID: req.BuyerID, SellerID: req.SellerID, Price: req.Price, Charge: req.Charge, Currency: req.Currency,
		}
		p.txs[tx.ID] = tx
		writeJSON(w, tx)
	})
	mux.HandleFunc("GET /transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		tx, ok := p.txs[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, tx)
	})
	p.server = httptest.NewServer(mux)
	return p
}

func (p *escrowProvider) setStatus(id string, code escrow.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tx, ok := p.txs[id]; ok {
		tx.Status = string(code)
	}
}

// carrierProvider imitates the shipping carrier and counts purchased labels.
type carrierProvider struct {
	mu     sync.Mutex
	labels map[string]int
	server *httptest.Server
}

func newCarrierProvider() *carrierProvider {
	c := &carrierProvider{labels: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /shipments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"object_id": "carrier-shp-1",
			"status":    "SUCCESS",
			"rates": []map[string]string{
				{"object_id": "rate-express", "amount": "12.50", "currency": "EUR", "provider": "DHL"},
				{"object_id": "rate-economy", "amount": "6.95", "currency": "EUR", "provider": "Correos"},
			},
		})
	})
	mux.HandleFunc("POST /transactions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Rate     string `json:"rate"`
			Metadata string `json:"metadata"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		c.mu.Lock()
		c.labels[strings.TrimPrefix(req.Metadata, "order ")]++
		c.mu.Unlock()
		writeJSON(w, map[string]string{
			"object_id":             "label-" + req.Rate,
			"status":                "SUCCESS",
			"label_url":             "https://labels.example/" + req.Rate + ".pdf",
			"tracking_number":       "TRK-" + req.Rate,
			"tracking_url_provider": "https://track.example/TRK-" + req.Rate,
			"tracking_status":       "PRE_TRANSIT",
		})
	})
	c.server = httptest.NewServer(mux)
	return c
}

func (c *carrierProvider) labelsFor(orderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.labels[orderID]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var (
	addresses = []models.Address{
		{ID: "addr-seller", Name: "Ana", Street: "Gran Via 1", City: "Madrid", Zip: "28013", Country: "ES"},
		{ID: "addr-buyer", Name: "Bo", Street: "Unter den Linden 5", City: "Berlin", Zip: "10117", Country: "DE"},
	}
	profiles = []models.Profile{
		{ID: "seller", EscrowUserID: "esc-seller", AddressID: "addr-seller"},
		{ID: "buyer", EscrowUserID: "esc-buyer", AddressID: "addr-buyer"},
	}
	items = []models.Item{
		{ID: "item-1", OwnerID: "seller", Price: 10000, Status: models.ItemStatusAvailable, Published: true,
			AddressID: "addr-seller", WeightGrams: 800, ParcelTemplate: "small_box"},
		{ID: "item-2", OwnerID: "seller", Price: 2500, Status: models.ItemStatusAvailable, Published: true,
			AddressID: "addr-seller", WeightGrams: 200, ParcelTemplate: "envelope"},
		{ID: "item-3", OwnerID: "seller", Price: 4000, Status: models.ItemStatusAvailable, Published: true,
			AddressID: "addr-seller", WeightGrams: 300, ParcelTemplate: "small_box"},
	}
)

func seedMemory(st *repository.MemoryStore) {
	for _, a := range addresses {
		st.PutAddress(a)
	}
	for _, p := range profiles {
		st.PutProfile(p)
	}
	for _, it := range items {
		st.PutItem(it)
	}
}

func seedPostgres(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE audit_logs, tasks, order_attempts, shipments, escrow_transactions,
		orders, proposals, items, profiles, addresses CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	for _, a := range addresses {
		if _, err := db.Exec(`INSERT INTO addresses (id, name, street, city, zip, country) VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, a.Name, a.Street, a.City, a.Zip, a.Country); err != nil {
			t.Fatalf("seed address: %v", err)
		}
	}
	for _, p := range profiles {
		if _, err := db.Exec(`INSERT INTO profiles (id, escrow_user_id, address_id) VALUES ($1, $2, $3)`,
			p.ID, p.EscrowUserID, p.AddressID); err != nil {
			t.Fatalf("seed profile: %v", err)
		}
	}
	for _, it := range items {
		if _, err := db.Exec(`INSERT INTO items (id, owner_id, price, status, published, address_id, weight_grams, parcel_template)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, it.OwnerID, it.Price, it.Status, it.Published, it.AddressID, it.WeightGrams, it.ParcelTemplate); err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}
}
