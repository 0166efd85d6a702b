package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
)

type fakeCarrier struct {
	shipment    *CarrierShipment
	shipmentErr error
	label       *CarrierLabel
	labelErr    error
	labelCalls  int
	lastRequest CarrierShipmentRequest
}

func (c *fakeCarrier) CreateShipment(_ context.Context, req CarrierShipmentRequest) (*CarrierShipment, error) {
	c.lastRequest = req
	return c.shipment, c.shipmentErr
}

func (c *fakeCarrier) CreateLabel(_ context.Context, _, _ string) (*CarrierLabel, error) {
	c.labelCalls++
	return c.label, c.labelErr
}

func testRequest() Request {
	return Request{
		From:           models.Address{Name: "Seller", City: "Madrid", Country: "ES"},
		To:             models.Address{Name: "Buyer", City: "Berlin", Country: "DE"},
		ParcelTemplate: "small_box",
		WeightGrams:    800,
	}
}

func TestCreateShipmentPicksCheapestRate(t *testing.T) {
	carrier := &fakeCarrier{shipment: &CarrierShipment{
		ObjectID: "shp-1",
		Rates: []CarrierRate{
			{ObjectID: "r-1", Amount: "12.40", Currency: "EUR"},
			{ObjectID: "r-2", Amount: "6.95", Currency: "EUR"},
			{ObjectID: "r-3", Amount: "1.00", Currency: "USD"},
			{ObjectID: "r-4", Amount: "oops", Currency: "EUR"},
		},
	}}
	svc := NewService(carrier, nil, "EUR")

	q, err := svc.CreateShipment(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, Quote{ShipmentID: "shp-1", RateID: "r-2", Amount: 695, Currency: "EUR"}, q)
	require.Len(t, carrier.lastRequest.Parcels, 1)
	assert.Equal(t, int64(800), carrier.lastRequest.Parcels[0].WeightGrams)
	assert.Equal(t, "Berlin", carrier.lastRequest.AddressTo.City)

	rate, err := svc.Quote(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "r-2", rate.ID)
}

func TestShipmentErrorReasons(t *testing.T) {
	t.Run("dimensions missing", func(t *testing.T) {
		carrier := &fakeCarrier{}
		req := testRequest()
		req.ParcelTemplate = ""
		_, err := NewService(carrier, nil, "EUR").CreateShipment(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, ReasonDimensionsMissing, apperr.Reason(err))
		assert.Equal(t, http.StatusUnprocessableEntity, apperr.HTTPStatus(err))
	})

	t.Run("no rates", func(t *testing.T) {
		carrier := &fakeCarrier{shipment: &CarrierShipment{ObjectID: "shp-1"}}
		_, err := NewService(carrier, nil, "EUR").CreateShipment(context.Background(), testRequest())
		require.Error(t, err)
		assert.Equal(t, ReasonRateUnavailable, apperr.Reason(err))
	})

	t.Run("carrier down", func(t *testing.T) {
		carrier := &fakeCarrier{shipmentErr: apperr.Unavailable(ReasonRateUnavailable, errors.New("503"))}
		_, err := NewService(carrier, nil, "EUR").CreateShipment(context.Background(), testRequest())
		require.Error(t, err)
		assert.Equal(t, apperr.KindExternalUnavailable, apperr.Kind(err))
	})
}

func TestGenerateLabel(t *testing.T) {
	carrier := &fakeCarrier{label: &CarrierLabel{
		ObjectID: "lbl-1", Status: "SUCCESS", LabelURL: "https://labels/1.pdf",
		TrackingNumber: "TRK1", TrackingURL: "https://track/TRK1", TrackingStatus: "PRE_TRANSIT",
	}}
	l, err := NewService(carrier, nil, "EUR").GenerateLabel(context.Background(), "r-2", "order-1")
	require.NoError(t, err)
	assert.Equal(t, "lbl-1", l.LabelID)
	assert.Equal(t, "TRK1", l.TrackingNumber)

	carrier.label = &CarrierLabel{Status: "ERROR"}
	_, err = NewService(carrier, nil, "EUR").GenerateLabel(context.Background(), "r-2", "order-1")
	require.Error(t, err)
	assert.Equal(t, ReasonLabelGenerationFailed, apperr.Reason(err))
	assert.Equal(t, apperr.KindExternalUnavailable, apperr.Kind(err))
}

func TestCarrierClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ShippoToken tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/shipments":
			_ = json.NewEncoder(w).Encode(CarrierShipment{ObjectID: "shp-9", Rates: []CarrierRate{{ObjectID: "r-9", Amount: "4.50", Currency: "EUR"}}})
		case "/transactions":
			var req carrierLabelRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, "r-9", req.Rate)
			assert.Equal(t, "order order-9", req.Metadata)
			http.Error(w, "carrier exploded", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewCarrierClient(CarrierConfig{BaseURL: srv.URL, Token: "tok"})
	svc := NewService(c, nil, "EUR")

	q, err := svc.CreateShipment(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(450), q.Amount)

	_, err = svc.GenerateLabel(context.Background(), q.RateID, "order-9")
	require.Error(t, err)
	assert.Equal(t, ReasonLabelGenerationFailed, apperr.Reason(err))
	assert.Equal(t, apperr.KindExternalUnavailable, apperr.Kind(err))
}
