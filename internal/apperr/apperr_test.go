package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("wrapped: %w", Conflict("item_unavailable", "item is not available"))

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation", err: Validation("bad_price", "price must be positive"), want: KindValidation},
		{name: "conflict_wrapped", err: wrapped, want: KindConflict},
		{name: "not_found", err: NotFound("order_not_found", "order not found"), want: KindNotFound},
		{name: "unavailable", err: Unavailable("escrow_timeout", errors.New("eof")), want: KindExternalUnavailable},
		{name: "rejected", err: Rejected("escrow_declined", errors.New("400")), want: KindExternalRejected},
		{name: "deadline", err: context.DeadlineExceeded, want: KindExternalUnavailable},
		{name: "unknown", err: errors.New("boom"), want: KindInternal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "validation", err: Validation("bad_price", ""), want: http.StatusBadRequest},
		{name: "not_owner", err: Validation(ReasonNotOwner, ""), want: http.StatusForbidden},
		{name: "dimensions_missing", err: Validation(ReasonDimensionsMissing, ""), want: http.StatusUnprocessableEntity},
		{name: "conflict", err: Conflict("item_unavailable", ""), want: http.StatusConflict},
		{name: "not_found", err: NotFound("proposal_not_found", ""), want: http.StatusNotFound},
		{name: "label_failed", err: Unavailable(ReasonLabelGenerationFailed, nil), want: http.StatusBadGateway},
		{name: "unavailable", err: Unavailable("carrier_timeout", nil), want: http.StatusServiceUnavailable},
		{name: "rejected", err: Rejected("escrow_declined", nil), want: http.StatusUnprocessableEntity},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestReasonAndMessage(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("create: %w", Conflict("proposal_pending", "buyer already has a pending proposal"))
	assert.Equal(t, "proposal_pending", Reason(err))
	assert.Equal(t, "buyer already has a pending proposal", Message(err))

	assert.Equal(t, KindInternal, Reason(errors.New("raw")))
	assert.Equal(t, "internal error", Message(errors.New("raw")))
	assert.True(t, Is(err, KindConflict))
	assert.False(t, Is(nil, KindConflict))
}
