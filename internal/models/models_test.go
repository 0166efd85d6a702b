package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderGraphIsOneDirectional(t *testing.T) {
	t.Parallel()
	all := []OrderStatus{
		OrderStatusPaymentPending, OrderStatusPaymentConfirmed,
		OrderStatusCompleted, OrderStatusCancelled, OrderStatusExpired,
	}
	allowed := map[[2]OrderStatus]bool{
		{OrderStatusPaymentPending, OrderStatusPaymentConfirmed}: true,
		{OrderStatusPaymentPending, OrderStatusCompleted}:        true,
		{OrderStatusPaymentPending, OrderStatusCancelled}:        true,
		{OrderStatusPaymentPending, OrderStatusExpired}:          true,
		{OrderStatusPaymentConfirmed, OrderStatusCompleted}:      true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]OrderStatus{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
		if from.Terminal() {
			assert.False(t, from.Live())
		}
	}
	assert.True(t, OrderStatusPaymentPending.Live())
	assert.True(t, OrderStatusPaymentConfirmed.Live())
}

func TestProposalTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, ProposalStatusPending.Terminal())
	assert.True(t, ProposalStatusAccepted.Terminal())
	assert.True(t, ProposalStatusRejected.Terminal())
	assert.True(t, ProposalStatusExpired.Terminal())
}

func TestItemPurchasable(t *testing.T) {
	t.Parallel()
	assert.True(t, (&Item{Published: true, Status: ItemStatusAvailable}).Purchasable())
	assert.False(t, (&Item{Published: false, Status: ItemStatusAvailable}).Purchasable())
	assert.False(t, (&Item{Published: true, Status: ItemStatusPending}).Purchasable())
}

func TestAttemptOpen(t *testing.T) {
	t.Parallel()
	for state, open := range map[AttemptState]bool{
		AttemptStarted:     true,
		AttemptPersisted:   true,
		AttemptCompleted:   false,
		AttemptCompensated: false,
		AttemptRejected:    false,
	} {
		a := OrderAttempt{State: state}
		assert.Equal(t, open, a.Open(), string(state))
	}
}
