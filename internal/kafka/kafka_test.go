package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	marked []int64
}

func (s *fakeSession) Context() context.Context { return context.Background() }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func claimOf(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Topic: "payments", Offset: int64(i), Value: []byte(v)}
	}
	close(ch)
	return &fakeClaim{ch: ch}
}

func TestConsumeClaimMarksAfterHandling(t *testing.T) {
	var seen []string
	h := NewConsumerGroupHandler(func(_ context.Context, v []byte) error {
		seen = append(seen, string(v))
		return nil
	})
	sess := &fakeSession{}

	require.NoError(t, h.ConsumeClaim(sess, claimOf("a", "b")))
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, []int64{0, 1}, sess.marked)
}

func TestConsumeClaimStopsOnFailure(t *testing.T) {
	h := NewConsumerGroupHandler(func(_ context.Context, v []byte) error {
		if string(v) == "bad" {
			return errors.New("db down")
		}
		return nil
	})
	sess := &fakeSession{}

	err := h.ConsumeClaim(sess, claimOf("ok", "bad", "never"))
	require.Error(t, err)
	assert.Equal(t, []int64{0}, sess.marked, "failed message must not be committed")
}

func TestPublish(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"kind":"order_paid"}` {
			return errors.New("unexpected payload")
		}
		return nil
	})
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFrom(mp)
	assert.NoError(t, p.Publish("notifications", []byte("buyer"), []byte(`{"kind":"order_paid"}`)))
	assert.ErrorIs(t, p.Publish("notifications", nil, []byte(`{}`)), sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}
