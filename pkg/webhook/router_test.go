package webhook_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/starpay/pkg/telegram"
	"github.com/Mindburn-Labs/starpay/pkg/webhook"
)

func TestRouterClassifiesUpdates(t *testing.T) {
	var preCheckout []telegram.PreCheckoutQuery
	var payments []telegram.Message
	var messages []telegram.Message
	var raw []telegram.Update

	r := &webhook.Router{
		PreCheckout: func(_ context.Context, q telegram.PreCheckoutQuery) error {
			preCheckout = append(preCheckout, q)
			return nil
		},
		SuccessfulPayment: func(_ context.Context, m telegram.Message) error {
			payments = append(payments, m)
			return nil
		},
		Message: func(_ context.Context, m telegram.Message) error {
			messages = append(messages, m)
			return nil
		},
		Raw: func(_ context.Context, u telegram.Update) error {
			raw = append(raw, u)
			return nil
		},
	}

	updates := []telegram.Update{
		{UpdateID: 1, PreCheckoutQuery: &telegram.PreCheckoutQuery{ID: "q1", Currency: "XTR"}},
		{UpdateID: 2, Message: &telegram.Message{
			MessageID:         10,
			SuccessfulPayment: &telegram.SuccessfulPayment{TelegramPaymentChargeID: "CH-1"},
		}},
		{UpdateID: 3, Message: &telegram.Message{MessageID: 11, Text: "hello"}},
		{UpdateID: 4},
	}
	for _, u := range updates {
		require.NoError(t, r.Route(context.Background(), u))
	}

	require.Len(t, preCheckout, 1)
	assert.Equal(t, "q1", preCheckout[0].ID)

	require.Len(t, payments, 1)
	assert.Equal(t, "CH-1", payments[0].SuccessfulPayment.TelegramPaymentChargeID)

	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Text)

	require.Len(t, raw, 1)
	assert.Equal(t, int64(4), raw[0].UpdateID)
}

func TestRouterIgnoresKindsWithoutHandlers(t *testing.T) {
	r := &webhook.Router{}
	for _, u := range []telegram.Update{
		{UpdateID: 1, PreCheckoutQuery: &telegram.PreCheckoutQuery{ID: "q1"}},
		{UpdateID: 2, Message: &telegram.Message{MessageID: 1}},
		{UpdateID: 3},
	} {
		assert.NoError(t, r.Route(context.Background(), u))
	}
}

func TestRouterPreCheckoutTakesPrecedence(t *testing.T) {
	var got string
	r := &webhook.Router{
		PreCheckout: func(_ context.Context, q telegram.PreCheckoutQuery) error {
			got = "pre_checkout"
			return nil
		},
		Message: func(_ context.Context, m telegram.Message) error {
			got = "message"
			return nil
		},
	}

	u := telegram.Update{
		UpdateID:         1,
		PreCheckoutQuery: &telegram.PreCheckoutQuery{ID: "q1"},
		Message:          &telegram.Message{MessageID: 2},
	}
	require.NoError(t, r.Route(context.Background(), u))
	assert.Equal(t, "pre_checkout", got)
}
