package webhook

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

// Router dispatches an update to the handler for its kind. Updates are
// classified in order: pre-checkout query, successful payment, plain
// message, then raw. Unset handlers ignore their kind.
type Router struct {
	PreCheckout       func(ctx context.Context, q telegram.PreCheckoutQuery) error
	SuccessfulPayment func(ctx context.Context, m telegram.Message) error
	Message           func(ctx context.Context, m telegram.Message) error
	Raw               func(ctx context.Context, u telegram.Update) error
	Logger            *slog.Logger
}

// Route implements HandleFunc.
func (r *Router) Route(ctx context.Context, u telegram.Update) error {
	switch {
	case u.PreCheckoutQuery != nil:
		if r.PreCheckout != nil {
			return r.PreCheckout(ctx, *u.PreCheckoutQuery)
		}
	case u.Message != nil && u.Message.SuccessfulPayment != nil:
		if r.SuccessfulPayment != nil {
			return r.SuccessfulPayment(ctx, *u.Message)
		}
	case u.Message != nil:
		if r.Message != nil {
			return r.Message(ctx, *u.Message)
		}
	default:
		if r.Raw != nil {
			return r.Raw(ctx, u)
		}
	}
	if r.Logger != nil {
		r.Logger.DebugContext(ctx, "update ignored", "updateId", u.UpdateID)
	}
	return nil
}
