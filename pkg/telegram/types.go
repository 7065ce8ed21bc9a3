package telegram

// Wire shapes for the subset of the Bot API this service speaks. Field
// names follow the platform's snake_case JSON.

// User identifies a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// Message is an incoming or sent message. Only the fields the payment
// flow reads are mapped.
type Message struct {
	MessageID         int64              `json:"message_id"`
	From              *User              `json:"from,omitempty"`
	Chat              Chat               `json:"chat"`
	Date              int64              `json:"date,omitempty"`
	Text              string             `json:"text,omitempty"`
	SuccessfulPayment *SuccessfulPayment `json:"successful_payment,omitempty"`
}

// PreCheckoutQuery is the platform's final confirmation request before
// it charges the user.
type PreCheckoutQuery struct {
	ID             string `json:"id"`
	From           User   `json:"from"`
	Currency       string `json:"currency"`
	TotalAmount    int64  `json:"total_amount"`
	InvoicePayload string `json:"invoice_payload"`
}

// SuccessfulPayment confirms a completed charge.
type SuccessfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int64  `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
	ProviderPaymentChargeID string `json:"provider_payment_charge_id,omitempty"`
}

// Update is one entry from getUpdates or the webhook. Exactly one of
// the optional fields is set per update kind.
type Update struct {
	UpdateID         int64             `json:"update_id"`
	Message          *Message          `json:"message,omitempty"`
	PreCheckoutQuery *PreCheckoutQuery `json:"pre_checkout_query,omitempty"`
}

// Gift is one entry from getAvailableGifts.
type Gift struct {
	ID        string `json:"id"`
	StarCount int64  `json:"star_count"`
}

// WebhookInfo mirrors the getWebhookInfo result.
type WebhookInfo struct {
	URL                  string   `json:"url"`
	HasCustomCertificate bool     `json:"has_custom_certificate"`
	PendingUpdateCount   int64    `json:"pending_update_count"`
	LastErrorDate        int64    `json:"last_error_date,omitempty"`
	LastErrorMessage     string   `json:"last_error_message,omitempty"`
	MaxConnections       int      `json:"max_connections,omitempty"`
	AllowedUpdates       []string `json:"allowed_updates,omitempty"`
}

// SetWebhookParams configures the push delivery endpoint.
type SetWebhookParams struct {
	URL                string   `json:"url"`
	SecretToken        string   `json:"secret_token,omitempty"`
	AllowedUpdates     []string `json:"allowed_updates,omitempty"`
	MaxConnections     int      `json:"max_connections,omitempty"`
	DropPendingUpdates bool     `json:"drop_pending_updates,omitempty"`
}

// LabeledPrice is one line item of an invoice.
type LabeledPrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// CreateInvoiceLinkParams describes a Stars invoice. Currency is always
// XTR for this service, with a single price line.
type CreateInvoiceLinkParams struct {
	Title                string         `json:"title"`
	Description          string         `json:"description"`
	Payload              string         `json:"payload"`
	Currency             string         `json:"currency"`
	Prices               []LabeledPrice `json:"prices"`
	BusinessConnectionID string         `json:"business_connection_id,omitempty"`
}

// SendMessageParams carries an outgoing text message.
type SendMessageParams struct {
	ChatID              int64  `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
	ReplyToMessageID    int64  `json:"reply_to_message_id,omitempty"`
}

type answerPreCheckoutRequest struct {
	PreCheckoutQueryID string `json:"pre_checkout_query_id"`
	OK                 bool   `json:"ok"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

type deleteWebhookRequest struct {
	DropPendingUpdates bool `json:"drop_pending_updates"`
}

type getUpdatesRequest struct {
	Offset         *int64   `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type sendGiftRequest struct {
	UserID        int64  `json:"user_id"`
	GiftID        string `json:"gift_id"`
	PayForUpgrade bool   `json:"pay_for_upgrade"`
}

type giftPremiumRequest struct {
	UserID     int64 `json:"user_id"`
	MonthCount int   `json:"month_count"`
	StarCount  int64 `json:"star_count"`
}

type refundStarPaymentRequest struct {
	UserID                  int64  `json:"user_id"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
}

type availableGifts struct {
	Gifts []Gift `json:"gifts"`
}
