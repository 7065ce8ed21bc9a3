package payments

// PaymentStats summarizes the payment journal.
type PaymentStats struct {
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Refunded   int `json:"refunded"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// AwardStats summarizes the award journal.
type AwardStats struct {
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Total      int `json:"total"`
}

// RefundStats summarizes the refund journal.
type RefundStats struct {
	InProgress int `json:"inProgress"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Stats is the operator-facing snapshot served by the internal stats
// endpoint.
type Stats struct {
	Payments PaymentStats `json:"payments"`
	Awards   AwardStats   `json:"awards"`
	Refunds  RefundStats  `json:"refunds"`
}

// CollectStats snapshots all three journals.
func CollectStats(p *PaymentJournal, a *AwardJournal, r *RefundJournal) Stats {
	return Stats{
		Payments: p.Stats(),
		Awards:   a.Stats(),
		Refunds:  r.Stats(),
	}
}
