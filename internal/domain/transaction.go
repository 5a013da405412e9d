package domain

import (
	"time"
)

// Transaction is an ingested transaction record. It is created once by
// the ingestion path; the risk fields (Risk, Explanation, ShapTop) are
// written exactly once at creation time by the scoring pipeline and
// never mutated afterwards.
type Transaction struct {
	// Core identifiers
	TxID     string `json:"txId"`
	TenantID string `json:"tenantId"`

	// Actor that initiated the transaction
	User string `json:"user"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`

	// Categorical attributes (optional; scoring defaults absent values)
	Country  string `json:"country,omitempty"`
	Device   string `json:"device,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Merchant string `json:"merchant,omitempty"`
	CardType string `json:"cardType,omitempty"`

	// Hour of day (0-23) as reported by the ingestion source; may differ
	// from the hour derived from Timestamp when the source clock lags.
	Hour int `json:"hour"`

	// DeviceNew is set when the device has not been seen for this user.
	DeviceNew bool `json:"deviceNew,omitempty"`

	// Temporal
	Timestamp time.Time `json:"ts"`
	CreatedAt time.Time `json:"createdAt"`

	// Scoring outputs, written once at creation
	Risk        int                `json:"risk"`
	Explanation string             `json:"explanation,omitempty"`
	ShapTop     map[string]float64 `json:"shapTop,omitempty"`
}

// TransactionRequest is the API payload for transaction creation.
// Payload validation happens at the transport layer; the pipeline
// assumes a well-formed request.
type TransactionRequest struct {
	TxID     string  `json:"txId,omitempty"`
	User     string  `json:"user"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	Country  string  `json:"country,omitempty"`
	Device   string  `json:"device,omitempty"`
	Channel  string  `json:"channel,omitempty"`
	Merchant string  `json:"merchant,omitempty"`
	CardType string  `json:"cardType,omitempty"`
	Hour     *int    `json:"hour,omitempty"`

	// Timestamp of the transaction; defaults to now when zero.
	Timestamp time.Time `json:"ts,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
// The risk fields are left zero; the scoring pipeline fills them.
func (r *TransactionRequest) ToTransaction(now time.Time) *Transaction {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now
	}

	hour := ts.Hour()
	if r.Hour != nil {
		hour = *r.Hour
	}

	return &Transaction{
		TxID:      r.TxID,
		User:      r.User,
		Amount:    r.Amount,
		Currency:  r.Currency,
		Country:   r.Country,
		Device:    r.Device,
		Channel:   r.Channel,
		Merchant:  r.Merchant,
		CardType:  r.CardType,
		Hour:      hour,
		Timestamp: ts.UTC(),
		CreatedAt: now.UTC(),
	}
}
