package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a historical money movement between two accounts.
// Pattern rules read windows of these; the screening pipeline appends to them.
type Transaction struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Transaction type (e.g., "WIRE", "ACH", "CARD", "INTERNAL")
	Type string `json:"type"`

	SenderID        string `json:"senderId"`
	SenderCountry   string `json:"senderCountry,omitempty"`
	ReceiverID      string `json:"receiverId"`
	ReceiverCountry string `json:"receiverCountry,omitempty"`

	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// TransactionRequest is the API payload for recording and screening a transaction.
type TransactionRequest struct {
	ID              string          `json:"id,omitempty"`
	Type            string          `json:"type"`
	SenderID        string          `json:"senderId"`
	SenderCountry   string          `json:"senderCountry"`
	ReceiverID      string          `json:"receiverId"`
	ReceiverCountry string          `json:"receiverCountry,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Timestamp       *time.Time      `json:"timestamp,omitempty"`
	IPAddress       string          `json:"ipAddress"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction(tenantID string) *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		ID:              r.ID,
		TenantID:        tenantID,
		Type:            r.Type,
		SenderID:        r.SenderID,
		SenderCountry:   r.SenderCountry,
		ReceiverID:      r.ReceiverID,
		ReceiverCountry: r.ReceiverCountry,
		Amount:          r.Amount,
		Currency:        r.Currency,
		Timestamp:       ts,
		CreatedAt:       now,
		Metadata:        r.Metadata,
	}
}
