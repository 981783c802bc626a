// Package payments records settled payments exactly once per transaction.
package payments

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicatePayment = errors.New("payments: transaction already recorded")
	ErrNotFound         = errors.New("payments: payment not found")
)

// StatusSuccess is the only status the gateway writes.
const StatusSuccess = "SUCCESS"

// Record is one settled payment.
type Record struct {
	TxHash       string    `json:"txHash"`
	APIID        string    `json:"apiId"`
	Amount       float64   `json:"amount"` // STX
	PayerAddress string    `json:"payerAddress"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Revenue aggregates payments for one endpoint.
type Revenue struct {
	Total        float64 `json:"total"`
	PaymentCount int     `json:"paymentCount"`
	UniquePayers int     `json:"uniquePayers"`
}

// Store persists payment records.
type Store interface {
	// Insert returns ErrDuplicatePayment if TxHash was recorded before.
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, txHash string) (*Record, error)
	// Revenue sums payments for apiID created at or after since. A zero
	// since covers all time.
	Revenue(ctx context.Context, apiID string, since time.Time) (Revenue, error)
}
