package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/metrics"
)

// Outcome is the result of recording a payment. None of them stop the
// request: a payment that settled is honoured even if bookkeeping fails.
type Outcome int

const (
	Recorded Outcome = iota
	Duplicate
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Recorded:
		return "recorded"
	case Duplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

// Guard records each settled transaction at most once.
type Guard struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGuard creates a guard over store.
func NewGuard(store Store, logger *slog.Logger) *Guard {
	return &Guard{store: store, logger: logger.With("component", "payments"), now: time.Now}
}

// Record inserts the payment. A duplicate transaction is treated as
// success and logged at info; other store errors are logged at warn.
func (g *Guard) Record(ctx context.Context, apiID, txHash, payer string, amount float64) Outcome {
	rec := &Record{
		TxHash:       txHash,
		APIID:        apiID,
		Amount:       amount,
		PayerAddress: payer,
		Status:       StatusSuccess,
		CreatedAt:    g.now().UTC(),
	}

	err := g.store.Insert(ctx, rec)
	log := logging.Ctx(ctx, g.logger)
	switch {
	case err == nil:
		metrics.PaymentsTotal.WithLabelValues("recorded").Inc()
		log.Info("payment recorded", "api_id", apiID, "tx_hash", txHash, "amount", amount)
		return Recorded
	case errors.Is(err, ErrDuplicatePayment):
		metrics.PaymentsTotal.WithLabelValues("duplicate").Inc()
		log.Info("duplicate payment transaction, skipping insert", "api_id", apiID, "tx_hash", txHash)
		return Duplicate
	default:
		metrics.PaymentsTotal.WithLabelValues("record_failed").Inc()
		log.Warn("failed to record payment", "api_id", apiID, "tx_hash", txHash, "error", err)
		return Failed
	}
}

// Store returns the underlying store.
func (g *Guard) Store() Store { return g.store }
