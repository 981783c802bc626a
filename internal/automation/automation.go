// Package automation runs owner-defined rules after gateway calls: when an
// event matches a rule's triggers, its actions run in order. Price changes
// are clamped, compare-and-swapped, and recorded as decisions.
package automation

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/x402gate/internal/pagination"
)

// ErrRuleNotFound is returned for unknown rule ids.
var ErrRuleNotFound = errors.New("automation: rule not found")

// EventType is something a rule can trigger on.
type EventType string

const (
	EventPaymentSuccess EventType = "PAYMENT_SUCCESS"
	EventAPIRequest     EventType = "API_REQUEST"
)

// Valid reports whether t is a known event.
func (t EventType) Valid() bool {
	return t == EventPaymentSuccess || t == EventAPIRequest
}

// PaymentContext describes the payment behind a triggering call.
type PaymentContext struct {
	Amount float64 `json:"amount"`
	Payer  string  `json:"payer"`
}

// RequestContext describes the forwarded call.
type RequestContext struct {
	Success    bool  `json:"success"`
	ResponseMs int64 `json:"responseMs"`
}

// TriggerContext is passed to every action of a matched rule.
type TriggerContext struct {
	Payment *PaymentContext `json:"payment,omitempty"`
	Request *RequestContext `json:"request,omitempty"`
}

// Rule is a trigger set plus the actions to run when one of them fires.
type Rule struct {
	ID        string      `json:"id"`
	APIID     string      `json:"apiId"`
	Name      string      `json:"name"`
	Enabled   bool        `json:"enabled"`
	Triggers  []EventType `json:"triggers"`
	Actions   Actions     `json:"actions"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Matches reports whether any trigger is among events.
func (r *Rule) Matches(events []EventType) bool {
	for _, t := range r.Triggers {
		for _, e := range events {
			if t == e {
				return true
			}
		}
	}
	return false
}

// Decision is the audit record of one automated price change.
type Decision struct {
	ID        string    `json:"id"`
	APIID     string    `json:"apiId"`
	RuleID    string    `json:"ruleId"`
	Reason    string    `json:"reason"`
	OldPrice  float64   `json:"oldPrice"`
	NewPrice  float64   `json:"newPrice"`
	Clamped   bool      `json:"clamped"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists rules and decisions.
type Store interface {
	CreateRule(ctx context.Context, r *Rule) error
	GetRule(ctx context.Context, apiID, id string) (*Rule, error)
	ListRules(ctx context.Context, apiID string) ([]*Rule, error)
	EnabledRules(ctx context.Context, apiID string) ([]*Rule, error)
	SetRuleEnabled(ctx context.Context, apiID, id string, enabled bool) error
	DeleteRule(ctx context.Context, apiID, id string) error

	AppendDecision(ctx context.Context, d *Decision) error
	// ListDecisions returns up to limit decisions after the cursor, newest first.
	ListDecisions(ctx context.Context, apiID string, after *pagination.Cursor, limit int) ([]*Decision, error)
}
