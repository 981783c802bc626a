//go:build integration

package automation

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/x402gate/internal/endpoints"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_RulesAndDecisions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	eps := endpoints.NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, eps.Create(ctx, &endpoints.Endpoint{
		ID: "api_1", Name: "pg", OriginalURL: "https://example.com",
		PricePerRequest: 5, MinPrice: 1, MaxPrice: 10, Network: endpoints.Testnet,
		StacksAddress: "ST3AW560S3EET4NNSC3NG9N6CPNMPGASTMKWX11KG", FacilitatorURL: "https://f.example",
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}))

	s := NewPostgresStore(db)
	rule := &Rule{
		ID: "rule_1", APIID: "api_1", Name: "surge", Enabled: true,
		Triggers:  []EventType{EventPaymentSuccess},
		Actions:   Actions{PriceAdjust{Mode: ModeIncrease, Amount: 2000}, Unknown{Type: "SEND_SMS", Raw: []byte(`{"kind":"SEND_SMS"}`)}},
		CreatedAt: now,
	}
	require.NoError(t, s.CreateRule(ctx, rule))

	got, err := s.GetRule(ctx, "api_1", "rule_1")
	require.NoError(t, err)
	assert.Equal(t, rule.Triggers, got.Triggers)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, PriceAdjust{Mode: ModeIncrease, Amount: 2000}, got.Actions[0])
	assert.Equal(t, ActionKind("SEND_SMS"), got.Actions[1].Kind())

	res := NewEngine(s, eps, logging.Discard()).Trigger(ctx, "api_1", []EventType{EventPaymentSuccess}, TriggerContext{})
	assert.Equal(t, 2, res.ActionsRun)
	assert.Zero(t, res.ActionsFailed)

	ep, err := eps.Get(ctx, "api_1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, ep.PricePerRequest)

	decisions, err := s.ListDecisions(ctx, "api_1", nil, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Clamped)
	assert.Equal(t, 10.0, decisions[0].NewPrice)

	require.NoError(t, s.SetRuleEnabled(ctx, "api_1", "rule_1", false))
	enabled, err := s.EnabledRules(ctx, "api_1")
	require.NoError(t, err)
	assert.Empty(t, enabled)

	assert.ErrorIs(t, s.SetRuleEnabled(ctx, "api_1", "rule_none", true), ErrRuleNotFound)
	require.NoError(t, s.DeleteRule(ctx, "api_1", "rule_1"))
	assert.ErrorIs(t, s.DeleteRule(ctx, "api_1", "rule_1"), ErrRuleNotFound)
}
