package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/x402gate/internal/endpoints"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/realtime"
	"github.com/mbd888/x402gate/internal/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var bothEvents = []EventType{EventPaymentSuccess, EventAPIRequest}

func seedEndpoint(t *testing.T, s *endpoints.MemoryStore, price, min, max float64) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &endpoints.Endpoint{
		ID: "api_1", PricePerRequest: price, MinPrice: min, MaxPrice: max, IsActive: true,
	}))
}

func addRule(t *testing.T, s *MemoryStore, id string, triggers []EventType, actions ...Action) {
	t.Helper()
	require.NoError(t, s.CreateRule(context.Background(), &Rule{
		ID: id, APIID: "api_1", Name: id, Enabled: true, Triggers: triggers, Actions: actions,
		CreatedAt: time.Now(),
	}))
}

func price(t *testing.T, s *endpoints.MemoryStore) float64 {
	t.Helper()
	e, err := s.Get(context.Background(), "api_1")
	require.NoError(t, err)
	return e.PricePerRequest
}

func TestActions_JSONRoundTrip(t *testing.T) {
	in := Actions{
		PriceAdjust{Mode: ModeMultiply, Multiplier: 2},
		Notify{Message: "hi", WebhookURL: "https://hooks.example/x"},
		AgentHook{Prompt: "think"},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"UPDATE_PRICE"`)
	assert.Contains(t, string(raw), `"kind":"SEND_NOTIFICATION"`)

	var out Actions
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestActions_UnknownKindPreserved(t *testing.T) {
	raw := `[{"kind":"SEND_SMS","to":"+1555"},{"kind":"AGENT_HOOK","prompt":"p"}]`
	var out Actions
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	require.Len(t, out, 2)

	u, ok := out[0].(Unknown)
	require.True(t, ok)
	assert.Equal(t, ActionKind("SEND_SMS"), u.Kind())

	again, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(again))
}

func TestPriceAdjust_Next(t *testing.T) {
	tests := []struct {
		action PriceAdjust
		want   float64
	}{
		{PriceAdjust{Mode: ModeIncrease}, 5.1},
		{PriceAdjust{Mode: ModeIncrease, Amount: 2}, 7},
		{PriceAdjust{Mode: ModeDecrease}, 4.9},
		{PriceAdjust{Mode: ModeSet, Amount: 3}, 3},
		{PriceAdjust{Mode: ModeSet}, 5},
		{PriceAdjust{Mode: ModeMultiply}, 5.5},
		{PriceAdjust{Mode: ModeMultiply, Multiplier: 3}, 15},
		{PriceAdjust{Mode: "BOGUS"}, 5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, tt.action.Next(5), 1e-9, "%+v", tt.action)
	}
	assert.Equal(t, "Flow automation: SET", PriceAdjust{Mode: ModeSet}.Reason())
}

func TestEngine_IncreaseClampsToMax(t *testing.T) {
	eps := endpoints.NewMemoryStore()
	seedEndpoint(t, eps, 5, 1, 10)
	store := NewMemoryStore()
	addRule(t, store, "rule_up", []EventType{EventPaymentSuccess}, PriceAdjust{Mode: ModeIncrease, Amount: 2000})

	res := NewEngine(store, eps, logging.Discard()).Trigger(context.Background(), "api_1", bothEvents, TriggerContext{})
	assert.Equal(t, Result{RulesMatched: 1, ActionsRun: 1}, res)
	assert.Equal(t, 10.0, price(t, eps))

	decisions, err := store.ListDecisions(context.Background(), "api_1", nil, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "Flow automation: INCREASE", decisions[0].Reason)
	assert.Equal(t, 5.0, decisions[0].OldPrice)
	assert.Equal(t, 10.0, decisions[0].NewPrice)
	assert.True(t, decisions[0].Clamped)
	assert.Equal(t, "rule_up", decisions[0].RuleID)
}

func TestEngine_IncreaseAtMaxStillRecordsDecision(t *testing.T) {
	eps := endpoints.NewMemoryStore()
	seedEndpoint(t, eps, 10, 1, 10)
	store := NewMemoryStore()
	addRule(t, store, "rule_up", []EventType{EventPaymentSuccess}, PriceAdjust{Mode: ModeIncrease})

	res := NewEngine(store, eps, logging.Discard()).Trigger(context.Background(), "api_1", bothEvents, TriggerContext{})
	assert.Equal(t, Result{RulesMatched: 1, ActionsRun: 1}, res)
	assert.Equal(t, 10.0, price(t, eps))

	decisions, err := store.ListDecisions(context.Background(), "api_1", nil, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, 10.0, decisions[0].OldPrice)
	assert.Equal(t, 10.0, decisions[0].NewPrice)
	assert.True(t, decisions[0].Clamped)
}

func TestEngine_ClampInvariant(t *testing.T) {
	tests := []struct {
		name   string
		action PriceAdjust
	}{
		{"huge decrease", PriceAdjust{Mode: ModeDecrease, Amount: 1e9}},
		{"negative increase", PriceAdjust{Mode: ModeIncrease, Amount: -50}},
		{"multiply 1e9", PriceAdjust{Mode: ModeMultiply, Multiplier: 1e9}},
		{"negative multiply", PriceAdjust{Mode: ModeMultiply, Multiplier: -3}},
		{"set above max", PriceAdjust{Mode: ModeSet, Amount: 1e12}},
		{"set nan", PriceAdjust{Mode: ModeSet, Amount: math.NaN()}},
		{"increase inf", PriceAdjust{Mode: ModeIncrease, Amount: math.Inf(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eps := endpoints.NewMemoryStore()
			seedEndpoint(t, eps, 5, 2, 10)
			store := NewMemoryStore()
			addRule(t, store, "r", bothEvents, tt.action, tt.action)

			NewEngine(store, eps, logging.Discard()).Trigger(context.Background(), "api_1", bothEvents, TriggerContext{})

			p := price(t, eps)
			assert.GreaterOrEqual(t, p, 2.0)
			assert.LessOrEqual(t, p, 10.0)
		})
	}
}

// conflictingPrices reports a concurrent change on the first n writes.
type conflictingPrices struct {
	*endpoints.MemoryStore
	conflicts atomic.Int32
	n         int32
}

func (c *conflictingPrices) UpdatePrice(ctx context.Context, id string, old, next float64) error {
	if c.conflicts.Add(1) <= c.n {
		return endpoints.ErrPriceConflict
	}
	return c.MemoryStore.UpdatePrice(ctx, id, old, next)
}

func TestEngine_RetriesPriceConflict(t *testing.T) {
	eps := endpoints.NewMemoryStore()
	seedEndpoint(t, eps, 5, 1, 10)
	store := NewMemoryStore()
	addRule(t, store, "r", bothEvents, PriceAdjust{Mode: ModeIncrease, Amount: 1})

	prices := &conflictingPrices{MemoryStore: eps, n: 2}
	res := NewEngine(store, prices, logging.Discard()).Trigger(context.Background(), "api_1", bothEvents, TriggerContext{})
	assert.Zero(t, res.ActionsFailed)
	assert.Equal(t, 6.0, price(t, eps))

	prices = &conflictingPrices{MemoryStore: eps, n: MaxPriceAttempts}
	res = NewEngine(store, prices, logging.Discard()).Trigger(context.Background(), "api_1", bothEvents, TriggerContext{})
	assert.Equal(t, 1, res.ActionsFailed)
	assert.Equal(t, 6.0, price(t, eps), "gave up without writing")
}

func TestEngine_ConcurrentTriggersSerialize(t *testing.T) {
	eps := endpoints.NewMemoryStore()
	seedEndpoint(t, eps, 1, 1, 1000)
	store := NewMemoryStore()
	addRule(t, store, "r", bothEvents, PriceAdjust{Mode: ModeIncrease})
	engine := NewEngine(store, eps, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Trigger(context.Background(), "api_1", bothEvents, TriggerContext{})
		}()
	}
	wg.Wait()

	assert.InDelta(t, 6.0, price(t, eps), 1e-9, "no lost updates")
	decisions, err := store.ListDecisions(context.Background(), "api_1", nil, 100)
	require.NoError(t, err)
	assert.Len(t, decisions, 50)
}

type panickyNotifier struct{}

func (panickyNotifier) Send(context.Context, string, *webhooks.Event) error { panic("boom") }

type recordingNotifier struct {
	mu     sync.Mutex
	urls   []string
	events []*webhooks.Event
}

func (r *recordingNotifier) Send(_ context.Context, url string, ev *webhooks.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	r.events = append(r.events, ev)
	return nil
}

func TestEngine_IsolatesFailures(t *testing.T) {
	eps := endpoints.NewMemoryStore()
	seedEndpoint(t, eps, 5, 1, 10)
	store := NewMemoryStore()
	addRule(t, store, "a_bad", bothEvents,
		Notify{Message: "explode", WebhookURL: "https://hooks.example"},
		Unknown{Type: "SEND_SMS"},
		PriceAdjust{Mode: ModeSet, Amount: 7},
	)

	res := NewEngine(store, eps, logging.Discard()).
		WithNotifier(panickyNotifier{}).
		Trigger(context.Background(), "api_1", bothEvents, TriggerContext{})

	assert.Equal(t, 3, res.ActionsRun)
	assert.Equal(t, 1, res.ActionsFailed)
	assert.Equal(t, 7.0, price(t, eps), "action after the panic still ran")
}

func TestEngine_NotifySendsWebhook(t *testing.T) {
	eps := endpoints.NewMemoryStore()
	seedEndpoint(t, eps, 5, 1, 10)
	store := NewMemoryStore()
	addRule(t, store, "r", []EventType{EventAPIRequest}, Notify{Message: "called", WebhookURL: "https://hooks.example/n"}, Notify{Message: "log only"})

	n := &recordingNotifier{}
	tc := TriggerContext{Payment: &PaymentContext{Amount: 5, Payer: "SP1"}, Request: &RequestContext{Success: true, ResponseMs: 9}}
	NewEngine(store, eps, logging.Discard()).WithNotifier(n).Trigger(context.Background(), "api_1", bothEvents, tc)

	require.Len(t, n.events, 1)
	assert.Equal(t, "https://hooks.example/n", n.urls[0])
	assert.Equal(t, webhooks.EventAutomationNotify, n.events[0].Type)
	assert.Equal(t, "called", n.events[0].Data["message"])
	assert.Equal(t, tc.Payment, n.events[0].Data["payment"])
}

func TestEngine_SkipsNonMatchingAndDisabled(t *testing.T) {
	eps := endpoints.NewMemoryStore()
	seedEndpoint(t, eps, 5, 1, 10)
	store := NewMemoryStore()
	addRule(t, store, "payments_only", []EventType{EventPaymentSuccess}, PriceAdjust{Mode: ModeSet, Amount: 9})
	addRule(t, store, "off", bothEvents, PriceAdjust{Mode: ModeSet, Amount: 8})
	require.NoError(t, store.SetRuleEnabled(context.Background(), "api_1", "off", false))

	res := NewEngine(store, eps, logging.Discard()).Trigger(context.Background(), "api_1", []EventType{EventAPIRequest}, TriggerContext{})
	assert.Zero(t, res.RulesMatched)
	assert.Equal(t, 5.0, price(t, eps))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.PriceData
}

func (r *recordingPublisher) Publish(t realtime.EventType, apiID string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == realtime.EventPriceChanged {
		r.events = append(r.events, data.(realtime.PriceData))
	}
}

func TestEngine_PublishesPriceChanges(t *testing.T) {
	eps := endpoints.NewMemoryStore()
	seedEndpoint(t, eps, 10, 1, 10)
	store := NewMemoryStore()
	addRule(t, store, "r", bothEvents, PriceAdjust{Mode: ModeIncrease}, PriceAdjust{Mode: ModeDecrease, Amount: 1})

	pub := &recordingPublisher{}
	NewEngine(store, eps, logging.Discard()).WithPublisher(pub).Trigger(context.Background(), "api_1", bothEvents, TriggerContext{})

	require.Len(t, pub.events, 1, "the clamped no-op increase publishes nothing")
	assert.Equal(t, realtime.PriceData{OldPrice: 10, NewPrice: 9, Reason: "Flow automation: DECREASE"}, pub.events[0])
}

func newTestHandler(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	eps := endpoints.NewMemoryStore()
	seedEndpoint(t, eps, 5, 1, 10)
	store := NewMemoryStore()
	router := gin.New()
	NewHandler(NewService(store, eps, false, logging.Discard())).RegisterRoutes(router.Group("/v1"))
	return router, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_RuleLifecycle(t *testing.T) {
	router, _ := newTestHandler(t)

	w := doJSON(t, router, http.MethodPost, "/v1/apis/api_1/rules", `{
		"name": "surge",
		"triggers": ["PAYMENT_SUCCESS"],
		"actions": [{"kind": "UPDATE_PRICE", "mode": "MULTIPLY", "multiplier": 1.5}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Data Rule `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Data.Enabled)
	assert.Equal(t, Actions{PriceAdjust{Mode: ModeMultiply, Multiplier: 1.5}}, created.Data.Actions)
	ruleID := created.Data.ID

	w = doJSON(t, router, http.MethodGet, "/v1/apis/api_1/rules", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(t, router, http.MethodPatch, "/v1/apis/api_1/rules/"+ruleID, `{"enabled": false}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"enabled":false`)

	assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodDelete, "/v1/apis/api_1/rules/"+ruleID, "").Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodDelete, "/v1/apis/api_1/rules/"+ruleID, "").Code)
}

func TestHandler_RejectsBadRules(t *testing.T) {
	router, _ := newTestHandler(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown endpoint", "/v1/apis/api_none/rules", `{"name":"x","triggers":["API_REQUEST"],"actions":[{"kind":"AGENT_HOOK"}]}`, http.StatusNotFound},
		{"no triggers", "/v1/apis/api_1/rules", `{"name":"x","triggers":[],"actions":[{"kind":"AGENT_HOOK"}]}`, http.StatusBadRequest},
		{"bad trigger", "/v1/apis/api_1/rules", `{"name":"x","triggers":["SOMETIMES"],"actions":[{"kind":"AGENT_HOOK"}]}`, http.StatusBadRequest},
		{"unknown kind", "/v1/apis/api_1/rules", `{"name":"x","triggers":["API_REQUEST"],"actions":[{"kind":"SEND_SMS"}]}`, http.StatusBadRequest},
		{"bad mode", "/v1/apis/api_1/rules", `{"name":"x","triggers":["API_REQUEST"],"actions":[{"kind":"UPDATE_PRICE","mode":"DOUBLE"}]}`, http.StatusBadRequest},
		{"private webhook", "/v1/apis/api_1/rules", `{"name":"x","triggers":["API_REQUEST"],"actions":[{"kind":"SEND_NOTIFICATION","webhookUrl":"http://127.0.0.1/hook"}]}`, http.StatusBadRequest},
		{"malformed", "/v1/apis/api_1/rules", `{"name":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_DecisionsPaginate(t *testing.T) {
	router, store := newTestHandler(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendDecision(context.Background(), &Decision{
			ID: "dec_" + string(rune('a'+i)), APIID: "api_1", Reason: "Flow automation: SET",
			OldPrice: 1, NewPrice: 2, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	var page struct {
		Data struct {
			Items      []Decision `json:"items"`
			NextCursor string     `json:"nextCursor"`
			HasMore    bool       `json:"hasMore"`
		} `json:"data"`
	}
	w := doJSON(t, router, http.MethodGet, "/v1/apis/api_1/decisions?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data.Items, 2)
	assert.Equal(t, "dec_c", page.Data.Items[0].ID, "newest first")
	assert.True(t, page.Data.HasMore)

	w = doJSON(t, router, http.MethodGet, "/v1/apis/api_1/decisions?limit=2&cursor="+page.Data.NextCursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data.Items, 1)
	assert.Equal(t, "dec_a", page.Data.Items[0].ID)
	assert.False(t, page.Data.HasMore)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/v1/apis/api_1/decisions?cursor=!!", "").Code)
}

func TestRule_Matches(t *testing.T) {
	r := &Rule{Triggers: []EventType{EventAPIRequest}}
	assert.True(t, r.Matches(bothEvents))
	assert.False(t, r.Matches([]EventType{EventPaymentSuccess}))
	assert.False(t, r.Matches(nil))
	assert.False(t, errors.Is(nil, ErrRuleNotFound))
}
