package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mbd888/x402gate/internal/endpoints"
	"github.com/mbd888/x402gate/internal/idgen"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/metrics"
	"github.com/mbd888/x402gate/internal/realtime"
	"github.com/mbd888/x402gate/internal/syncutil"
	"github.com/mbd888/x402gate/internal/webhooks"
)

// MaxPriceAttempts bounds compare-and-swap retries for one price action.
const MaxPriceAttempts = 3

// PriceStore is the slice of the endpoint store the engine writes through.
type PriceStore interface {
	Get(ctx context.Context, id string) (*endpoints.Endpoint, error)
	UpdatePrice(ctx context.Context, id string, expectedOld, newPrice float64) error
}

// Notifier delivers webhook events.
type Notifier interface {
	Send(ctx context.Context, url string, event *webhooks.Event) error
}

// Publisher broadcasts live activity.
type Publisher interface {
	Publish(eventType realtime.EventType, apiID string, data interface{})
}

// Result summarizes one Trigger call.
type Result struct {
	RulesMatched  int
	ActionsRun    int
	ActionsFailed int
}

// Engine evaluates rules against gateway events.
type Engine struct {
	store     Store
	prices    PriceStore
	notifier  Notifier
	publisher Publisher
	locks     *syncutil.KeyedLock
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an engine over the rule store and endpoint prices.
func NewEngine(store Store, prices PriceStore, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		prices: prices,
		locks:  syncutil.NewKeyedLock(syncutil.DefaultShards),
		logger: logger.With("component", "automation"),
		now:    time.Now,
	}
}

// WithNotifier enables webhook delivery for notify actions.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithPublisher broadcasts price changes.
func (e *Engine) WithPublisher(p Publisher) *Engine {
	e.publisher = p
	return e
}

// WithClock overrides the clock. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Trigger runs every enabled rule of apiID whose triggers intersect
// events. Rules and actions are isolated from each other: an error or
// panic in one is logged and counted, and the rest still run.
func (e *Engine) Trigger(ctx context.Context, apiID string, events []EventType, tc TriggerContext) Result {
	var res Result
	log := logging.Ctx(ctx, e.logger).With("api_id", apiID)

	rules, err := e.store.EnabledRules(ctx, apiID)
	if err != nil {
		log.Warn("failed to load automation rules", "error", err)
		return res
	}

	for _, rule := range rules {
		if !rule.Matches(events) {
			continue
		}
		res.RulesMatched++
		e.runRule(ctx, log, rule, tc, &res)
	}
	if res.RulesMatched > 0 {
		log.Debug("automation triggered", "events", events, "rules", res.RulesMatched,
			"actions", res.ActionsRun, "failed", res.ActionsFailed)
	}
	return res
}

func (e *Engine) runRule(ctx context.Context, log *slog.Logger, rule *Rule, tc TriggerContext, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in automation rule", "rule_id", rule.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	for _, action := range rule.Actions {
		res.ActionsRun++
		if err := e.runAction(ctx, rule, action, tc); err != nil {
			res.ActionsFailed++
			log.Warn("automation action failed", "rule_id", rule.ID, "kind", action.Kind(), "error", err)
		}
	}
}

func (e *Engine) runAction(ctx context.Context, rule *Rule, action Action, tc TriggerContext) (err error) {
	kind := string(action.Kind())
	defer func() {
		if r := recover(); r != nil {
			metrics.AutomationActionsTotal.WithLabelValues(kind, "panic").Inc()
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	log := logging.Ctx(ctx, e.logger).With("api_id", rule.APIID, "rule_id", rule.ID)
	switch a := action.(type) {
	case PriceAdjust:
		err = e.adjustPrice(ctx, rule, a)
	case Notify:
		err = e.notify(ctx, rule, a, tc)
	case AgentHook:
		log.Info("agent hook", "prompt", a.Prompt)
	case Unknown:
		log.Warn("skipping unknown automation action", "kind", a.Type)
		metrics.AutomationActionsTotal.WithLabelValues("unknown", "skipped").Inc()
		return nil
	default:
		err = fmt.Errorf("unsupported action %T", action)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.AutomationActionsTotal.WithLabelValues(kind, result).Inc()
	return err
}

// adjustPrice applies a under the endpoint's lock, retrying on a
// concurrent price change.
func (e *Engine) adjustPrice(ctx context.Context, rule *Rule, a PriceAdjust) error {
	unlock, err := e.locks.Lock(ctx, rule.APIID)
	if err != nil {
		return err
	}
	defer unlock()

	log := logging.Ctx(ctx, e.logger).With("api_id", rule.APIID, "rule_id", rule.ID)
	for attempt := 0; attempt < MaxPriceAttempts; attempt++ {
		ep, err := e.prices.Get(ctx, rule.APIID)
		if err != nil {
			return fmt.Errorf("load endpoint: %w", err)
		}

		raw := a.Next(ep.PricePerRequest)
		next, clamped := endpoints.Clamp(raw, ep.MinPrice, ep.MaxPrice)
		next = endpoints.RoundPrice(next)
		if clamped {
			log.Info("price clamped", "computed", raw, "clamped", next, "min", ep.MinPrice, "max", ep.MaxPrice)
		}

		if next != ep.PricePerRequest {
			err = e.prices.UpdatePrice(ctx, rule.APIID, ep.PricePerRequest, next)
			if errors.Is(err, endpoints.ErrPriceConflict) {
				log.Debug("price changed concurrently, retrying", "attempt", attempt+1)
				continue
			}
			if err != nil {
				return fmt.Errorf("update price: %w", err)
			}
		}

		d := &Decision{
			ID:        idgen.WithPrefix("dec_"),
			APIID:     rule.APIID,
			RuleID:    rule.ID,
			Reason:    a.Reason(),
			OldPrice:  ep.PricePerRequest,
			NewPrice:  next,
			Clamped:   clamped,
			CreatedAt: e.now().UTC(),
		}
		if err := e.store.AppendDecision(ctx, d); err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		log.Info("price updated", "old", d.OldPrice, "new", d.NewPrice, "reason", d.Reason)

		if e.publisher != nil && next != ep.PricePerRequest {
			e.publisher.Publish(realtime.EventPriceChanged, rule.APIID, realtime.PriceData{
				OldPrice: d.OldPrice, NewPrice: d.NewPrice, Reason: d.Reason, Clamped: clamped,
			})
		}
		return nil
	}
	return fmt.Errorf("%w after %d attempts", endpoints.ErrPriceConflict, MaxPriceAttempts)
}

func (e *Engine) notify(ctx context.Context, rule *Rule, a Notify, tc TriggerContext) error {
	msg := a.Message
	if msg == "" {
		msg = "Event occurred"
	}
	logging.Ctx(ctx, e.logger).Info("automation notification", "api_id", rule.APIID, "rule_id", rule.ID, "message", msg)

	if a.WebhookURL == "" || e.notifier == nil {
		return nil
	}
	data := map[string]interface{}{
		"apiId":   rule.APIID,
		"ruleId":  rule.ID,
		"message": msg,
	}
	if tc.Payment != nil {
		data["payment"] = tc.Payment
	}
	if tc.Request != nil {
		data["request"] = tc.Request
	}
	return e.notifier.Send(ctx, a.WebhookURL, webhooks.NewEvent(webhooks.EventAutomationNotify, data))
}
