package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/x402gate/internal/endpoints"
	"github.com/mbd888/x402gate/internal/idgen"
	"github.com/mbd888/x402gate/internal/logging"
	"github.com/mbd888/x402gate/internal/pagination"
	"github.com/mbd888/x402gate/internal/security"
	"github.com/mbd888/x402gate/internal/validation"
)

// MaxActionsPerRule bounds how much work one trigger can fan out to.
const MaxActionsPerRule = 16

// CreateRuleRequest defines a new rule.
type CreateRuleRequest struct {
	Name     string      `json:"name"`
	Enabled  *bool       `json:"enabled,omitempty"`
	Triggers []EventType `json:"triggers"`
	Actions  Actions     `json:"actions"`
}

// Service manages rules and exposes the decision trail.
type Service struct {
	store        Store
	endpoints    endpoints.Reader
	allowPrivate bool
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a rule service. allowPrivate permits webhook URLs on
// private networks for development.
func NewService(store Store, eps endpoints.Reader, allowPrivate bool, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		endpoints:    eps,
		allowPrivate: allowPrivate,
		logger:       logger.With("component", "automation"),
		now:          time.Now,
	}
}

// CreateRule validates req and stores it for apiID.
func (s *Service) CreateRule(ctx context.Context, apiID string, req CreateRuleRequest) (*Rule, error) {
	if _, err := s.endpoints.Get(ctx, apiID); err != nil {
		return nil, err
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	r := &Rule{
		ID:        idgen.WithPrefix("rule_"),
		APIID:     apiID,
		Name:      validation.SanitizeString(req.Name, validation.MaxNameLength),
		Enabled:   enabled,
		Triggers:  req.Triggers,
		Actions:   req.Actions,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	logging.Ctx(ctx, s.logger).Info("automation rule created",
		"api_id", apiID, "rule_id", r.ID, "triggers", r.Triggers, "actions", len(r.Actions))
	return r, nil
}

func (s *Service) validate(req CreateRuleRequest) error {
	rules := []validation.Rule{
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, validation.MaxNameLength),
	}
	if err := validation.Validate(rules...); err != nil {
		return err
	}

	var errs validation.Errors
	if len(req.Triggers) == 0 {
		errs = append(errs, validation.FieldError{Field: "triggers", Message: "at least one trigger is required"})
	}
	for _, t := range req.Triggers {
		if !t.Valid() {
			errs = append(errs, validation.FieldError{Field: "triggers", Message: fmt.Sprintf("unknown trigger %q", t)})
		}
	}
	switch {
	case len(req.Actions) == 0:
		errs = append(errs, validation.FieldError{Field: "actions", Message: "at least one action is required"})
	case len(req.Actions) > MaxActionsPerRule:
		errs = append(errs, validation.FieldError{Field: "actions", Message: fmt.Sprintf("at most %d actions", MaxActionsPerRule)})
	}
	for i, a := range req.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if err := validateAction(a); err != nil {
			errs = append(errs, validation.FieldError{Field: field, Message: err.Error()})
			continue
		}
		if n, ok := a.(Notify); ok && n.WebhookURL != "" {
			if err := security.ValidateUpstreamURL(n.WebhookURL, s.allowPrivate); err != nil {
				errs = append(errs, validation.FieldError{Field: field + ".webhookUrl", Message: err.Error()})
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ListRules returns every rule of apiID, oldest first.
func (s *Service) ListRules(ctx context.Context, apiID string) ([]*Rule, error) {
	if _, err := s.endpoints.Get(ctx, apiID); err != nil {
		return nil, err
	}
	return s.store.ListRules(ctx, apiID)
}

// SetEnabled turns a rule on or off.
func (s *Service) SetEnabled(ctx context.Context, apiID, ruleID string, enabled bool) (*Rule, error) {
	if err := s.store.SetRuleEnabled(ctx, apiID, ruleID, enabled); err != nil {
		return nil, err
	}
	logging.Ctx(ctx, s.logger).Info("automation rule toggled", "api_id", apiID, "rule_id", ruleID, "enabled", enabled)
	return s.store.GetRule(ctx, apiID, ruleID)
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, apiID, ruleID string) error {
	return s.store.DeleteRule(ctx, apiID, ruleID)
}

// Decisions returns a page of apiID's decisions, newest first.
func (s *Service) Decisions(ctx context.Context, apiID, cursor string, limit int) (pagination.Page[*Decision], error) {
	if _, err := s.endpoints.Get(ctx, apiID); err != nil {
		return pagination.Page[*Decision]{}, err
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Decision]{}, err
	}
	items, err := s.store.ListDecisions(ctx, apiID, after, limit+1)
	if err != nil {
		return pagination.Page[*Decision]{}, fmt.Errorf("list decisions: %w", err)
	}
	return pagination.ComputePage(items, limit, func(d *Decision) (time.Time, string) {
		return d.CreatedAt, d.ID
	}), nil
}
