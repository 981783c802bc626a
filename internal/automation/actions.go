package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ActionKind tags an action in its stored JSON form.
type ActionKind string

const (
	KindUpdatePrice ActionKind = "UPDATE_PRICE"
	KindNotify      ActionKind = "SEND_NOTIFICATION"
	KindAgentHook   ActionKind = "AGENT_HOOK"
)

// Action is one step of a rule. The set of implementations is closed:
// PriceAdjust, Notify, AgentHook and Unknown.
type Action interface {
	Kind() ActionKind
	action()
}

// PriceMode selects how PriceAdjust derives the next price.
type PriceMode string

const (
	ModeIncrease PriceMode = "INCREASE"
	ModeDecrease PriceMode = "DECREASE"
	ModeSet      PriceMode = "SET"
	ModeMultiply PriceMode = "MULTIPLY"
)

// Defaults for PriceAdjust when Amount or Multiplier is zero.
const (
	DefaultStep       = 0.1
	DefaultMultiplier = 1.1
)

// PriceAdjust changes the endpoint price. The result is always clamped
// into the endpoint's bounds before it is stored.
type PriceAdjust struct {
	Mode       PriceMode `json:"mode"`
	Amount     float64   `json:"amount,omitempty"`
	Multiplier float64   `json:"multiplier,omitempty"`
}

// Notify logs Message and, when WebhookURL is set, delivers it as a
// signed webhook.
type Notify struct {
	Message    string `json:"message,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// AgentHook is a placeholder for an AI decision step; it is only logged.
type AgentHook struct {
	Prompt string `json:"prompt,omitempty"`
}

// Unknown holds a stored action whose kind this build does not recognize.
// It is kept verbatim so a round trip does not lose it.
type Unknown struct {
	Type ActionKind
	Raw  json.RawMessage
}

func (PriceAdjust) Kind() ActionKind { return KindUpdatePrice }
func (Notify) Kind() ActionKind      { return KindNotify }
func (AgentHook) Kind() ActionKind   { return KindAgentHook }
func (u Unknown) Kind() ActionKind   { return u.Type }

func (PriceAdjust) action() {}
func (Notify) action()      {}
func (AgentHook) action()   {}
func (Unknown) action()     {}

// Next computes the unclamped price that follows current.
func (p PriceAdjust) Next(current float64) float64 {
	switch p.Mode {
	case ModeIncrease:
		return current + orDefault(p.Amount, DefaultStep)
	case ModeDecrease:
		return current - orDefault(p.Amount, DefaultStep)
	case ModeSet:
		return orDefault(p.Amount, current)
	case ModeMultiply:
		return current * orDefault(p.Multiplier, DefaultMultiplier)
	}
	return current
}

// Reason is the audit text recorded with each decision.
func (p PriceAdjust) Reason() string {
	mode := string(p.Mode)
	if mode == "" {
		mode = "UPDATE"
	}
	return "Flow automation: " + mode
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// validateAction rejects actions that cannot be stored. Unknown is never valid
// input.
func validateAction(a Action) error {
	switch v := a.(type) {
	case PriceAdjust:
		switch v.Mode {
		case ModeIncrease, ModeDecrease, ModeSet, ModeMultiply:
		default:
			return fmt.Errorf("unknown price mode %q", v.Mode)
		}
		if !finite(v.Amount) || !finite(v.Multiplier) {
			return errors.New("amount and multiplier must be finite")
		}
		if v.Mode == ModeSet && v.Amount < 0 {
			return errors.New("SET amount must not be negative")
		}
		return nil
	case Notify, AgentHook:
		return nil
	case Unknown:
		return fmt.Errorf("unknown action kind %q", v.Type)
	}
	return fmt.Errorf("unsupported action %T", a)
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Actions is an ordered action list with a JSON codec keyed by "kind".
type Actions []Action

type kindOnly struct {
	Kind ActionKind `json:"kind"`
}

// MarshalJSON writes each action as an object carrying its kind.
func (as Actions) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(as))
	for _, a := range as {
		raw, err := encodeAction(a)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes each element by its kind. Unrecognized kinds
// decode to Unknown rather than failing.
func (as *Actions) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Actions, 0, len(raws))
	for i, raw := range raws {
		a, err := decodeAction(raw)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	*as = out
	return nil
}

func encodeAction(a Action) (json.RawMessage, error) {
	switch v := a.(type) {
	case PriceAdjust:
		return json.Marshal(struct {
			Kind ActionKind `json:"kind"`
			PriceAdjust
		}{v.Kind(), v})
	case Notify:
		return json.Marshal(struct {
			Kind ActionKind `json:"kind"`
			Notify
		}{v.Kind(), v})
	case AgentHook:
		return json.Marshal(struct {
			Kind ActionKind `json:"kind"`
			AgentHook
		}{v.Kind(), v})
	case Unknown:
		if len(v.Raw) > 0 {
			return v.Raw, nil
		}
		return json.Marshal(kindOnly{Kind: v.Type})
	}
	return nil, fmt.Errorf("unsupported action %T", a)
}

func decodeAction(raw json.RawMessage) (Action, error) {
	var k kindOnly
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, err
	}
	switch k.Kind {
	case KindUpdatePrice:
		var v PriceAdjust
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindNotify:
		var v Notify
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindAgentHook:
		var v AgentHook
		err := json.Unmarshal(raw, &v)
		return v, err
	}
	return Unknown{Type: k.Kind, Raw: append(json.RawMessage(nil), raw...)}, nil
}
