package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Rule kinds. One discriminated type covers the two historical rule
// shapes: auto-creation conditions (typed, attribute-based) and
// template conditions (dotted field path + operator).
const (
	RuleTag             = "tag"
	RuleCustomAttribute = "customAttribute"
	RuleMessageContains = "messageContains"
	RulePriority        = "priority"
	RuleInbox           = "inbox"
	RuleFieldCompare    = "fieldCompare"
)

// Comparison operators shared by both rule families.
const (
	OpEquals      = "equals"
	OpEqualTo     = "equal_to"
	OpNotEquals   = "not_equals"
	OpNotEqualTo  = "not_equal_to"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

// Rule is one declarative predicate. Which fields are meaningful
// depends on Kind: fieldCompare uses Field+Operator+Value,
// customAttribute uses Attribute+Operator+Value, the rest use Value
// alone.
type Rule struct {
	Kind      string `json:"kind"`
	Field     string `json:"field,omitempty"`
	Attribute string `json:"attribute,omitempty"`
	Operator  string `json:"operator,omitempty"`
	Value     any    `json:"value,omitempty"`
}

// Legacy wire names used by stored auto-creation conditions.
var legacyRuleKinds = map[string]string{
	"contact_has_tag":              RuleTag,
	"contact_has_custom_attribute": RuleCustomAttribute,
	"message_contains":             RuleMessageContains,
	"conversation_has_priority":    RulePriority,
	"inbox_matches":                RuleInbox,
}

// UnmarshalJSON accepts both the current shape ({kind,...}) and the
// two historical ones: {type, value, attribute?, operator?} for
// auto-creation rules and {field, operator, value} for template rules.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind      string `json:"kind"`
		Type      string `json:"type"`
		Field     string `json:"field"`
		Attribute string `json:"attribute"`
		Operator  string `json:"operator"`
		Value     any    `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Field = raw.Field
	r.Attribute = raw.Attribute
	r.Operator = raw.Operator
	r.Value = raw.Value

	switch {
	case raw.Kind != "":
		r.Kind = raw.Kind
	case raw.Type != "":
		if mapped, ok := legacyRuleKinds[raw.Type]; ok {
			r.Kind = mapped
		} else {
			r.Kind = raw.Type
		}
	case raw.Field != "":
		r.Kind = RuleFieldCompare
	}
	return nil
}

// ConversationContext is the read-only snapshot of a conversation and
// its contact consumed by rule evaluation. It is provided by the host
// CRM collaborator.
type ConversationContext struct {
	DisplayID           int64
	InboxID             int64
	AccountID           int64
	Priority            string
	AssigneeID          *int64
	CustomAttributes    map[string]any
	Contact             ContactContext
	LastIncomingMessage string
	HasIncomingMessages bool
}

// ContactContext carries the contact attributes rules can reference.
type ContactContext struct {
	ID               int64
	Name             string
	Labels           []string
	CustomAttributes map[string]any
}

// EvaluateAutoCreate evaluates auto-creation rules against a
// conversation. All rules are ANDed; an empty rule list matches
// vacuously. Unknown rule kinds are treated as satisfied: stored
// conditions written by newer versions must not block creation.
func EvaluateAutoCreate(rules []Rule, conv ConversationContext) bool {
	for _, rule := range rules {
		if !evaluateAutoCreateRule(rule, conv) {
			return false
		}
	}
	return true
}

func evaluateAutoCreateRule(rule Rule, conv ConversationContext) bool {
	switch rule.Kind {
	case RuleTag:
		want := normalizeValue(rule.Value)
		for _, label := range conv.Contact.Labels {
			if strings.ToLower(label) == want {
				return true
			}
		}
		return false
	case RuleCustomAttribute:
		got, ok := conv.Contact.CustomAttributes[rule.Attribute]
		if !ok || stringifyValue(got) == "" {
			return false
		}
		return compareAttribute(got, rule.Operator, rule.Value)
	case RuleMessageContains:
		if !conv.HasIncomingMessages {
			return false
		}
		return strings.Contains(strings.ToLower(conv.LastIncomingMessage), normalizeValue(rule.Value))
	case RulePriority:
		return conv.Priority == stringifyValue(rule.Value)
	case RuleInbox:
		return strconv.FormatInt(conv.InboxID, 10) == stringifyValue(rule.Value)
	default:
		// Unknown condition kinds do not block creation.
		return true
	}
}

func compareAttribute(got any, operator string, want any) bool {
	switch operator {
	case OpEqualTo:
		return stringifyValue(got) == stringifyValue(want)
	case OpContains:
		return strings.Contains(strings.ToLower(stringifyValue(got)), normalizeValue(want))
	case OpNotEqualTo:
		return stringifyValue(got) != stringifyValue(want)
	default:
		return true
	}
}

// EvaluateTemplateRules evaluates template-selection rules against an
// item. All rules are ANDed; an empty list matches vacuously. Unlike
// auto-creation kinds, an unknown operator here fails the rule.
func EvaluateTemplateRules(rules []Rule, item *KanbanItem) bool {
	for _, rule := range rules {
		if !evaluateFieldRule(rule, item) {
			return false
		}
	}
	return true
}

func evaluateFieldRule(rule Rule, item *KanbanItem) bool {
	got := item.DetailsField(rule.Field)
	switch rule.Operator {
	case OpEquals, OpEqualTo:
		return normalizeValue(got) == normalizeValue(rule.Value)
	case OpNotEquals, OpNotEqualTo:
		return normalizeValue(got) != normalizeValue(rule.Value)
	case OpContains:
		return strings.Contains(normalizeValue(got), normalizeValue(rule.Value))
	case OpGreaterThan:
		return toFloat(got) > toFloat(rule.Value)
	case OpLessThan:
		return toFloat(got) < toFloat(rule.Value)
	default:
		return false
	}
}

// DetailsField resolves a dotted path (a.b.c) against the item's
// details document. The priority segment is translated through the
// display label map before comparison; templates were historically
// authored against the rendered labels, so matching must go through
// the same translation.
func (i *KanbanItem) DetailsField(path string) any {
	if path == "" {
		return nil
	}
	var current any = i.ItemDetails.asMap()
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		value := node[segment]
		if segment == "priority" {
			value = TranslatePriority(stringifyValue(value))
		}
		current = value
	}
	return current
}

func (d ItemDetails) asMap() map[string]any {
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Priority display labels. The locale-specific labels leaked into
// stored template rules, so the mapping is part of matching behavior.
var priorityLabels = map[string]string{
	"none":   "Nenhuma",
	"low":    "Baixa",
	"medium": "Média",
	"high":   "Alta",
	"urgent": "Urgente",
}

// TranslatePriority maps a priority key to its display label,
// returning the input unchanged when it has no label.
func TranslatePriority(priority string) string {
	if label, ok := priorityLabels[priority]; ok {
		return label
	}
	return priority
}

// FindApplicableTemplate picks the message template to send when an
// item enters the given stage: first a default template whose rules
// match, then any matching template, else nil.
func FindApplicableTemplate(stage StageConfig, item *KanbanItem) *MessageTemplate {
	for idx := range stage.MessageTemplates {
		t := &stage.MessageTemplates[idx]
		if t.IsDefault && templateConditionsMet(t, item) {
			return t
		}
	}
	for idx := range stage.MessageTemplates {
		t := &stage.MessageTemplates[idx]
		if templateConditionsMet(t, item) {
			return t
		}
	}
	return nil
}

func templateConditionsMet(t *MessageTemplate, item *KanbanItem) bool {
	if t.Conditions == nil || !t.Conditions.Enabled || len(t.Conditions.Rules) == 0 {
		return true
	}
	return EvaluateTemplateRules(t.Conditions.Rules, item)
}

func normalizeValue(v any) string {
	return strings.TrimSpace(strings.ToLower(stringifyValue(v)))
}

func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
