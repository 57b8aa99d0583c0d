package domain

import (
	"sort"
	"strings"
	"time"
)

// Funnel is an ordered set of named stages owned by an account.
type Funnel struct {
	ID                     int64                  `json:"id"`
	AccountID              int64                  `json:"account_id"`
	Name                   string                 `json:"name"`
	Description            string                 `json:"description,omitempty"`
	Active                 bool                   `json:"active"`
	Stages                 map[string]StageConfig `json:"stages"`
	Settings               map[string]any         `json:"settings,omitempty"`
	GlobalCustomAttributes []CustomAttributeDef   `json:"global_custom_attributes,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
}

// StageConfig is one named phase within a funnel. Stage ids are the
// map keys on the owning funnel.
type StageConfig struct {
	Name                 string            `json:"name"`
	Color                string            `json:"color,omitempty"`
	Description          string            `json:"description,omitempty"`
	Position             int               `json:"position"`
	InboxID              *int64            `json:"inbox_id,omitempty"`
	AutoCreateConditions []Rule            `json:"auto_create_conditions,omitempty"`
	MessageTemplates     []MessageTemplate `json:"message_templates,omitempty"`
}

// MessageTemplate is a canned outgoing message attached to a stage,
// optionally guarded by condition rules.
type MessageTemplate struct {
	Title      string              `json:"title,omitempty"`
	Content    string              `json:"content"`
	IsDefault  bool                `json:"is_default,omitempty"`
	Conditions *TemplateConditions `json:"conditions,omitempty"`
}

// TemplateConditions gates a template behind an ANDed rule list.
type TemplateConditions struct {
	Enabled bool   `json:"enabled"`
	Rules   []Rule `json:"rules,omitempty"`
}

// CustomAttributeDef declares a funnel-wide custom attribute.
type CustomAttributeDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// AvailableStages returns the stage ids ordered by their configured
// position.
func (f *Funnel) AvailableStages() []string {
	ids := make([]string, 0, len(f.Stages))
	for id := range f.Stages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		sa, sb := f.Stages[ids[a]], f.Stages[ids[b]]
		if sa.Position != sb.Position {
			return sa.Position < sb.Position
		}
		return ids[a] < ids[b]
	})
	return ids
}

// StageSettings returns the configuration for the named stage. The
// second result is false when the stage is not declared on the funnel.
func (f *Funnel) StageSettings(stageID string) (StageConfig, bool) {
	cfg, ok := f.Stages[stageID]
	return cfg, ok
}

// Validate checks the funnel invariants: a non-blank unique-per-account
// name (uniqueness is enforced by storage) and at least one stage.
func (f *Funnel) Validate() ValidationErrors {
	errs := ValidationErrors{}
	if strings.TrimSpace(f.Name) == "" {
		errs.Add("name", "must be present")
	}
	if f.AccountID == 0 {
		errs.Add("account_id", "must be present")
	}
	if len(f.Stages) == 0 {
		errs.Add("stages", "deve ser um objeto JSON válido")
	}
	for _, attr := range f.GlobalCustomAttributes {
		if attr.Name == "" || attr.Type == "" {
			errs.Add("global_custom_attributes", "deve ser um array de hashes com name e type")
			break
		}
	}
	return errs
}
