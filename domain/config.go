package domain

import "time"

// Webhook event types an account may subscribe to.
const (
	EventItemCreated      = "kanban.item.created"
	EventItemUpdated      = "kanban.item.updated"
	EventItemDeleted      = "kanban.item.deleted"
	EventItemStageChanged = "kanban.item.stage_changed"
	EventItemsReordered   = "kanban.items.reordered"
)

// AvailableWebhookEvents lists every event type the dispatcher emits.
var AvailableWebhookEvents = []string{
	EventItemCreated,
	EventItemUpdated,
	EventItemDeleted,
	EventItemStageChanged,
	EventItemsReordered,
}

// BoardConfig holds per-account board settings, including the webhook
// configuration consumed by the dispatcher.
type BoardConfig struct {
	ID            int64          `json:"id"`
	AccountID     int64          `json:"account_id"`
	AccountName   string         `json:"account_name,omitempty"`
	Enabled       bool           `json:"enabled"`
	Config        map[string]any `json:"config,omitempty"`
	WebhookURL    string         `json:"webhook_url,omitempty"`
	WebhookSecret string         `json:"-"`
	WebhookEvents []string       `json:"webhook_events,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DefaultBoardConfig are the fallback values for config keys that were
// never set on the account.
var DefaultBoardConfig = map[string]any{
	"title":                 "Gestor de Pedidos",
	"default_view":          "kanban",
	"auto_assignment":       false,
	"notifications_enabled": false,
	"quick_message_enabled": false,
	"dragbar_enabled":       true,
}

// WebhookEnabled reports whether the account delivers webhooks at all.
func (c *BoardConfig) WebhookEnabled() bool {
	return c != nil && c.Enabled && c.WebhookURL != ""
}

// WebhookEventEnabled reports whether the given event type is in the
// account's allow-list.
func (c *BoardConfig) WebhookEventEnabled(event string) bool {
	if !c.WebhookEnabled() {
		return false
	}
	for _, e := range c.WebhookEvents {
		if e == event {
			return true
		}
	}
	return false
}

// ConfigValue returns the configured value for key, falling back to
// the board defaults.
func (c *BoardConfig) ConfigValue(key string) any {
	if c != nil {
		if v, ok := c.Config[key]; ok {
			return v
		}
	}
	return DefaultBoardConfig[key]
}

// ConfigBool returns a boolean config value, false when unset or of
// another type.
func (c *BoardConfig) ConfigBool(key string) bool {
	v, _ := c.ConfigValue(key).(bool)
	return v
}
