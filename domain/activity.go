package domain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Activity types recorded in the item journal.
const (
	ActivityStageChanged         = "stage_changed"
	ActivityPriorityChanged      = "priority_changed"
	ActivityAgentChanged         = "agent_changed"
	ActivityValueChanged         = "value_changed"
	ActivityNoteAdded            = "note_added"
	ActivityAttachmentAdded      = "attachment_added"
	ActivityChecklistItemAdded   = "checklist_item_added"
	ActivityChecklistItemToggled = "checklist_item_toggled"
	ActivityConversationLinked   = "conversation_linked"
	ActivityConversationUnlinked = "conversation_unlinked"
)

// ActivityUser identifies who triggered a journal entry.
type ActivityUser struct {
	ID        *int64 `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Activity is one append-only journal record embedded in the item.
type Activity struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Details   map[string]any `json:"details,omitempty"`
	User      ActivityUser   `json:"user"`
	CreatedAt time.Time      `json:"created_at"`
}

// ActivityEvent is a pending journal entry produced by the pre/post
// diff before it is stamped and appended.
type ActivityEvent struct {
	Type    string
	Details map[string]any
}

// ItemPersister persists journal mutations back to storage.
type ItemPersister interface {
	UpdateItem(ctx context.Context, item *KanbanItem) error
}

// ConversationNotifier mirrors a human-readable activity summary into
// the linked conversation's own timeline. It is a write-only call on
// the host CRM.
type ConversationNotifier interface {
	AppendActivityMessage(ctx context.Context, accountID, conversationDisplayID int64, content string) error
}

// AgentLookup resolves agent display names for journal details.
type AgentLookup interface {
	AgentName(ctx context.Context, accountID, agentID int64) (string, error)
}

// Journal appends structured activity records to items and mirrors
// summaries to linked conversations.
type Journal struct {
	store         ItemPersister
	conversations ConversationNotifier
	agents        AgentLookup
	now           func() time.Time
}

// NewJournal creates a Journal. conversations and agents may be nil
// when the host offers no such collaborators.
func NewJournal(store ItemPersister, conversations ConversationNotifier, agents AgentLookup) *Journal {
	if store == nil {
		panic("domain.NewJournal: item persister is nil")
	}
	return &Journal{
		store:         store,
		conversations: conversations,
		agents:        agents,
		now:           time.Now,
	}
}

var lastActivityID atomic.Int64

// nextActivityID derives a strictly increasing id from the wall clock.
// Ids stay unique even when two records land in the same second.
func nextActivityID(now time.Time) int64 {
	for {
		candidate := now.Unix()
		last := lastActivityID.Load()
		if candidate <= last {
			candidate = last + 1
		}
		if lastActivityID.CompareAndSwap(last, candidate) {
			return candidate
		}
	}
}

// Record appends one journal entry to the item and persists it. When
// the item links a conversation, a readable summary is mirrored there;
// mirror failures are logged, never surfaced.
func (j *Journal) Record(ctx context.Context, item *KanbanItem, activityType string, details map[string]any, user ActivityUser) error {
	now := j.now().UTC()
	entry := Activity{
		ID:        nextActivityID(now),
		Type:      activityType,
		Details:   details,
		User:      user,
		CreatedAt: now,
	}
	item.ItemDetails.Activities = append(item.ItemDetails.Activities, entry)

	if err := j.store.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("persist activity %s on item %d: %w", activityType, item.ID, err)
	}

	if j.conversations != nil && item.ConversationDisplayID != nil {
		content := conversationSummary(activityType, details, user)
		if err := j.conversations.AppendActivityMessage(ctx, item.AccountID, *item.ConversationDisplayID, content); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"item":         item.ID,
				"conversation": *item.ConversationDisplayID,
			}).Error("failed to mirror activity to conversation")
		}
	}
	return nil
}

// SendTemplateMessage delivers a stage template's content to the
// item's linked conversation. A nil notifier or an unlinked item is a
// no-op.
func (j *Journal) SendTemplateMessage(ctx context.Context, item *KanbanItem, content string) error {
	if j.conversations == nil || item.ConversationDisplayID == nil || content == "" {
		return nil
	}
	if err := j.conversations.AppendActivityMessage(ctx, item.AccountID, *item.ConversationDisplayID, content); err != nil {
		return fmt.Errorf("send template message to conversation %d: %w", *item.ConversationDisplayID, err)
	}
	return nil
}

// RecordChanges diffs the pre- and post-mutation snapshots and records
// one journal entry per detected category. The journal is a derived
// side effect of persistence: callers never name the activity types
// themselves for these categories. The recorded events are returned so
// callers can fan them out to webhooks.
func (j *Journal) RecordChanges(ctx context.Context, pre, post *KanbanItem, user ActivityUser) ([]ActivityEvent, error) {
	events := j.diffChanges(ctx, pre, post)
	for _, ev := range events {
		if err := j.Record(ctx, post, ev.Type, ev.Details, user); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (j *Journal) diffChanges(ctx context.Context, pre, post *KanbanItem) []ActivityEvent {
	if pre == nil || post == nil {
		return nil
	}
	var events []ActivityEvent

	if pre.FunnelStage != post.FunnelStage {
		events = append(events, ActivityEvent{
			Type: ActivityStageChanged,
			Details: map[string]any{
				"old_stage": pre.FunnelStage,
				"new_stage": post.FunnelStage,
			},
		})
	}
	if pre.ItemDetails.Priority != post.ItemDetails.Priority {
		events = append(events, ActivityEvent{
			Type: ActivityPriorityChanged,
			Details: map[string]any{
				"old_priority": pre.ItemDetails.Priority,
				"new_priority": post.ItemDetails.Priority,
			},
		})
	}
	if !int64PtrEq(pre.ItemDetails.AgentID, post.ItemDetails.AgentID) {
		events = append(events, ActivityEvent{
			Type: ActivityAgentChanged,
			Details: map[string]any{
				"old_agent": j.agentName(ctx, pre.AccountID, pre.ItemDetails.AgentID),
				"new_agent": j.agentName(ctx, post.AccountID, post.ItemDetails.AgentID),
			},
		})
	}
	if pre.ItemDetails.Value != post.ItemDetails.Value || !currencyEq(pre.ItemDetails.Currency, post.ItemDetails.Currency) {
		events = append(events, ActivityEvent{
			Type: ActivityValueChanged,
			Details: map[string]any{
				"old_value":    pre.ItemDetails.Value,
				"new_value":    post.ItemDetails.Value,
				"old_currency": pre.ItemDetails.Currency,
				"new_currency": post.ItemDetails.Currency,
			},
		})
	}
	return events
}

func (j *Journal) agentName(ctx context.Context, accountID int64, agentID *int64) string {
	if agentID == nil || j.agents == nil {
		return ""
	}
	name, err := j.agents.AgentName(ctx, accountID, *agentID)
	if err != nil {
		log.WithError(err).WithField("agent", *agentID).Debug("agent name lookup failed")
		return ""
	}
	return name
}

func int64PtrEq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func currencyEq(a, b *Currency) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// conversationSummary renders the human-readable line mirrored into a
// linked conversation. Wording matches the messages agents already see
// in their conversation timelines.
func conversationSummary(activityType string, details map[string]any, user ActivityUser) string {
	name := user.Name
	if name == "" {
		name = "Sistema"
	}
	switch activityType {
	case ActivityStageChanged:
		return fmt.Sprintf("%s moveu o item do Kanban para %v", name, details["new_stage"])
	case ActivityPriorityChanged:
		return fmt.Sprintf("%s alterou a prioridade do item do Kanban para %v", name, details["new_priority"])
	case ActivityAgentChanged:
		return fmt.Sprintf("%s atribuiu o item do Kanban para %v", name, details["new_agent"])
	case ActivityNoteAdded:
		return fmt.Sprintf("%s adicionou uma nota ao item do Kanban: %v", name, details["note_text"])
	case ActivityConversationLinked:
		return fmt.Sprintf("%s vinculou o item do Kanban à conversa", name)
	case ActivityConversationUnlinked:
		return fmt.Sprintf("%s desvinculou o item do Kanban da conversa", name)
	default:
		return fmt.Sprintf("%s atualizou o item do Kanban", name)
	}
}

// TruncateNote shortens note text for journal details the way the
// conversation timeline renders it.
func TruncateNote(text string) string {
	const max = 100
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}
