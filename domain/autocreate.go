package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// AutoCreateItemStore is the slice of the item repository the
// auto-creation engine needs.
type AutoCreateItemStore interface {
	ExistsForConversation(ctx context.Context, accountID, conversationDisplayID int64) (bool, error)
	CreateItem(ctx context.Context, item *KanbanItem) (ValidationErrors, error)
}

// FunnelSource lists the funnels auto-creation scans.
type FunnelSource interface {
	ListActiveFunnels(ctx context.Context, accountID int64) ([]Funnel, error)
}

// AutoCreationEngine materializes kanban items for inbound
// conversations whose attributes match a stage's auto-creation rules.
type AutoCreationEngine struct {
	items   AutoCreateItemStore
	funnels FunnelSource
	now     func() time.Time
}

func NewAutoCreationEngine(items AutoCreateItemStore, funnels FunnelSource) *AutoCreationEngine {
	if items == nil || funnels == nil {
		panic("domain.NewAutoCreationEngine: nil dependency")
	}
	return &AutoCreationEngine{items: items, funnels: funnels, now: time.Now}
}

// HandleConversationCreated runs the auto-creation scan for a freshly
// created conversation. At most one item exists per conversation
// system-wide: the existence check runs before any funnel is
// considered, so a second run (or a second matching funnel) creates
// nothing. Returns the created item, or nil when no stage matched.
func (e *AutoCreationEngine) HandleConversationCreated(ctx context.Context, conv ConversationContext) (*KanbanItem, error) {
	exists, err := e.items.ExistsForConversation(ctx, conv.AccountID, conv.DisplayID)
	if err != nil {
		return nil, fmt.Errorf("auto-create existence check: %w", err)
	}
	if exists {
		return nil, nil
	}

	funnels, err := e.funnels.ListActiveFunnels(ctx, conv.AccountID)
	if err != nil {
		return nil, fmt.Errorf("auto-create funnel scan: %w", err)
	}

	for _, funnel := range funnels {
		for _, stageID := range funnel.AvailableStages() {
			stage := funnel.Stages[stageID]
			if !e.shouldCreate(stage, conv) {
				continue
			}
			item := e.buildItem(funnel, stageID, conv)
			validationErrs, err := e.items.CreateItem(ctx, item)
			if err != nil {
				return nil, fmt.Errorf("auto-create item in funnel %d stage %s: %w", funnel.ID, stageID, err)
			}
			if !validationErrs.Empty() {
				log.WithFields(log.Fields{
					"funnel": funnel.ID,
					"stage":  stageID,
					"errors": validationErrs,
				}).Error("auto-created item failed validation")
				return nil, nil
			}
			log.WithFields(log.Fields{
				"item":         item.ID,
				"funnel":       funnel.ID,
				"stage":        stageID,
				"conversation": conv.DisplayID,
			}).Info("kanban item auto-created")
			return item, nil
		}
	}
	return nil, nil
}

func (e *AutoCreationEngine) shouldCreate(stage StageConfig, conv ConversationContext) bool {
	if len(stage.AutoCreateConditions) == 0 {
		return false
	}
	conditions := append([]Rule(nil), stage.AutoCreateConditions...)
	// A stage bound to an inbox implicitly requires the conversation
	// to come from that inbox.
	if stage.InboxID != nil {
		conditions = append(conditions, Rule{Kind: RuleInbox, Value: *stage.InboxID})
	}
	return EvaluateAutoCreate(conditions, conv)
}

func (e *AutoCreationEngine) buildItem(funnel Funnel, stageID string, conv ConversationContext) *KanbanItem {
	now := e.now().UTC()
	title := conv.Contact.Name
	if title == "" {
		title = "Sem nome"
	}
	priority := conv.Priority
	if priority == "" {
		priority = "none"
	}
	displayID := conv.DisplayID

	var attrs []CustomAttribute
	for name, value := range conv.CustomAttributes {
		attrs = append(attrs, CustomAttribute{Name: name, Value: value})
	}

	return &KanbanItem{
		AccountID:             conv.AccountID,
		FunnelID:              funnel.ID,
		FunnelStage:           stageID,
		ConversationDisplayID: &displayID,
		ItemDetails: ItemDetails{
			Title:            title,
			Status:           "open",
			Priority:         priority,
			Currency:         &Currency{Symbol: "R$", Code: "BRL", Locale: "pt-BR"},
			AgentID:          conv.AssigneeID,
			ConversationID:   &displayID,
			Offers:           []Offer{},
			CustomAttributes: attrs,
			Notes: []Note{{
				ID:        uuid.NewString(),
				Text:      fmt.Sprintf("Esse item foi criado automaticamente pela etapa %s baseado nas condições configuradas!", stageID),
				CreatedAt: now,
			}},
		},
	}
}
