package api

import (
	"context"
	"time"

	"github.com/lucirlei/chathub360-kanban/domain"
	"github.com/lucirlei/chathub360-kanban/storage"
	"github.com/lucirlei/chathub360-kanban/webhook"
)

// ItemStore abstracts item persistence for handlers.
type ItemStore interface {
	ListItems(ctx context.Context, filter storage.ListFilter) (storage.ListResult, error)
	GetItem(ctx context.Context, accountID, id int64) (*domain.KanbanItem, error)
	CreateItem(ctx context.Context, item *domain.KanbanItem) (domain.ValidationErrors, error)
	UpdateItem(ctx context.Context, item *domain.KanbanItem) error
	DeleteItem(ctx context.Context, accountID, id int64) error
	MoveToStage(ctx context.Context, item *domain.KanbanItem, newStage string) (bool, error)
	Reorder(ctx context.Context, accountID int64, positions []storage.PositionUpdate) error
	AssignAgent(ctx context.Context, item *domain.KanbanItem, agent domain.AssignedAgent) (bool, error)
	RemoveAgent(ctx context.Context, item *domain.KanbanItem, agentID int64) (bool, error)
	StartTimer(ctx context.Context, item *domain.KanbanItem) (bool, error)
	StopTimer(ctx context.Context, item *domain.KanbanItem) (bool, error)
	AddChecklistItem(ctx context.Context, item *domain.KanbanItem, text string, agentID *int64) (domain.ChecklistItem, error)
	ToggleChecklistItem(ctx context.Context, item *domain.KanbanItem, entryID string) (domain.ChecklistItem, error)
	AddNote(ctx context.Context, item *domain.KanbanItem, note domain.Note) (domain.Note, error)
}

// FunnelStore abstracts funnel persistence for handlers.
type FunnelStore interface {
	ListFunnels(ctx context.Context, accountID int64) ([]domain.Funnel, error)
	GetFunnel(ctx context.Context, accountID, id int64) (*domain.Funnel, error)
	CreateFunnel(ctx context.Context, funnel *domain.Funnel) (domain.ValidationErrors, error)
	UpdateFunnel(ctx context.Context, funnel *domain.Funnel) (domain.ValidationErrors, error)
	DeleteFunnel(ctx context.Context, accountID, id int64) error
}

// ConfigStore abstracts board configuration persistence for handlers.
type ConfigStore interface {
	GetBoardConfig(ctx context.Context, accountID int64) (*domain.BoardConfig, error)
	SaveBoardConfig(ctx context.Context, cfg *domain.BoardConfig) error
}

// Store is the full persistence surface the handlers depend on.
type Store interface {
	ItemStore
	FunnelStore
	ConfigStore
}

// Invalidator drops cached reads made stale by a mutation.
type Invalidator interface {
	InvalidateItem(ctx context.Context, accountID, id int64, previousUpdatedAt time.Time)
	InvalidateListing(ctx context.Context, accountID, funnelID int64, stages ...string)
	InvalidateAgent(ctx context.Context, accountID, funnelID, agentID int64)
}

// Notifier fans mutations out to account-configured webhooks.
type Notifier interface {
	NotifyItemCreated(ctx context.Context, item *domain.KanbanItem)
	NotifyItemUpdated(ctx context.Context, item *domain.KanbanItem, changes map[string]any)
	NotifyItemDeleted(ctx context.Context, item *domain.KanbanItem)
	NotifyStageChange(ctx context.Context, item *domain.KanbanItem, fromStage, toStage string)
	NotifyItemsReordered(ctx context.Context, accountID int64, items []domain.KanbanItem, changes []webhook.ReorderChange)
}

// Journal records item activity entries and mirrors content into the
// linked conversation.
type Journal interface {
	Record(ctx context.Context, item *domain.KanbanItem, activityType string, details map[string]any, user domain.ActivityUser) error
	RecordChanges(ctx context.Context, pre, post *domain.KanbanItem, user domain.ActivityUser) ([]domain.ActivityEvent, error)
	SendTemplateMessage(ctx context.Context, item *domain.KanbanItem, content string) error
}

// Claims carries the caller identity extracted from a verified token.
type Claims struct {
	AccountID int64
	AgentID   int64
	Name      string
}

// Authenticator is implemented by types able to extract caller claims
// from the Authorization header.
type Authenticator interface {
	ClaimsFromAuthHeader(string) (*Claims, error)
}

// Authorizer answers capability checks for an authenticated caller.
// Policy lives with the host platform; the handlers trust these
// answers and apply no rules of their own.
type Authorizer interface {
	CanView(claims *Claims) bool
	CanCreate(claims *Claims) bool
	CanUpdate(claims *Claims) bool
	CanDelete(claims *Claims) bool
	CanReorder(claims *Claims) bool
	CanMoveStage(claims *Claims) bool
}

// AllowAll grants every capability. Deployments without a policy
// backend wire this.
type AllowAll struct{}

func (AllowAll) CanView(*Claims) bool      { return true }
func (AllowAll) CanCreate(*Claims) bool    { return true }
func (AllowAll) CanUpdate(*Claims) bool    { return true }
func (AllowAll) CanDelete(*Claims) bool    { return true }
func (AllowAll) CanReorder(*Claims) bool   { return true }
func (AllowAll) CanMoveStage(*Claims) bool { return true }
