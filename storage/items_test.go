package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/lucirlei/chathub360-kanban/domain"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedFunnel(t *testing.T, s *Storage, accountID int64) *domain.Funnel {
	t.Helper()
	funnel := &domain.Funnel{
		AccountID: accountID,
		Name:      "Vendas",
		Active:    true,
		Stages: map[string]domain.StageConfig{
			"lead": {Name: "Lead", Position: 1},
			"won":  {Name: "Ganho", Position: 2},
		},
	}
	verrs, err := s.CreateFunnel(context.Background(), funnel)
	if err != nil || !verrs.Empty() {
		t.Fatalf("seed funnel: errs=%v err=%v", verrs, err)
	}
	return funnel
}

func seedItem(t *testing.T, s *Storage, funnel *domain.Funnel, title string) *domain.KanbanItem {
	t.Helper()
	item := &domain.KanbanItem{
		AccountID:   funnel.AccountID,
		FunnelID:    funnel.ID,
		FunnelStage: "lead",
		ItemDetails: domain.ItemDetails{Title: title},
	}
	verrs, err := s.CreateItem(context.Background(), item)
	if err != nil || !verrs.Empty() {
		t.Fatalf("seed item: errs=%v err=%v", verrs, err)
	}
	return item
}

func TestCreateItemAssignsSequentialPositions(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)

	first := seedItem(t, s, funnel, "Primeiro")
	second := seedItem(t, s, funnel, "Segundo")

	if first.Position != 1 || second.Position != 2 {
		t.Fatalf("positions = %d, %d; want 1, 2", first.Position, second.Position)
	}
	if first.ID == 0 || first.StageEnteredAt.IsZero() {
		t.Fatal("created item missing id or stage_entered_at")
	}
}

func TestCreateItemValidationErrors(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)

	item := &domain.KanbanItem{
		AccountID:   funnel.AccountID,
		FunnelID:    funnel.ID,
		FunnelStage: "lead",
	}
	verrs, err := s.CreateItem(context.Background(), item)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if verrs.Empty() {
		t.Fatal("blank title must produce validation errors")
	}
	if _, ok := verrs["item_details"]; !ok {
		t.Fatalf("expected item_details error, got %v", verrs)
	}
}

func TestCreateItemLinksConversationFromDetails(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)

	conversationID := int64(101)
	item := &domain.KanbanItem{
		AccountID:   funnel.AccountID,
		FunnelID:    funnel.ID,
		FunnelStage: "lead",
		ItemDetails: domain.ItemDetails{Title: "Pedido", ConversationID: &conversationID},
	}
	if verrs, err := s.CreateItem(context.Background(), item); err != nil || !verrs.Empty() {
		t.Fatalf("create: errs=%v err=%v", verrs, err)
	}

	exists, err := s.ExistsForConversation(context.Background(), funnel.AccountID, conversationID)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("conversation reference from details must be indexed")
	}
	otherAccount, err := s.ExistsForConversation(context.Background(), 999, conversationID)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if otherAccount {
		t.Fatal("conversation existence must be account-scoped")
	}
}

func TestGetItemNotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.GetItem(context.Background(), 1, 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetItemScopedToAccount(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	item := seedItem(t, s, funnel, "Pedido")

	if _, err := s.GetItem(context.Background(), 2, item.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-account read must miss, got %v", err)
	}
}

func TestListItemsFilters(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	ctx := context.Background()

	a := seedItem(t, s, funnel, "A")
	b := seedItem(t, s, funnel, "B")
	if _, err := s.MoveToStage(ctx, b, "won"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := s.AssignAgent(ctx, a, domain.AssignedAgent{ID: 7, Name: "Ana"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	stage := "lead"
	result, err := s.ListItems(ctx, ListFilter{AccountID: 1, StageID: &stage})
	if err != nil {
		t.Fatalf("list by stage: %v", err)
	}
	if result.Total != 1 || len(result.Items) != 1 || result.Items[0].ID != a.ID {
		t.Fatalf("stage filter result = %+v", result)
	}

	agentID := int64(7)
	result, err = s.ListItems(ctx, ListFilter{AccountID: 1, AgentID: &agentID})
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if result.Total != 1 || result.Items[0].ID != a.ID {
		t.Fatalf("agent filter result = %+v", result)
	}

	noAgent := int64(99)
	result, err = s.ListItems(ctx, ListFilter{AccountID: 1, AgentID: &noAgent})
	if err != nil {
		t.Fatalf("list by missing agent: %v", err)
	}
	if result.Total != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestListItemsPagination(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	for i := 0; i < 5; i++ {
		seedItem(t, s, funnel, "Pedido")
	}

	result, err := s.ListItems(context.Background(), ListFilter{AccountID: 1, Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Total != 5 || result.Page != 2 || len(result.Items) != 2 {
		t.Fatalf("page 2 result = %+v", result)
	}
	if result.Items[0].Position != 3 {
		t.Fatalf("page 2 starts at position %d, want 3", result.Items[0].Position)
	}
}

func TestMoveToStageSameStageIsNoOp(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	item := seedItem(t, s, funnel, "Pedido")
	entered := item.StageEnteredAt

	moved, err := s.MoveToStage(context.Background(), item, "lead")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved {
		t.Fatal("moving to the current stage must report false")
	}
	if !item.StageEnteredAt.Equal(entered) {
		t.Fatal("no-op move must not touch stage_entered_at")
	}
}

func TestMoveToStageStampsEntry(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	item := seedItem(t, s, funnel, "Pedido")
	entered := item.StageEnteredAt

	moved, err := s.MoveToStage(context.Background(), item, "won")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !moved {
		t.Fatal("expected move to apply")
	}

	fresh, err := s.GetItem(context.Background(), 1, item.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.FunnelStage != "won" {
		t.Fatalf("stage = %q, want won", fresh.FunnelStage)
	}
	if !fresh.StageEnteredAt.After(entered) && !fresh.StageEnteredAt.Equal(entered) {
		t.Fatal("stage_entered_at must be restamped on move")
	}
}

func TestReorderIsAtomic(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	ctx := context.Background()

	a := seedItem(t, s, funnel, "A")
	b := seedItem(t, s, funnel, "B")

	err := s.Reorder(ctx, 1, []PositionUpdate{
		{ID: a.ID, Position: 2, FunnelStage: "lead"},
		{ID: 9999, Position: 1, FunnelStage: "lead"},
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing item, got %v", err)
	}

	fresh, err := s.GetItem(ctx, 1, a.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.Position != 1 {
		t.Fatalf("failed batch must roll back, position = %d", fresh.Position)
	}

	if err := s.Reorder(ctx, 1, []PositionUpdate{
		{ID: a.ID, Position: 2, FunnelStage: "lead"},
		{ID: b.ID, Position: 1, FunnelStage: "won"},
	}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	freshB, _ := s.GetItem(ctx, 1, b.ID)
	if freshB.Position != 1 || freshB.FunnelStage != "won" {
		t.Fatalf("reorder not applied: %+v", freshB)
	}
}

func TestReorderWithoutStageKeepsStage(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	ctx := context.Background()

	a := seedItem(t, s, funnel, "A")

	if err := s.Reorder(ctx, 1, []PositionUpdate{
		{ID: a.ID, Position: 5},
	}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	fresh, err := s.GetItem(ctx, 1, a.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.Position != 5 {
		t.Fatalf("position = %d, want 5", fresh.Position)
	}
	if fresh.FunnelStage != "lead" {
		t.Fatalf("position-only reorder changed stage to %q", fresh.FunnelStage)
	}
}

func TestAssignAgentPersistsOnce(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	item := seedItem(t, s, funnel, "Pedido")
	ctx := context.Background()

	assigned, err := s.AssignAgent(ctx, item, domain.AssignedAgent{ID: 7, Name: "Ana"})
	if err != nil || !assigned {
		t.Fatalf("assign: assigned=%v err=%v", assigned, err)
	}
	assigned, err = s.AssignAgent(ctx, item, domain.AssignedAgent{ID: 7, Name: "Ana"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned {
		t.Fatal("duplicate assignment must report false")
	}

	fresh, _ := s.GetItem(ctx, 1, item.ID)
	if len(fresh.AssignedAgents) != 1 {
		t.Fatalf("persisted %d agents, want 1", len(fresh.AssignedAgents))
	}
}

func TestTimerRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	item := seedItem(t, s, funnel, "Pedido")
	ctx := context.Background()

	started, err := s.StartTimer(ctx, item)
	if err != nil || !started {
		t.Fatalf("start: started=%v err=%v", started, err)
	}
	started, err = s.StartTimer(ctx, item)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started {
		t.Fatal("second start must be a no-op")
	}

	fresh, _ := s.GetItem(ctx, 1, item.ID)
	if fresh.TimerStartedAt == nil {
		t.Fatal("running timer lost on reload")
	}

	stopped, err := s.StopTimer(ctx, fresh)
	if err != nil || !stopped {
		t.Fatalf("stop: stopped=%v err=%v", stopped, err)
	}
	fresh, _ = s.GetItem(ctx, 1, item.ID)
	if fresh.TimerStartedAt != nil {
		t.Fatal("stopped timer still running after reload")
	}
}

func TestChecklistAddAndToggle(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	item := seedItem(t, s, funnel, "Pedido")
	ctx := context.Background()

	agentID := int64(7)
	entry, err := s.AddChecklistItem(ctx, item, "Enviar proposta", &agentID)
	if err != nil {
		t.Fatalf("add checklist: %v", err)
	}
	if entry.ID == "" || entry.Position != 1 {
		t.Fatalf("entry = %+v", entry)
	}

	toggled, err := s.ToggleChecklistItem(ctx, item, entry.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !toggled.Completed {
		t.Fatal("entry should be completed after toggle")
	}

	if _, err := s.ToggleChecklistItem(ctx, item, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown entry, got %v", err)
	}

	fresh, _ := s.GetItem(ctx, 1, item.ID)
	if len(fresh.Checklist) != 1 || !fresh.Checklist[0].Completed {
		t.Fatalf("persisted checklist = %+v", fresh.Checklist)
	}
}

func TestAddNotePersists(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	item := seedItem(t, s, funnel, "Pedido")

	note, err := s.AddNote(context.Background(), item, domain.Note{Text: "ligar amanhã", Author: "Ana"})
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if note.ID == "" || note.CreatedAt.IsZero() {
		t.Fatalf("note not stamped: %+v", note)
	}

	fresh, _ := s.GetItem(context.Background(), 1, item.ID)
	if len(fresh.ItemDetails.Notes) != 1 || fresh.ItemDetails.Notes[0].Text != "ligar amanhã" {
		t.Fatalf("persisted notes = %+v", fresh.ItemDetails.Notes)
	}
}

func TestDeleteItem(t *testing.T) {
	s := newTestStorage(t)
	funnel := seedFunnel(t, s, 1)
	item := seedItem(t, s, funnel, "Pedido")
	ctx := context.Background()

	if err := s.DeleteItem(ctx, 1, item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetItem(ctx, 1, item.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteItem(ctx, 1, item.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("double delete must report ErrNotFound, got %v", err)
	}
}
