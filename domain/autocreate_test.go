package domain

import (
	"context"
	"strings"
	"testing"
)

type fakeItemStore struct {
	existing map[int64]bool
	created  []*KanbanItem
}

func (f *fakeItemStore) ExistsForConversation(ctx context.Context, accountID, displayID int64) (bool, error) {
	return f.existing[displayID], nil
}

func (f *fakeItemStore) CreateItem(ctx context.Context, item *KanbanItem) (ValidationErrors, error) {
	item.ID = int64(len(f.created) + 1)
	f.created = append(f.created, item)
	f.existing[*item.ConversationDisplayID] = true
	return ValidationErrors{}, nil
}

type fakeFunnelSource struct {
	funnels []Funnel
}

func (f *fakeFunnelSource) ListActiveFunnels(ctx context.Context, accountID int64) ([]Funnel, error) {
	return f.funnels, nil
}

func inboxFunnel() Funnel {
	inbox := int64(42)
	return Funnel{
		ID:        3,
		AccountID: 1,
		Name:      "Vendas",
		Active:    true,
		Stages: map[string]StageConfig{
			"lead": {
				Name:                 "Lead",
				Position:             1,
				InboxID:              &inbox,
				AutoCreateConditions: []Rule{{Kind: RuleTag, Value: "vip"}},
			},
			"won": {Name: "Ganho", Position: 2},
		},
	}
}

func newTestEngine(funnels ...Funnel) (*AutoCreationEngine, *fakeItemStore) {
	store := &fakeItemStore{existing: map[int64]bool{}}
	return NewAutoCreationEngine(store, &fakeFunnelSource{funnels: funnels}), store
}

func TestAutoCreateMatchingConversation(t *testing.T) {
	engine, store := newTestEngine(inboxFunnel())

	item, err := engine.HandleConversationCreated(context.Background(), conv())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if item == nil {
		t.Fatal("expected an item to be created")
	}
	if item.FunnelID != 3 || item.FunnelStage != "lead" {
		t.Fatalf("item placed at %d/%s", item.FunnelID, item.FunnelStage)
	}
	if item.ItemDetails.Title != "Maria" {
		t.Fatalf("title = %q", item.ItemDetails.Title)
	}
	if item.ItemDetails.Status != "open" || item.ItemDetails.Priority != "high" {
		t.Fatalf("details = %+v", item.ItemDetails)
	}
	if item.ConversationDisplayID == nil || *item.ConversationDisplayID != 101 {
		t.Fatal("conversation link missing")
	}
	if len(item.ItemDetails.Notes) != 1 || !strings.Contains(item.ItemDetails.Notes[0].Text, "criado automaticamente pela etapa lead") {
		t.Fatalf("auto-create note missing: %+v", item.ItemDetails.Notes)
	}
	if item.ItemDetails.Currency == nil || item.ItemDetails.Currency.Code != "BRL" {
		t.Fatalf("currency = %+v", item.ItemDetails.Currency)
	}
	if len(store.created) != 1 {
		t.Fatalf("created %d items", len(store.created))
	}
}

func TestAutoCreateSecondRunIsNoOp(t *testing.T) {
	engine, store := newTestEngine(inboxFunnel())

	first, err := engine.HandleConversationCreated(context.Background(), conv())
	if err != nil || first == nil {
		t.Fatalf("first run: item=%v err=%v", first, err)
	}
	second, err := engine.HandleConversationCreated(context.Background(), conv())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second != nil {
		t.Fatal("second run must not create a duplicate")
	}
	if len(store.created) != 1 {
		t.Fatalf("created %d items, want 1", len(store.created))
	}
}

func TestAutoCreateInboxMismatchSkips(t *testing.T) {
	engine, store := newTestEngine(inboxFunnel())

	c := conv()
	c.InboxID = 77
	item, err := engine.HandleConversationCreated(context.Background(), c)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if item != nil || len(store.created) != 0 {
		t.Fatal("stage bound to inbox 42 must not fire for inbox 77")
	}
}

func TestAutoCreateStageWithoutConditionsNeverFires(t *testing.T) {
	funnel := inboxFunnel()
	stage := funnel.Stages["lead"]
	stage.AutoCreateConditions = nil
	funnel.Stages["lead"] = stage

	engine, store := newTestEngine(funnel)
	item, err := engine.HandleConversationCreated(context.Background(), conv())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if item != nil || len(store.created) != 0 {
		t.Fatal("stages without conditions never auto-create")
	}
}

func TestAutoCreateUnnamedContactFallback(t *testing.T) {
	engine, _ := newTestEngine(inboxFunnel())

	c := conv()
	c.Contact.Name = ""
	item, err := engine.HandleConversationCreated(context.Background(), c)
	if err != nil || item == nil {
		t.Fatalf("handle: item=%v err=%v", item, err)
	}
	if item.ItemDetails.Title != "Sem nome" {
		t.Fatalf("title = %q, want fallback", item.ItemDetails.Title)
	}
}

func TestAutoCreateFirstMatchWins(t *testing.T) {
	second := inboxFunnel()
	second.ID = 4
	second.Name = "Suporte"

	engine, store := newTestEngine(inboxFunnel(), second)
	item, err := engine.HandleConversationCreated(context.Background(), conv())
	if err != nil || item == nil {
		t.Fatalf("handle: item=%v err=%v", item, err)
	}
	if item.FunnelID != 3 {
		t.Fatalf("item created in funnel %d, want the first match", item.FunnelID)
	}
	if len(store.created) != 1 {
		t.Fatalf("created %d items, want 1", len(store.created))
	}
}
