package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/lucirlei/chathub360-kanban/domain"
)

type stubConfigs struct {
	cfg *domain.BoardConfig
}

func (s *stubConfigs) GetBoardConfig(ctx context.Context, accountID int64) (*domain.BoardConfig, error) {
	return s.cfg, nil
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

func startReceiver(t *testing.T) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	got := make(chan capturedRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- capturedRequest{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func waitFor(t *testing.T, got chan capturedRequest) capturedRequest {
	t.Helper()
	select {
	case req := <-got:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no webhook delivery received")
		return capturedRequest{}
	}
}

func testItem() *domain.KanbanItem {
	return &domain.KanbanItem{
		ID:          7,
		AccountID:   1,
		FunnelID:    3,
		FunnelStage: "lead",
		Position:    1,
		ItemDetails: domain.ItemDetails{Title: "Pedido 42"},
	}
}

func TestStageChangeDelivery(t *testing.T) {
	srv, got := startReceiver(t)
	d := New(&stubConfigs{cfg: &domain.BoardConfig{
		AccountID:     1,
		AccountName:   "Loja Azul",
		Enabled:       true,
		WebhookURL:    srv.URL,
		WebhookEvents: domain.AvailableWebhookEvents,
	}}, Config{})
	defer d.Close()

	d.NotifyStageChange(context.Background(), testItem(), "lead", "won")

	req := waitFor(t, got)
	if ua := req.header.Get("User-Agent"); ua != "Chathub360-Kanban-Webhook/1.0" {
		t.Fatalf("unexpected user agent %q", ua)
	}
	var payload struct {
		Event string `json:"event"`
		Data  struct {
			Item        *domain.KanbanItem `json:"item"`
			FromStage   string             `json:"from_stage"`
			ToStage     string             `json:"to_stage"`
			AccountID   int64              `json:"account_id"`
			AccountName string             `json:"account_name"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(req.body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Event != domain.EventItemStageChanged {
		t.Fatalf("event = %q", payload.Event)
	}
	if payload.Data.FromStage != "lead" || payload.Data.ToStage != "won" {
		t.Fatalf("stages = %q -> %q", payload.Data.FromStage, payload.Data.ToStage)
	}
	if payload.Data.Item == nil || payload.Data.Item.ID != 7 {
		t.Fatal("item missing from payload")
	}
	if payload.Data.AccountName != "Loja Azul" {
		t.Fatalf("account name = %q", payload.Data.AccountName)
	}
}

func TestSignatureWhenSecretConfigured(t *testing.T) {
	srv, got := startReceiver(t)
	d := New(&stubConfigs{cfg: &domain.BoardConfig{
		AccountID:     1,
		Enabled:       true,
		WebhookURL:    srv.URL,
		WebhookSecret: "s3cret",
		WebhookEvents: []string{domain.EventItemCreated},
	}}, Config{})
	defer d.Close()

	d.NotifyItemCreated(context.Background(), testItem())

	req := waitFor(t, got)
	sig := req.header.Get("X-Kanban-Signature")
	if sig == "" {
		t.Fatal("signature header missing")
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(req.body)
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Fatalf("signature = %q, want %q", sig, want)
	}
}

func TestEventFiltering(t *testing.T) {
	srv, got := startReceiver(t)
	d := New(&stubConfigs{cfg: &domain.BoardConfig{
		AccountID:     1,
		Enabled:       true,
		WebhookURL:    srv.URL,
		WebhookEvents: []string{domain.EventItemCreated},
	}}, Config{})
	defer d.Close()

	d.NotifyItemDeleted(context.Background(), testItem())

	select {
	case <-got:
		t.Fatal("delivery for an unsubscribed event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisabledConfigSkipsDelivery(t *testing.T) {
	srv, got := startReceiver(t)
	d := New(&stubConfigs{cfg: &domain.BoardConfig{
		AccountID:     1,
		Enabled:       false,
		WebhookURL:    srv.URL,
		WebhookEvents: domain.AvailableWebhookEvents,
	}}, Config{})
	defer d.Close()

	d.NotifyItemCreated(context.Background(), testItem())

	select {
	case <-got:
		t.Fatal("delivery despite webhooks disabled")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReorderPayload(t *testing.T) {
	srv, got := startReceiver(t)
	d := New(&stubConfigs{cfg: &domain.BoardConfig{
		AccountID:     1,
		Enabled:       true,
		WebhookURL:    srv.URL,
		WebhookEvents: domain.AvailableWebhookEvents,
	}}, Config{})
	defer d.Close()

	items := []domain.KanbanItem{*testItem()}
	changes := []ReorderChange{{ID: 7, OldPosition: 2, NewPosition: 1}}
	d.NotifyItemsReordered(context.Background(), 1, items, changes)

	req := waitFor(t, got)
	var payload struct {
		Event string `json:"event"`
		Data  struct {
			Items   []domain.KanbanItem `json:"items"`
			Changes []ReorderChange     `json:"changes"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(req.body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Event != domain.EventItemsReordered {
		t.Fatalf("event = %q", payload.Event)
	}
	if len(payload.Data.Changes) != 1 || payload.Data.Changes[0].NewPosition != 1 {
		t.Fatalf("changes = %+v", payload.Data.Changes)
	}
}

func TestNotifyAfterCloseDrops(t *testing.T) {
	srv, got := startReceiver(t)
	d := New(&stubConfigs{cfg: &domain.BoardConfig{
		AccountID:     1,
		Enabled:       true,
		WebhookURL:    srv.URL,
		WebhookEvents: domain.AvailableWebhookEvents,
	}}, Config{})
	d.Close()
	d.Close()

	d.NotifyItemCreated(context.Background(), testItem())

	select {
	case req := <-got:
		t.Fatalf("unexpected delivery after close: %s", req.body)
	case <-time.After(200 * time.Millisecond):
	}
}
