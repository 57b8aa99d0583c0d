// Package webhook delivers best-effort event notifications to
// account-configured URLs. Delivery is asynchronous, single-attempt
// and at-most-once: transport failures are logged and dropped.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/lucirlei/chathub360-kanban/domain"
)

const (
	userAgent       = "Chathub360-Kanban-Webhook/1.0"
	signatureHeader = "X-Kanban-Signature"
	deliveryTimeout = 30 * time.Second
)

// ConfigSource loads the webhook configuration for an account.
type ConfigSource interface {
	GetBoardConfig(ctx context.Context, accountID int64) (*domain.BoardConfig, error)
}

// Config tunes the dispatcher's worker pool.
type Config struct {
	BufferSize  int
	WorkerCount int
	Timeout     time.Duration
}

// ReorderChange describes one item's move within a bulk reorder.
type ReorderChange struct {
	ID          int64  `json:"id"`
	OldPosition int    `json:"old_position"`
	NewPosition int    `json:"new_position"`
	OldStage    string `json:"old_stage,omitempty"`
	NewStage    string `json:"new_stage,omitempty"`
}

type deliveryJob struct {
	url    string
	secret string
	event  string
	body   []byte
}

// Dispatcher builds event payloads and hands them to a worker pool for
// asynchronous delivery. Once enqueued a delivery cannot be cancelled;
// Close drains the queue.
type Dispatcher struct {
	cfg     Config
	configs ConfigSource
	client  *http.Client

	jobs chan deliveryJob
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates and starts a Dispatcher.
func New(configs ConfigSource, cfg Config) *Dispatcher {
	if configs == nil {
		panic("webhook.New: config source is nil")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = deliveryTimeout
	}
	d := &Dispatcher{
		cfg:     cfg,
		configs: configs,
		client:  &http.Client{Timeout: cfg.Timeout},
		jobs:    make(chan deliveryJob, cfg.BufferSize),
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Close stops accepting deliveries and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

// NotifyItemCreated enqueues a kanban.item.created event.
func (d *Dispatcher) NotifyItemCreated(ctx context.Context, item *domain.KanbanItem) {
	d.notify(ctx, item.AccountID, domain.EventItemCreated, map[string]any{"item": item})
}

// NotifyItemUpdated enqueues a kanban.item.updated event carrying the
// changed-fields diff.
func (d *Dispatcher) NotifyItemUpdated(ctx context.Context, item *domain.KanbanItem, changes map[string]any) {
	data := map[string]any{"item": item}
	if len(changes) > 0 {
		data["changes"] = changes
	}
	d.notify(ctx, item.AccountID, domain.EventItemUpdated, data)
}

// NotifyItemDeleted enqueues a kanban.item.deleted event.
func (d *Dispatcher) NotifyItemDeleted(ctx context.Context, item *domain.KanbanItem) {
	d.notify(ctx, item.AccountID, domain.EventItemDeleted, map[string]any{"item": item})
}

// NotifyStageChange enqueues a kanban.item.stage_changed event with
// the from/to stages.
func (d *Dispatcher) NotifyStageChange(ctx context.Context, item *domain.KanbanItem, fromStage, toStage string) {
	d.notify(ctx, item.AccountID, domain.EventItemStageChanged, map[string]any{
		"item":       item,
		"from_stage": fromStage,
		"to_stage":   toStage,
	})
}

// NotifyItemsReordered enqueues a kanban.items.reordered event over
// the full batch.
func (d *Dispatcher) NotifyItemsReordered(ctx context.Context, accountID int64, items []domain.KanbanItem, changes []ReorderChange) {
	d.notify(ctx, accountID, domain.EventItemsReordered, map[string]any{
		"items":   items,
		"changes": changes,
	})
}

func (d *Dispatcher) notify(ctx context.Context, accountID int64, event string, data map[string]any) {
	cfg, err := d.configs.GetBoardConfig(ctx, accountID)
	if err != nil {
		log.WithError(err).WithField("account", accountID).Error("webhook config lookup failed")
		return
	}
	if !cfg.WebhookEventEnabled(event) {
		return
	}

	data["timestamp"] = time.Now().UTC()
	data["account_id"] = accountID
	data["account_name"] = cfg.AccountName
	payload := map[string]any{
		"event": event,
		"data":  data,
	}
	body, err := sonic.Marshal(payload)
	if err != nil {
		log.WithError(err).WithField("event", event).Error("webhook payload encode failed")
		return
	}

	job := deliveryJob{url: cfg.WebhookURL, secret: cfg.WebhookSecret, event: event, body: body}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		log.WithField("event", event).Warn("webhook dispatcher closed; dropping delivery")
		return
	}
	select {
	case d.jobs <- job:
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		// Best-effort delivery: a saturated queue drops rather than
		// blocking the mutation path.
		log.WithFields(log.Fields{"event": event, "account": accountID}).Warn("webhook queue saturated; dropping delivery")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.deliver(job)
	}
}

// deliver makes the single POST attempt. There is no retry and no
// dead-letter: callers must not assume guaranteed delivery.
func (d *Dispatcher) deliver(job deliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.url, strings.NewReader(string(job.body)))
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"event": job.event, "url": job.url}).Error("webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if job.secret != "" {
		req.Header.Set(signatureHeader, sign(job.body, job.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"event": job.event, "url": job.url}).Error("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WithFields(log.Fields{"event": job.event, "url": job.url, "status": resp.StatusCode}).Error("webhook delivery rejected")
		return
	}
	log.WithFields(log.Fields{"event": job.event, "url": job.url}).Info("webhook delivered")
}

// sign computes the hex HMAC-SHA256 of the body under the account's
// shared secret, sent as X-Kanban-Signature so receivers can verify
// origin.
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
