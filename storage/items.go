package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucirlei/chathub360-kanban/domain"
)

const itemSelectCols = `id, account_id, funnel_id, funnel_stage, position, stage_entered_at,
	timer_started_at, timer_duration, item_details, assigned_agents, checklist,
	custom_attributes, conversation_display_id, created_at, updated_at`

// ListFilter narrows a paginated item listing. Nil filter fields mean
// "any". Page is 1-based.
type ListFilter struct {
	AccountID int64
	FunnelID  *int64
	StageID   *string
	AgentID   *int64
	Page      int
	PageSize  int
}

// ListResult is one page of items plus pagination metadata.
type ListResult struct {
	Items    []domain.KanbanItem `json:"items"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Total    int                 `json:"total"`
}

// PositionUpdate is one entry of a bulk reorder request.
type PositionUpdate struct {
	ID          int64  `json:"id"`
	Position    int    `json:"position"`
	FunnelStage string `json:"funnel_stage"`
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (*domain.KanbanItem, error) {
	var (
		item           domain.KanbanItem
		stageEnteredAt sql.NullTime
		timerStartedAt sql.NullTime
		detailsRaw     []byte
		agentsRaw      []byte
		checklistRaw   []byte
		customRaw      sql.NullString
		conversationID sql.NullInt64
	)
	err := scanner.Scan(
		&item.ID, &item.AccountID, &item.FunnelID, &item.FunnelStage, &item.Position,
		&stageEnteredAt, &timerStartedAt, &item.TimerDuration, &detailsRaw, &agentsRaw,
		&checklistRaw, &customRaw, &conversationID, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stageEnteredAt.Valid {
		item.StageEnteredAt = stageEnteredAt.Time
	}
	if timerStartedAt.Valid {
		t := timerStartedAt.Time
		item.TimerStartedAt = &t
	}
	if conversationID.Valid {
		id := conversationID.Int64
		item.ConversationDisplayID = &id
	}
	if err := json.Unmarshal(detailsRaw, &item.ItemDetails); err != nil {
		return nil, fmt.Errorf("decode item_details for item %d: %w", item.ID, err)
	}
	if err := json.Unmarshal(agentsRaw, &item.AssignedAgents); err != nil {
		return nil, fmt.Errorf("decode assigned_agents for item %d: %w", item.ID, err)
	}
	if err := json.Unmarshal(checklistRaw, &item.Checklist); err != nil {
		return nil, fmt.Errorf("decode checklist for item %d: %w", item.ID, err)
	}
	if customRaw.Valid && customRaw.String != "" {
		if err := json.Unmarshal([]byte(customRaw.String), &item.CustomAttributes); err != nil {
			return nil, fmt.Errorf("decode custom_attributes for item %d: %w", item.ID, err)
		}
	}
	return &item, nil
}

func encodeItemDocs(item *domain.KanbanItem) (details, agents, checklist []byte, custom sql.NullString, err error) {
	if details, err = json.Marshal(item.ItemDetails); err != nil {
		return
	}
	if item.AssignedAgents == nil {
		agents = []byte("[]")
	} else if agents, err = json.Marshal(item.AssignedAgents); err != nil {
		return
	}
	if item.Checklist == nil {
		checklist = []byte("[]")
	} else if checklist, err = json.Marshal(item.Checklist); err != nil {
		return
	}
	if item.CustomAttributes != nil {
		var raw []byte
		if raw, err = json.Marshal(item.CustomAttributes); err != nil {
			return
		}
		custom = sql.NullString{String: string(raw), Valid: true}
	}
	return
}

// CreateItem validates and persists a new item. Validation failures
// are returned as a field-keyed collection, not an error. On success
// the item's ID, Position and timestamps are filled in.
//
// When Position is zero it is assigned inside the INSERT itself from
// the funnel's current item count, so concurrent creates cannot read
// the same count.
func (s *Storage) CreateItem(ctx context.Context, item *domain.KanbanItem) (domain.ValidationErrors, error) {
	if errs := item.Validate(); !errs.Empty() {
		return errs, nil
	}

	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.StageEnteredAt = now

	// The original API accepts the conversation reference inside the
	// details document.
	if item.ConversationDisplayID == nil && item.ItemDetails.ConversationID != nil {
		id := *item.ItemDetails.ConversationID
		item.ConversationDisplayID = &id
	}

	details, agents, checklist, custom, err := encodeItemDocs(item)
	if err != nil {
		return nil, fmt.Errorf("encode item documents: %w", err)
	}

	var conversationID sql.NullInt64
	if item.ConversationDisplayID != nil {
		conversationID = sql.NullInt64{Int64: *item.ConversationDisplayID, Valid: true}
	}

	var res sql.Result
	if item.Position > 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO kanban_items
				(account_id, funnel_id, funnel_stage, position, stage_entered_at, timer_duration,
				 item_details, assigned_agents, checklist, custom_attributes, conversation_display_id,
				 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.AccountID, item.FunnelID, item.FunnelStage, item.Position, now, item.TimerDuration,
			details, agents, checklist, custom, conversationID, now, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO kanban_items
				(account_id, funnel_id, funnel_stage, position, stage_entered_at, timer_duration,
				 item_details, assigned_agents, checklist, custom_attributes, conversation_display_id,
				 created_at, updated_at)
			VALUES (?, ?, ?,
				(SELECT COUNT(*) + 1 FROM kanban_items WHERE funnel_id = ?),
				?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.AccountID, item.FunnelID, item.FunnelStage, item.FunnelID, now, item.TimerDuration,
			details, agents, checklist, custom, conversationID, now, now)
	}
	if err != nil {
		return nil, fmt.Errorf("insert kanban item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read inserted item id: %w", err)
	}
	item.ID = id

	if item.Position == 0 {
		row := s.db.QueryRowContext(ctx, "SELECT position FROM kanban_items WHERE id = ?", id)
		if err := row.Scan(&item.Position); err != nil {
			return nil, fmt.Errorf("read assigned position: %w", err)
		}
	}
	return domain.ValidationErrors{}, nil
}

// GetItem fetches one item scoped to the account. Returns
// domain.ErrNotFound when the item does not exist.
func (s *Storage) GetItem(ctx context.Context, accountID, id int64) (*domain.KanbanItem, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+itemSelectCols+" FROM kanban_items WHERE account_id = ? AND id = ?",
		accountID, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kanban item %d: %w", id, err)
	}
	return item, nil
}

// ListItems returns one page of items matching the filter, ordered by
// position.
func (s *Storage) ListItems(ctx context.Context, filter ListFilter) (ListResult, error) {
	where := "account_id = ?"
	args := []any{filter.AccountID}
	if filter.FunnelID != nil {
		where += " AND funnel_id = ?"
		args = append(args, *filter.FunnelID)
	}
	if filter.StageID != nil {
		where += " AND funnel_stage = ?"
		args = append(args, *filter.StageID)
	}
	if filter.AgentID != nil {
		where += ` AND EXISTS (
			SELECT 1 FROM json_each(kanban_items.assigned_agents) AS agent
			WHERE json_extract(agent.value, '$.id') = ?
		)`
		args = append(args, *filter.AgentID)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kanban_items WHERE "+where, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count kanban items: %w", err)
	}

	query := "SELECT " + itemSelectCols + " FROM kanban_items WHERE " + where +
		" ORDER BY position ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list kanban items: %w", err)
	}
	defer rows.Close()

	result := ListResult{Items: []domain.KanbanItem{}, Page: page, PageSize: pageSize, Total: total}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return ListResult{}, err
		}
		result.Items = append(result.Items, *item)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("list kanban items: %w", err)
	}
	return result, nil
}

const defaultPageSize = 30

// UpdateItem persists every mutable column of the item and bumps
// updated_at. Returns domain.ErrNotFound when the row is gone.
func (s *Storage) UpdateItem(ctx context.Context, item *domain.KanbanItem) error {
	item.UpdatedAt = time.Now().UTC()
	details, agents, checklist, custom, err := encodeItemDocs(item)
	if err != nil {
		return fmt.Errorf("encode item documents: %w", err)
	}

	var stageEnteredAt, timerStartedAt sql.NullTime
	if !item.StageEnteredAt.IsZero() {
		stageEnteredAt = sql.NullTime{Time: item.StageEnteredAt, Valid: true}
	}
	if item.TimerStartedAt != nil {
		timerStartedAt = sql.NullTime{Time: *item.TimerStartedAt, Valid: true}
	}
	var conversationID sql.NullInt64
	if item.ConversationDisplayID != nil {
		conversationID = sql.NullInt64{Int64: *item.ConversationDisplayID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE kanban_items SET
			funnel_id = ?, funnel_stage = ?, position = ?, stage_entered_at = ?,
			timer_started_at = ?, timer_duration = ?, item_details = ?, assigned_agents = ?,
			checklist = ?, custom_attributes = ?, conversation_display_id = ?, updated_at = ?
		WHERE account_id = ? AND id = ?`,
		item.FunnelID, item.FunnelStage, item.Position, stageEnteredAt,
		timerStartedAt, item.TimerDuration, details, agents,
		checklist, custom, conversationID, item.UpdatedAt,
		item.AccountID, item.ID)
	if err != nil {
		return fmt.Errorf("update kanban item %d: %w", item.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update kanban item %d: %w", item.ID, err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MoveToStage moves the item to newStage, stamping stage_entered_at.
// Moving to the current stage is a no-op and leaves stage_entered_at
// untouched. Any stage can move to any other: the funnel defines the
// state set, not a transition graph.
func (s *Storage) MoveToStage(ctx context.Context, item *domain.KanbanItem, newStage string) (bool, error) {
	if newStage == item.FunnelStage {
		return false, nil
	}
	item.FunnelStage = newStage
	item.StageEnteredAt = time.Now().UTC()
	if err := s.UpdateItem(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

// Reorder applies a bulk position update in one transaction. Either
// every update applies or none: drag-and-drop reorders arrive as a
// batch and partial application would leave the board visually
// inconsistent.
func (s *Storage) Reorder(ctx context.Context, accountID int64, positions []PositionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, pos := range positions {
		// An empty stage means "position only": the row keeps its
		// current stage.
		res, err := tx.ExecContext(ctx, `
			UPDATE kanban_items
			SET position = ?, funnel_stage = COALESCE(NULLIF(?, ''), funnel_stage), updated_at = ?
			WHERE account_id = ? AND id = ?`,
			pos.Position, pos.FunnelStage, now, accountID, pos.ID)
		if err != nil {
			return fmt.Errorf("reorder item %d: %w", pos.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reorder item %d: %w", pos.ID, err)
		}
		if affected == 0 {
			return fmt.Errorf("reorder item %d: %w", pos.ID, domain.ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder transaction: %w", err)
	}
	return nil
}

// AssignAgent adds the agent to the item and persists. Returns false
// without touching storage when the agent is already assigned.
func (s *Storage) AssignAgent(ctx context.Context, item *domain.KanbanItem, agent domain.AssignedAgent) (bool, error) {
	if !item.AssignAgent(agent) {
		return false, nil
	}
	if err := s.UpdateItem(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveAgent removes the agent from the item and persists. Returns
// false without touching storage when the agent was not assigned.
func (s *Storage) RemoveAgent(ctx context.Context, item *domain.KanbanItem, agentID int64) (bool, error) {
	if !item.RemoveAgent(agentID) {
		return false, nil
	}
	if err := s.UpdateItem(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

// StartTimer starts the item's timer. Idempotent: starting a running
// timer changes nothing and touches no storage.
func (s *Storage) StartTimer(ctx context.Context, item *domain.KanbanItem) (bool, error) {
	if !item.StartTimer(time.Now()) {
		return false, nil
	}
	if err := s.UpdateItem(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

// StopTimer stops the item's timer, accumulating elapsed seconds.
// Idempotent when the timer is already stopped.
func (s *Storage) StopTimer(ctx context.Context, item *domain.KanbanItem) (bool, error) {
	if !item.StopTimer(time.Now()) {
		return false, nil
	}
	if err := s.UpdateItem(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

// AddChecklistItem appends a checklist entry and persists the item.
func (s *Storage) AddChecklistItem(ctx context.Context, item *domain.KanbanItem, text string, agentID *int64) (domain.ChecklistItem, error) {
	entry := domain.ChecklistItem{
		ID:        uuid.NewString(),
		Text:      text,
		AgentID:   agentID,
		Position:  len(item.Checklist) + 1,
		CreatedAt: time.Now().UTC(),
	}
	item.Checklist = append(item.Checklist, entry)
	if err := s.UpdateItem(ctx, item); err != nil {
		return domain.ChecklistItem{}, err
	}
	return entry, nil
}

// ToggleChecklistItem flips the completed flag of one checklist entry.
// Returns domain.ErrNotFound when no entry has the given id.
func (s *Storage) ToggleChecklistItem(ctx context.Context, item *domain.KanbanItem, entryID string) (domain.ChecklistItem, error) {
	for idx := range item.Checklist {
		if item.Checklist[idx].ID != entryID {
			continue
		}
		item.Checklist[idx].Completed = !item.Checklist[idx].Completed
		now := time.Now().UTC()
		item.Checklist[idx].UpdatedAt = &now
		if err := s.UpdateItem(ctx, item); err != nil {
			return domain.ChecklistItem{}, err
		}
		return item.Checklist[idx], nil
	}
	return domain.ChecklistItem{}, domain.ErrNotFound
}

// AddNote appends a note to the item's details and persists.
func (s *Storage) AddNote(ctx context.Context, item *domain.KanbanItem, note domain.Note) (domain.Note, error) {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	item.ItemDetails.Notes = append(item.ItemDetails.Notes, note)
	if err := s.UpdateItem(ctx, item); err != nil {
		return domain.Note{}, err
	}
	return note, nil
}

// DeleteItem removes the item. Nothing cascades: attachments are
// purged separately by their own store.
func (s *Storage) DeleteItem(ctx context.Context, accountID, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kanban_items WHERE account_id = ? AND id = ?", accountID, id)
	if err != nil {
		return fmt.Errorf("delete kanban item %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete kanban item %d: %w", id, err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ExistsForConversation reports whether any item on the account
// already references the conversation, regardless of funnel.
func (s *Storage) ExistsForConversation(ctx context.Context, accountID, conversationDisplayID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM kanban_items WHERE account_id = ? AND conversation_display_id = ?",
		accountID, conversationDisplayID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check conversation %d: %w", conversationDisplayID, err)
	}
	return count > 0, nil
}
