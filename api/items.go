package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/lucirlei/chathub360-kanban/domain"
	"github.com/lucirlei/chathub360-kanban/storage"
	"github.com/lucirlei/chathub360-kanban/webhook"
)

func listItems(d Deps, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newItemRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		claims, authErr := authorize(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = writeHTTPError(c, authErr)
			return err
		}
		if authzErr := forbid(d.Authz.CanView(claims)); authzErr != nil {
			metrics.SetErrorStage("forbidden")
			err = writeHTTPError(c, authzErr)
			return err
		}

		filter := storage.ListFilter{AccountID: claims.AccountID}
		if raw := c.QueryParam("funnel_id"); raw != "" {
			id, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil || id <= 0 {
				metrics.SetErrorStage("invalid_funnel_id")
				err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid funnel id"})
				return err
			}
			filter.FunnelID = &id
		}
		if raw := c.QueryParam("stage"); raw != "" {
			stage := raw
			filter.StageID = &stage
		}
		if raw := c.QueryParam("agent_id"); raw != "" {
			id, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil || id <= 0 {
				metrics.SetErrorStage("invalid_agent_id")
				err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid agent id"})
				return err
			}
			filter.AgentID = &id
		}
		if raw := c.QueryParam("page"); raw != "" {
			page, parseErr := strconv.Atoi(raw)
			if parseErr != nil || page <= 0 {
				metrics.SetErrorStage("invalid_page")
				err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid page"})
				return err
			}
			filter.Page = page
		}
		if raw := c.QueryParam("page_size"); raw != "" {
			size, parseErr := strconv.Atoi(raw)
			if parseErr != nil || size <= 0 {
				metrics.SetErrorStage("invalid_page_size")
				err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid page size"})
				return err
			}
			filter.PageSize = size
		}

		fetchStart := time.Now()
		result, fetchErr := d.Store.ListItems(ctx, filter)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return err
		}
		metrics.SetItemsReturned(len(result.Items))
		metrics.SetTotal(result.Total)

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, result)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// writeHTTPError commits an HTTPError immediately so instrumented
// handlers observe the real status in their deferred log.
func writeHTTPError(c echo.Context, err error) error {
	if he, ok := err.(*echo.HTTPError); ok {
		return c.JSON(he.Code, errorResponse{Error: fmt.Sprint(he.Message)})
	}
	return err
}

type createItemRequest struct {
	FunnelID              int64              `json:"funnel_id"`
	FunnelStage           string             `json:"funnel_stage"`
	Position              int                `json:"position"`
	ItemDetails           domain.ItemDetails `json:"item_details"`
	CustomAttributes      map[string]any     `json:"custom_attributes"`
	ConversationDisplayID *int64             `json:"conversation_display_id"`
}

func createItem(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanCreate(claims)); err != nil {
			return err
		}
		var req createItemRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}

		item := &domain.KanbanItem{
			AccountID:             claims.AccountID,
			FunnelID:              req.FunnelID,
			FunnelStage:           req.FunnelStage,
			Position:              req.Position,
			ItemDetails:           req.ItemDetails,
			CustomAttributes:      req.CustomAttributes,
			ConversationDisplayID: req.ConversationDisplayID,
		}
		ctx := c.Request().Context()
		verrs, err := d.Store.CreateItem(ctx, item)
		if err != nil {
			return storageHTTPError(c, err)
		}
		if !verrs.Empty() {
			return c.JSON(http.StatusUnprocessableEntity, validationResponse{Errors: verrs})
		}

		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		d.Hooks.NotifyItemCreated(ctx, item)
		return c.JSON(http.StatusCreated, item)
	}
}

func getItem(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanView(claims)); err != nil {
			return err
		}
		item, err := loadItem(c, d, claims.AccountID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, item)
	}
}

type updateItemRequest struct {
	FunnelID         *int64              `json:"funnel_id"`
	FunnelStage      *string             `json:"funnel_stage"`
	Position         *int                `json:"position"`
	ItemDetails      *domain.ItemDetails `json:"item_details"`
	CustomAttributes map[string]any      `json:"custom_attributes"`
}

func updateItem(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanUpdate(claims)); err != nil {
			return err
		}
		item, err := loadItem(c, d, claims.AccountID)
		if err != nil {
			return err
		}
		var req updateItemRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}

		pre := *item
		if req.FunnelID != nil {
			item.FunnelID = *req.FunnelID
		}
		if req.FunnelStage != nil && *req.FunnelStage != item.FunnelStage {
			item.FunnelStage = *req.FunnelStage
			item.StageEnteredAt = time.Now().UTC()
		}
		if req.Position != nil {
			item.Position = *req.Position
		}
		if req.ItemDetails != nil {
			details := *req.ItemDetails
			// The journal and notes are server-owned; a partial client
			// payload must not wipe them.
			if details.Activities == nil {
				details.Activities = item.ItemDetails.Activities
			}
			if details.Notes == nil {
				details.Notes = item.ItemDetails.Notes
			}
			item.ItemDetails = details
		}
		if req.CustomAttributes != nil {
			item.CustomAttributes = req.CustomAttributes
		}

		if verrs := item.Validate(); !verrs.Empty() {
			return c.JSON(http.StatusUnprocessableEntity, validationResponse{Errors: verrs})
		}

		ctx := c.Request().Context()
		if err := d.Store.UpdateItem(ctx, item); err != nil {
			return storageHTTPError(c, err)
		}

		events, err := d.Journal.RecordChanges(ctx, &pre, item, activityUser(claims))
		if err != nil {
			c.Logger().Error(err)
		}

		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, pre.UpdatedAt)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, pre.FunnelStage, item.FunnelStage)
		if pre.FunnelID != item.FunnelID {
			d.Cache.InvalidateListing(ctx, item.AccountID, pre.FunnelID, pre.FunnelStage)
		}

		if pre.FunnelStage != item.FunnelStage {
			d.Hooks.NotifyStageChange(ctx, item, pre.FunnelStage, item.FunnelStage)
		}
		d.Hooks.NotifyItemUpdated(ctx, item, changesPayload(events))
		return c.JSON(http.StatusOK, item)
	}
}

func changesPayload(events []domain.ActivityEvent) map[string]any {
	if len(events) == 0 {
		return nil
	}
	changes := make(map[string]any, len(events))
	for _, ev := range events {
		changes[ev.Type] = ev.Details
	}
	return changes
}

func deleteItem(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanDelete(claims)); err != nil {
			return err
		}
		item, err := loadItem(c, d, claims.AccountID)
		if err != nil {
			return err
		}
		ctx := c.Request().Context()
		if err := d.Store.DeleteItem(ctx, item.AccountID, item.ID); err != nil {
			return storageHTTPError(c, err)
		}

		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, item.UpdatedAt)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		d.Hooks.NotifyItemDeleted(ctx, item)
		return c.NoContent(http.StatusNoContent)
	}
}

type moveToStageRequest struct {
	FunnelStage string `json:"funnel_stage"`
}

func moveToStage(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanMoveStage(claims)); err != nil {
			return err
		}
		item, err := loadItem(c, d, claims.AccountID)
		if err != nil {
			return err
		}
		var req moveToStageRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if req.FunnelStage == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "funnel_stage is required")
		}

		from := item.FunnelStage
		prevUpdated := item.UpdatedAt
		ctx := c.Request().Context()
		moved, err := d.Store.MoveToStage(ctx, item, req.FunnelStage)
		if err != nil {
			return storageHTTPError(c, err)
		}
		if !moved {
			return c.JSON(http.StatusOK, item)
		}

		recordErr := d.Journal.Record(ctx, item, domain.ActivityStageChanged, map[string]any{
			"old_stage": from,
			"new_stage": item.FunnelStage,
		}, activityUser(claims))
		if recordErr != nil {
			c.Logger().Error(recordErr)
		}

		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, prevUpdated)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, from, item.FunnelStage)
		d.Hooks.NotifyStageChange(ctx, item, from, item.FunnelStage)
		sendStageTemplate(c, d, claims, item)
		return c.JSON(http.StatusOK, item)
	}
}

// sendStageTemplate pushes the stage's quick message into the linked
// conversation after a move. Failures here never fail the move.
func sendStageTemplate(c echo.Context, d Deps, claims *Claims, item *domain.KanbanItem) {
	if item.ConversationDisplayID == nil {
		return
	}
	ctx := c.Request().Context()
	cfg, err := d.Store.GetBoardConfig(ctx, claims.AccountID)
	if err != nil || !cfg.ConfigBool("quick_message_enabled") {
		return
	}
	funnel, err := d.Store.GetFunnel(ctx, claims.AccountID, item.FunnelID)
	if err != nil {
		return
	}
	stage, ok := funnel.StageSettings(item.FunnelStage)
	if !ok {
		return
	}
	tpl := domain.FindApplicableTemplate(stage, item)
	if tpl == nil {
		return
	}
	if err := d.Journal.SendTemplateMessage(ctx, item, tpl.Content); err != nil {
		c.Logger().Error(err)
	}
}

type reorderRequest struct {
	FunnelID  int64                    `json:"funnel_id"`
	Positions []storage.PositionUpdate `json:"positions"`
}

func reorderItems(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanReorder(claims)); err != nil {
			return err
		}
		var req reorderRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if req.FunnelID <= 0 || len(req.Positions) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "funnel_id and positions are required")
		}

		ctx := c.Request().Context()
		items := make([]domain.KanbanItem, 0, len(req.Positions))
		changes := make([]webhook.ReorderChange, 0, len(req.Positions))
		stages := make([]string, 0, 2)
		for _, pos := range req.Positions {
			item, err := d.Store.GetItem(ctx, claims.AccountID, pos.ID)
			if err != nil {
				return storageHTTPError(c, err)
			}
			change := webhook.ReorderChange{
				ID:          item.ID,
				OldPosition: item.Position,
				NewPosition: pos.Position,
			}
			if pos.FunnelStage != "" && pos.FunnelStage != item.FunnelStage {
				change.OldStage = item.FunnelStage
				change.NewStage = pos.FunnelStage
				item.FunnelStage = pos.FunnelStage
				stages = append(stages, change.OldStage, change.NewStage)
			}
			item.Position = pos.Position
			changes = append(changes, change)
			items = append(items, *item)
		}

		if err := d.Store.Reorder(ctx, claims.AccountID, req.Positions); err != nil {
			return storageHTTPError(c, err)
		}

		for i := range items {
			d.Cache.InvalidateItem(ctx, claims.AccountID, items[i].ID, items[i].UpdatedAt)
		}
		d.Cache.InvalidateListing(ctx, claims.AccountID, req.FunnelID, stages...)
		d.Hooks.NotifyItemsReordered(ctx, claims.AccountID, items, changes)
		return c.JSON(http.StatusOK, map[string]any{"items": items})
	}
}
