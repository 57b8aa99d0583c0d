package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lucirlei/chathub360-kanban/domain"
)

type assignAgentRequest struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

func assignAgent(d Deps, auth Authenticator) echo.HandlerFunc {
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
		var req assignAgentRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}

		prevUpdated := item.UpdatedAt
		assignedBy := claims.AgentID
		ctx := c.Request().Context()
		assigned, err := d.Store.AssignAgent(ctx, item, domain.AssignedAgent{
			ID:         req.ID,
			Name:       req.Name,
			Email:      req.Email,
			AvatarURL:  req.AvatarURL,
			AssignedBy: &assignedBy,
		})
		if err != nil {
			return storageHTTPError(c, err)
		}
		if !assigned {
			return c.JSON(http.StatusOK, map[string]any{"assigned": false, "item": item})
		}

		if recordErr := d.Journal.Record(ctx, item, domain.ActivityAgentChanged, map[string]any{
			"new_agent": req.Name,
		}, activityUser(claims)); recordErr != nil {
			c.Logger().Error(recordErr)
		}
		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, prevUpdated)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		d.Cache.InvalidateAgent(ctx, item.AccountID, item.FunnelID, req.ID)
		return c.JSON(http.StatusOK, map[string]any{"assigned": true, "item": item})
	}
}

func removeAgent(d Deps, auth Authenticator) echo.HandlerFunc {
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
		agentID, err := pathID(c, "agent_id")
		if err != nil {
			return err
		}

		prevUpdated := item.UpdatedAt
		ctx := c.Request().Context()
		removed, err := d.Store.RemoveAgent(ctx, item, agentID)
		if err != nil {
			return storageHTTPError(c, err)
		}
		if !removed {
			return c.JSON(http.StatusOK, map[string]any{"removed": false, "item": item})
		}

		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, prevUpdated)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		d.Cache.InvalidateAgent(ctx, item.AccountID, item.FunnelID, agentID)
		return c.JSON(http.StatusOK, map[string]any{"removed": true, "item": item})
	}
}

type checklistRequest struct {
	Text string `json:"text"`
}

func addChecklistItem(d Deps, auth Authenticator) echo.HandlerFunc {
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
		var req checklistRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if req.Text == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "text is required")
		}

		prevUpdated := item.UpdatedAt
		agentID := claims.AgentID
		ctx := c.Request().Context()
		entry, err := d.Store.AddChecklistItem(ctx, item, req.Text, &agentID)
		if err != nil {
			return storageHTTPError(c, err)
		}

		if recordErr := d.Journal.Record(ctx, item, domain.ActivityChecklistItemAdded, map[string]any{
			"text": entry.Text,
		}, activityUser(claims)); recordErr != nil {
			c.Logger().Error(recordErr)
		}
		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, prevUpdated)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		return c.JSON(http.StatusCreated, entry)
	}
}

func toggleChecklistItem(d Deps, auth Authenticator) echo.HandlerFunc {
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
		entryID := c.Param("entry_id")
		if entryID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid entry_id")
		}

		prevUpdated := item.UpdatedAt
		ctx := c.Request().Context()
		entry, err := d.Store.ToggleChecklistItem(ctx, item, entryID)
		if err != nil {
			return storageHTTPError(c, err)
		}

		if recordErr := d.Journal.Record(ctx, item, domain.ActivityChecklistItemToggled, map[string]any{
			"text":      entry.Text,
			"completed": entry.Completed,
		}, activityUser(claims)); recordErr != nil {
			c.Logger().Error(recordErr)
		}
		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, prevUpdated)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		return c.JSON(http.StatusOK, entry)
	}
}

type noteRequest struct {
	Text string `json:"text"`
}

func addNote(d Deps, auth Authenticator) echo.HandlerFunc {
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
		var req noteRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if req.Text == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "text is required")
		}

		prevUpdated := item.UpdatedAt
		authorID := claims.AgentID
		ctx := c.Request().Context()
		note, err := d.Store.AddNote(ctx, item, domain.Note{
			Text:     req.Text,
			Author:   claims.Name,
			AuthorID: &authorID,
		})
		if err != nil {
			return storageHTTPError(c, err)
		}

		if recordErr := d.Journal.Record(ctx, item, domain.ActivityNoteAdded, map[string]any{
			"note_text": domain.TruncateNote(note.Text),
		}, activityUser(claims)); recordErr != nil {
			c.Logger().Error(recordErr)
		}
		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, prevUpdated)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		return c.JSON(http.StatusCreated, note)
	}
}

func startTimer(d Deps, auth Authenticator) echo.HandlerFunc {
	return timerHandler(d, auth, true)
}

func stopTimer(d Deps, auth Authenticator) echo.HandlerFunc {
	return timerHandler(d, auth, false)
}

func timerHandler(d Deps, auth Authenticator, start bool) echo.HandlerFunc {
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

		prevUpdated := item.UpdatedAt
		ctx := c.Request().Context()
		var changed bool
		if start {
			changed, err = d.Store.StartTimer(ctx, item)
		} else {
			changed, err = d.Store.StopTimer(ctx, item)
		}
		if err != nil {
			return storageHTTPError(c, err)
		}
		if changed {
			d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, prevUpdated)
			d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		}
		return c.JSON(http.StatusOK, map[string]any{"changed": changed, "item": item})
	}
}

// itemMessageTemplate resolves the quick message template applicable
// to the item's current stage. Disabled accounts get an empty match.
func itemMessageTemplate(d Deps, auth Authenticator) echo.HandlerFunc {
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

		ctx := c.Request().Context()
		cfg, err := d.Store.GetBoardConfig(ctx, claims.AccountID)
		if err != nil {
			return storageHTTPError(c, err)
		}
		if !cfg.ConfigBool("quick_message_enabled") {
			return c.JSON(http.StatusOK, map[string]any{"template": nil})
		}

		funnel, err := d.Store.GetFunnel(ctx, claims.AccountID, item.FunnelID)
		if err != nil {
			return storageHTTPError(c, err)
		}
		stage, ok := funnel.StageSettings(item.FunnelStage)
		if !ok {
			return c.JSON(http.StatusOK, map[string]any{"template": nil})
		}
		return c.JSON(http.StatusOK, map[string]any{"template": domain.FindApplicableTemplate(stage, item)})
	}
}

type linkConversationRequest struct {
	DisplayID int64 `json:"display_id"`
}

func linkConversation(d Deps, auth Authenticator) echo.HandlerFunc {
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
		var req linkConversationRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if req.DisplayID <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "display_id is required")
		}

		prevUpdated := item.UpdatedAt
		displayID := req.DisplayID
		item.ConversationDisplayID = &displayID
		ctx := c.Request().Context()
		if err := d.Store.UpdateItem(ctx, item); err != nil {
			return storageHTTPError(c, err)
		}

		if recordErr := d.Journal.Record(ctx, item, domain.ActivityConversationLinked, map[string]any{
			"display_id": displayID,
		}, activityUser(claims)); recordErr != nil {
			c.Logger().Error(recordErr)
		}
		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, prevUpdated)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		return c.JSON(http.StatusOK, item)
	}
}

func unlinkConversation(d Deps, auth Authenticator) echo.HandlerFunc {
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
		if item.ConversationDisplayID == nil {
			return c.JSON(http.StatusOK, item)
		}

		prevUpdated := item.UpdatedAt
		displayID := *item.ConversationDisplayID
		item.ConversationDisplayID = nil
		ctx := c.Request().Context()
		if err := d.Store.UpdateItem(ctx, item); err != nil {
			return storageHTTPError(c, err)
		}

		if recordErr := d.Journal.Record(ctx, item, domain.ActivityConversationUnlinked, map[string]any{
			"display_id": displayID,
		}, activityUser(claims)); recordErr != nil {
			c.Logger().Error(recordErr)
		}
		d.Cache.InvalidateItem(ctx, item.AccountID, item.ID, prevUpdated)
		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		return c.JSON(http.StatusOK, item)
	}
}
