package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lucirlei/chathub360-kanban/domain"
)

type conversationCreatedRequest struct {
	DisplayID           int64          `json:"display_id"`
	InboxID             int64          `json:"inbox_id"`
	Priority            string         `json:"priority"`
	AssigneeID          *int64         `json:"assignee_id"`
	CustomAttributes    map[string]any `json:"custom_attributes"`
	LastIncomingMessage string         `json:"last_incoming_message"`
	HasIncomingMessages bool           `json:"has_incoming_messages"`
	Contact             struct {
		ID               int64          `json:"id"`
		Name             string         `json:"name"`
		Labels           []string       `json:"labels"`
		CustomAttributes map[string]any `json:"custom_attributes"`
	} `json:"contact"`
}

// conversationCreated runs the auto-creation rules for a conversation
// the host CRM just opened. At most one item comes out of it.
func conversationCreated(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanCreate(claims)); err != nil {
			return err
		}
		var req conversationCreatedRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if req.DisplayID <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "display_id is required")
		}

		conv := domain.ConversationContext{
			DisplayID:           req.DisplayID,
			InboxID:             req.InboxID,
			AccountID:           claims.AccountID,
			Priority:            req.Priority,
			AssigneeID:          req.AssigneeID,
			CustomAttributes:    req.CustomAttributes,
			LastIncomingMessage: req.LastIncomingMessage,
			HasIncomingMessages: req.HasIncomingMessages,
			Contact: domain.ContactContext{
				ID:               req.Contact.ID,
				Name:             req.Contact.Name,
				Labels:           req.Contact.Labels,
				CustomAttributes: req.Contact.CustomAttributes,
			},
		}

		ctx := c.Request().Context()
		item, err := d.Engine.HandleConversationCreated(ctx, conv)
		if err != nil {
			return storageHTTPError(c, err)
		}
		if item == nil {
			return c.JSON(http.StatusOK, map[string]any{"created": false})
		}

		d.Cache.InvalidateListing(ctx, item.AccountID, item.FunnelID, item.FunnelStage)
		d.Hooks.NotifyItemCreated(ctx, item)
		return c.JSON(http.StatusCreated, map[string]any{"created": true, "item": item})
	}
}
