package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lucirlei/chathub360-kanban/domain"
)

func getConfig(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanView(claims)); err != nil {
			return err
		}
		cfg, err := d.Store.GetBoardConfig(c.Request().Context(), claims.AccountID)
		if err != nil {
			return storageHTTPError(c, err)
		}
		return c.JSON(http.StatusOK, cfg)
	}
}

type saveConfigRequest struct {
	AccountName   string         `json:"account_name"`
	Enabled       *bool          `json:"enabled"`
	Config        map[string]any `json:"config"`
	WebhookURL    *string        `json:"webhook_url"`
	WebhookSecret *string        `json:"webhook_secret"`
	WebhookEvents []string       `json:"webhook_events"`
}

func saveConfig(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanUpdate(claims)); err != nil {
			return err
		}
		ctx := c.Request().Context()
		cfg, err := d.Store.GetBoardConfig(ctx, claims.AccountID)
		if err != nil {
			return storageHTTPError(c, err)
		}
		var req saveConfigRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}

		if req.AccountName != "" {
			cfg.AccountName = req.AccountName
		}
		if req.Enabled != nil {
			cfg.Enabled = *req.Enabled
		}
		if req.Config != nil {
			cfg.Config = req.Config
		}
		if req.WebhookURL != nil {
			cfg.WebhookURL = *req.WebhookURL
		}
		if req.WebhookSecret != nil {
			cfg.WebhookSecret = *req.WebhookSecret
		}
		if req.WebhookEvents != nil {
			cfg.WebhookEvents = filterKnownEvents(req.WebhookEvents)
		}

		if err := d.Store.SaveBoardConfig(ctx, cfg); err != nil {
			return storageHTTPError(c, err)
		}
		return c.JSON(http.StatusOK, cfg)
	}
}

// filterKnownEvents drops event names the dispatcher never emits so a
// typo in a subscription does not linger silently.
func filterKnownEvents(events []string) []string {
	known := make([]string, 0, len(events))
	for _, ev := range events {
		for _, avail := range domain.AvailableWebhookEvents {
			if ev == avail {
				known = append(known, ev)
				break
			}
		}
	}
	return known
}
