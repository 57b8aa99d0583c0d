package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lucirlei/chathub360-kanban/domain"
)

func listFunnels(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanView(claims)); err != nil {
			return err
		}
		funnels, err := d.Store.ListFunnels(c.Request().Context(), claims.AccountID)
		if err != nil {
			return storageHTTPError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"funnels": funnels})
	}
}

func getFunnel(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanView(claims)); err != nil {
			return err
		}
		id, err := pathID(c, "id")
		if err != nil {
			return err
		}
		funnel, err := d.Store.GetFunnel(c.Request().Context(), claims.AccountID, id)
		if err != nil {
			return storageHTTPError(c, err)
		}
		return c.JSON(http.StatusOK, funnel)
	}
}

type funnelRequest struct {
	Name        string                        `json:"name"`
	Description string                        `json:"description"`
	Active      *bool                         `json:"active"`
	Stages      map[string]domain.StageConfig `json:"stages"`
	Settings    map[string]any                `json:"settings"`
	GlobalAttrs []domain.CustomAttributeDef   `json:"global_custom_attributes"`
}

func createFunnel(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanCreate(claims)); err != nil {
			return err
		}
		var req funnelRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}

		funnel := &domain.Funnel{
			AccountID:              claims.AccountID,
			Name:                   req.Name,
			Description:            req.Description,
			Active:                 true,
			Stages:                 req.Stages,
			Settings:               req.Settings,
			GlobalCustomAttributes: req.GlobalAttrs,
		}
		if req.Active != nil {
			funnel.Active = *req.Active
		}

		verrs, err := d.Store.CreateFunnel(c.Request().Context(), funnel)
		if err != nil {
			return storageHTTPError(c, err)
		}
		if !verrs.Empty() {
			return c.JSON(http.StatusUnprocessableEntity, validationResponse{Errors: verrs})
		}
		return c.JSON(http.StatusCreated, funnel)
	}
}

func updateFunnel(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanUpdate(claims)); err != nil {
			return err
		}
		id, err := pathID(c, "id")
		if err != nil {
			return err
		}
		ctx := c.Request().Context()
		funnel, err := d.Store.GetFunnel(ctx, claims.AccountID, id)
		if err != nil {
			return storageHTTPError(c, err)
		}
		var req funnelRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}

		if req.Name != "" {
			funnel.Name = req.Name
		}
		funnel.Description = req.Description
		if req.Active != nil {
			funnel.Active = *req.Active
		}
		if req.Stages != nil {
			funnel.Stages = req.Stages
		}
		if req.Settings != nil {
			funnel.Settings = req.Settings
		}
		if req.GlobalAttrs != nil {
			funnel.GlobalCustomAttributes = req.GlobalAttrs
		}

		verrs, err := d.Store.UpdateFunnel(ctx, funnel)
		if err != nil {
			return storageHTTPError(c, err)
		}
		if !verrs.Empty() {
			return c.JSON(http.StatusUnprocessableEntity, validationResponse{Errors: verrs})
		}

		// Stage renames and removals change every listing under the
		// funnel, so drop its cached pages wholesale.
		d.Cache.InvalidateListing(ctx, claims.AccountID, funnel.ID)
		return c.JSON(http.StatusOK, funnel)
	}
}

func deleteFunnel(d Deps, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := authorize(c, auth)
		if err != nil {
			return err
		}
		if err := forbid(d.Authz.CanDelete(claims)); err != nil {
			return err
		}
		id, err := pathID(c, "id")
		if err != nil {
			return err
		}
		ctx := c.Request().Context()
		if err := d.Store.DeleteFunnel(ctx, claims.AccountID, id); err != nil {
			return storageHTTPError(c, err)
		}
		d.Cache.InvalidateListing(ctx, claims.AccountID, id)
		return c.NoContent(http.StatusNoContent)
	}
}
