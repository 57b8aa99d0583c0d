package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/lucirlei/chathub360-kanban/domain"
)

// Deps bundles everything the handlers need.
type Deps struct {
	Store   Store
	Cache   Invalidator
	Journal Journal
	Hooks   Notifier
	Engine  *domain.AutoCreationEngine
	Authz   Authorizer
	Logger  *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps, auth Authenticator) {
	if d.Authz == nil {
		d.Authz = AllowAll{}
	}
	e.Use(GzipRequestMiddleware())
	e.HTTPErrorHandler = errorHandler
	e.GET("/healthz", healthz())

	g := e.Group("/api/v1/accounts/:account_id/kanban")
	g.GET("/items", listItems(d, auth, d.Logger))
	g.POST("/items", createItem(d, auth))
	g.POST("/items/reorder", reorderItems(d, auth))
	g.GET("/items/:id", getItem(d, auth))
	g.PUT("/items/:id", updateItem(d, auth))
	g.DELETE("/items/:id", deleteItem(d, auth))
	g.POST("/items/:id/move_to_stage", moveToStage(d, auth))
	g.POST("/items/:id/agents", assignAgent(d, auth))
	g.DELETE("/items/:id/agents/:agent_id", removeAgent(d, auth))
	g.POST("/items/:id/checklist", addChecklistItem(d, auth))
	g.POST("/items/:id/checklist/:entry_id/toggle", toggleChecklistItem(d, auth))
	g.POST("/items/:id/notes", addNote(d, auth))
	g.POST("/items/:id/timer/start", startTimer(d, auth))
	g.POST("/items/:id/timer/stop", stopTimer(d, auth))
	g.GET("/items/:id/message_template", itemMessageTemplate(d, auth))
	g.POST("/items/:id/conversation", linkConversation(d, auth))
	g.DELETE("/items/:id/conversation", unlinkConversation(d, auth))

	g.GET("/funnels", listFunnels(d, auth))
	g.POST("/funnels", createFunnel(d, auth))
	g.GET("/funnels/:id", getFunnel(d, auth))
	g.PUT("/funnels/:id", updateFunnel(d, auth))
	g.DELETE("/funnels/:id", deleteFunnel(d, auth))

	g.GET("/config", getConfig(d, auth))
	g.PUT("/config", saveConfig(d, auth))

	g.POST("/hooks/conversation_created", conversationCreated(d, auth))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// errorHandler renders every surfaced error as a JSON error envelope.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if s, ok := he.Message.(string); ok {
			msg = s
		}
	}
	if writeErr := c.JSON(code, errorResponse{Error: msg}); writeErr != nil {
		c.Logger().Error(writeErr)
	}
}

// authorize verifies the bearer token and checks that the caller
// belongs to the account addressed by the URL.
func authorize(c echo.Context, auth Authenticator) (*Claims, error) {
	claims, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	accountID, err := strconv.ParseInt(c.Param("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid account id")
	}
	if claims.AccountID != accountID {
		return nil, echo.NewHTTPError(http.StatusForbidden, "account mismatch")
	}
	return claims, nil
}

// forbid turns a refused capability check into a 403.
func forbid(allowed bool) error {
	if allowed {
		return nil
	}
	return echo.NewHTTPError(http.StatusForbidden, "forbidden")
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// decodeBody reads a size-capped JSON request body.
func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, requestMaxSize)
	if err := sonic.ConfigStd.NewDecoder(lr).Decode(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	return nil
}

// loadItem fetches the addressed item, translating lookup failures
// into HTTP errors.
func loadItem(c echo.Context, d Deps, accountID int64) (*domain.KanbanItem, error) {
	id, err := pathID(c, "id")
	if err != nil {
		return nil, err
	}
	item, err := d.Store.GetItem(c.Request().Context(), accountID, id)
	if err != nil {
		return nil, storageHTTPError(c, err)
	}
	return item, nil
}

// storageHTTPError maps persistence errors onto HTTP responses,
// logging everything that is not a plain miss.
func storageHTTPError(c echo.Context, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	c.Logger().Error(err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func activityUser(claims *Claims) domain.ActivityUser {
	agentID := claims.AgentID
	return domain.ActivityUser{ID: &agentID, Name: claims.Name}
}
