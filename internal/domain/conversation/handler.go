package conversation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/shaclaims/shaclaims/internal/platform/auth"
	"github.com/shaclaims/shaclaims/pkg/pagination"
)

const defaultMessageLimit = 50

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleAnalyst, auth.RoleReviewer))
	read.GET("/conversations", h.ListConversations)
	read.GET("/conversations/:id", h.GetConversation)
	read.GET("/hospitals/:id/conversation", h.GetHospitalConversation)
}

func messageLimit(c echo.Context) (int, error) {
	v := c.QueryParam("messages")
	if v == "" {
		return defaultMessageLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 500 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "messages must be between 1 and 500")
	}
	return n, nil
}

func (h *Handler) ListConversations(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetConversation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	limit, err := messageLimit(c)
	if err != nil {
		return err
	}
	conv, err := h.svc.GetByID(c.Request().Context(), id, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) GetHospitalConversation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	limit, err := messageLimit(c)
	if err != nil {
		return err
	}
	conv, err := h.svc.Get(c.Request().Context(), id, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func httpError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
